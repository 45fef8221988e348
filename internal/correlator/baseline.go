package correlator

// Baseline is an ordered pair of stream indices. Equal indices denote an
// autocorrelation.
type Baseline struct {
	A, B int
}

// IsAuto reports whether the baseline is an autocorrelation.
func (b Baseline) IsAuto() bool { return b.A == b.B }

// CreateBaselines enumerates the baselines for the given parameters in
// canonical output order: all autocorrelations first, then the cross
// baselines. The order is deterministic given the stream count, the optional
// reference station and the cross-polarise flag.
func CreateBaselines(p *Parameters) []Baseline {
	n := len(p.Streams)
	baselines := make([]Baseline, 0, n*(n+1)/2)

	for i := 0; i < n; i++ {
		baselines = append(baselines, Baseline{i, i})
	}

	ref := p.ReferenceStation
	if p.CrossPolarize {
		half := n / 2
		if ref >= 0 {
			for i := 0; i < ref; i++ {
				baselines = append(baselines,
					Baseline{i, ref},
					Baseline{i + half, ref},
					Baseline{i, ref + half},
					Baseline{i + half, ref + half})
			}
			for i := ref + 1; i < half; i++ {
				baselines = append(baselines,
					Baseline{ref, i},
					Baseline{ref, i + half},
					Baseline{ref + half, i},
					Baseline{ref + half, i + half})
			}
		} else {
			for i := 0; i < half-1; i++ {
				for j := i + 1; j < half; j++ {
					baselines = append(baselines,
						Baseline{i, j},
						Baseline{i, j + half},
						Baseline{i + half, j},
						Baseline{i + half, j + half})
				}
			}
		}
		return baselines
	}

	if ref >= 0 {
		for i := 0; i < n; i++ {
			if i != ref {
				baselines = append(baselines, Baseline{i, ref})
			}
		}
		return baselines
	}

	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			baselines = append(baselines, Baseline{i, j})
		}
	}
	return baselines
}

// StreamPolarisation returns the polarisation of stream i under the
// cross-polarise convention: the second half of the streams carries the
// opposite polarisation of the first half.
func StreamPolarisation(p *Parameters, i int) Polarisation {
	pol := p.Streams[i].Polarisation
	if pol == 0 {
		pol = PolRight
	}
	return pol
}
