package app

import (
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"

	"github.com/openvlbi/correlator/internal/output"
)

// Run reads the correlator output file and writes the fringe image.
func Run(config *Config, logger *slog.Logger) error {
	r, err := output.OpenFile(config.InputFile)
	if err != nil {
		return err
	}
	defer r.Close()

	st1, st2 := -1, -1
	if config.Baseline != "" {
		if st1, st2, err = ParseBaseline(config.Baseline); err != nil {
			return err
		}
	}

	var fringe *FringeData
	for {
		ts, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		for _, bl := range ts.Baselines {
			if bl.Station1 == bl.Station2 {
				continue
			}
			if st1 < 0 {
				st1, st2 = bl.Station1, bl.Station2
				logger.Info("plotting first cross baseline",
					slog.Int("station1", st1), slog.Int("station2", st2))
			}
			if bl.Station1 != st1 || bl.Station2 != st2 {
				continue
			}
			if fringe == nil {
				fringe = NewFringeData(st1, st2, config.Mode)
			}
			fringe.AddSpectrum(bl.Spectrum, ts.Start, bl.Weight)
		}
	}
	if fringe == nil || len(fringe.Rows) == 0 {
		return fmt.Errorf("no cross baseline data found in %s", config.InputFile)
	}

	snr, peakLag := fringe.SNR()
	logger.Info("fringe statistics",
		slog.Int("integrations", len(fringe.Rows)),
		slog.String("snr", fmt.Sprintf("%.1f", snr)),
		slog.Int("peakLag", peakLag))

	mapper := NewColorMapper(config.Theme, AmplitudeBounds{Min: fringe.Min, Max: fringe.Max})
	img := fringe.Render(mapper)

	if config.FontFile != "" {
		annotator, err := NewAnnotator(config.FontFile)
		if err != nil {
			return err
		}
		var sourceSize uint64
		if fi, err := os.Stat(config.InputFile); err == nil {
			sourceSize = uint64(fi.Size())
		}
		if err := annotator.Annotate(img, fringe, sourceSize); err != nil {
			return err
		}
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImageJPEG:
		return jpeg.Encode(out, img, &jpeg.Options{Quality: 98})
	default:
		return png.Encode(out, img)
	}
}
