package correlator

// BitStatistics accumulates the sample-level histogram of one station
// stream. Two-bit data uses four levels, one-bit data two; invalid samples
// (frame loss, zero fill) are counted separately and surfaced as n_invalid
// in the output statistics record.
type BitStatistics struct {
	bitsPerSample int
	levels        [4]int64
	invalid       int64
}

// NewBitStatistics returns an accumulator for the given sample depth.
func NewBitStatistics(bitsPerSample int) *BitStatistics {
	return &BitStatistics{bitsPerSample: bitsPerSample}
}

// BitsPerSample returns the sample depth of the stream.
func (s *BitStatistics) BitsPerSample() int { return s.bitsPerSample }

// Count records one decoded sample at the given level index.
func (s *BitStatistics) Count(level int) {
	s.levels[level]++
}

// CountInvalid records n invalid samples.
func (s *BitStatistics) CountInvalid(n int) {
	s.invalid += int64(n)
}

// NInvalid returns the number of invalid samples seen so far.
func (s *BitStatistics) NInvalid() int64 { return s.invalid }

// TotalValid returns the number of valid samples seen so far.
func (s *BitStatistics) TotalValid() int64 {
	return s.levels[0] + s.levels[1] + s.levels[2] + s.levels[3]
}

// Levels returns the histogram in the four-level output layout. One-bit
// streams occupy the two central slots, matching the on-disk convention.
func (s *BitStatistics) Levels() [4]int64 {
	if s.bitsPerSample == 1 {
		return [4]int64{0, s.levels[0], s.levels[1], 0}
	}
	return s.levels
}

// Reset clears the accumulator for the next integration.
func (s *BitStatistics) Reset() {
	s.levels = [4]int64{}
	s.invalid = 0
}
