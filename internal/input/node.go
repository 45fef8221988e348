package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"

	"github.com/openvlbi/correlator/internal/correlator"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

// Format names the recorder frame flavour of a station's recordings.
type Format string

const (
	FormatVDIF Format = "vdif"
	FormatRaw  Format = "raw"
)

// NodeConfig describes one station's input.
type NodeConfig struct {
	Station    string
	Sources    []string // file:// URIs, read in order
	Format     Format
	SampleRate int64
	NChannels  int
	Bits       int

	// FrameSamples is the synthetic frame length for headerless sources.
	FrameSamples int

	// RecordStart is the wall-clock time of the first sample for
	// headerless sources; framed formats carry their own timestamps.
	RecordStart vlbitime.Time

	// ExitOnEmpty promotes a persistently exhausted stream to a fatal
	// error instead of zero-weighting its baselines.
	ExitOnEmpty bool
}

// WithNodeLogger attaches a logger to the node.
func WithNodeLogger(logger *slog.Logger) func(*Node) {
	return func(n *Node) {
		n.logger = logger.With(slog.String("station", n.config.Station))
	}
}

// Node is the input node for one station: it walks the configured sources,
// decodes frames and pushes integer-second-aligned, delay-step sized sample
// blocks onto the per-channel queues.
type Node struct {
	config  NodeConfig
	decoder *Decoder
	stats   []*correlator.BitStatistics
	logger  *slog.Logger

	reader    FrameReader
	sourceIdx int
}

// NewNode builds the input node and its per-channel bit statistics.
func NewNode(config NodeConfig, options ...func(*Node)) (*Node, error) {
	if len(config.Sources) == 0 {
		return nil, fmt.Errorf("%w: station %s has no data sources", ErrInputUnavailable, config.Station)
	}

	stats := make([]*correlator.BitStatistics, config.NChannels)
	for i := range stats {
		stats[i] = correlator.NewBitStatistics(config.Bits)
	}
	decoder, err := NewDecoder(config.NChannels, config.Bits, stats)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", config.Station, err)
	}

	n := Node{
		config:  config,
		decoder: decoder,
		stats:   stats,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&n)
	}
	return &n, nil
}

// Statistics returns the per-channel bit statistics accumulators. They are
// shared with the correlation cores, which read and reset them per
// integration.
func (n *Node) Statistics(channel int) *correlator.BitStatistics {
	return n.stats[channel]
}

// openSource opens one source URI with a bounded exponential retry: a
// recording that is still being staged shows up briefly as absent.
func (n *Node) openSource(uri string) (FrameReader, error) {
	path := strings.TrimPrefix(uri, "file://")
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		path = u.Path
	}

	var f *os.File
	open := func() error {
		var err error
		f, err = os.Open(path)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(open, policy); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInputUnavailable, uri, err)
	}

	switch n.config.Format {
	case FormatRaw:
		return NewRawReader(f, n.config.RecordStart, n.config.SampleRate,
			n.config.NChannels, n.config.Bits, n.config.FrameSamples), nil
	case FormatVDIF, "":
		return NewVDIFReader(f, n.config.SampleRate), nil
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unknown input format %q", n.config.Format)
	}
}

// nextFrame reads from the current source, rolling over to the next one at
// EOF. A final EOF means the station stream has ended.
func (n *Node) nextFrame(f *Frame) error {
	for {
		if n.reader == nil {
			if n.sourceIdx >= len(n.config.Sources) {
				return io.EOF
			}
			r, err := n.openSource(n.config.Sources[n.sourceIdx])
			if err != nil {
				return err
			}
			n.logger.Info("opened data source",
				slog.String("uri", n.config.Sources[n.sourceIdx]))
			n.reader = r
			n.sourceIdx++
		}

		err := n.reader.NextFrame(f)
		if err == nil {
			return nil
		}
		_ = n.reader.Close()
		n.reader = nil
		if !errors.Is(err, io.EOF) {
			return err
		}
	}
}

// Stream delivers nSamples per channel starting at the aligned slice start
// plus the station's whole-sample delay shift, chopped into blockSize
// blocks. It runs in its own goroutine; the queues are closed when the
// stream ends or fails. Missing data (frame gaps, lost sources) is zero
// filled and marked invalid.
func (n *Node) Stream(ctx context.Context, start vlbitime.Time, shiftSamples, nSamples int64,
	blockSize int, outs []*correlator.Queue[*correlator.SampleBlock]) error {

	defer func() {
		for _, q := range outs {
			q.Close()
		}
	}()

	target := start.AddSamples(shiftSamples, n.config.SampleRate)

	// acc holds aligned samples [delivered, absPos) per channel, with the
	// invalid ranges expressed relative to the head of acc.
	acc := make([][]float64, n.config.NChannels)
	invalid := make([][]correlator.InvalidRange, n.config.NChannels)

	var delivered int64 // aligned samples handed downstream
	var absPos int64    // aligned index of the next sample to buffer
	var totalBytes uint64

	appendInvalid := func(count int64) {
		for c := range acc {
			invalid[c] = append(invalid[c], correlator.InvalidRange{Offset: len(acc[c]), Len: int(count)})
			acc[c] = append(acc[c], make([]float64, count)...)
			n.stats[c].CountInvalid(int(count))
		}
		absPos += count
	}

	flush := func() error {
		for len(acc[0]) >= blockSize && delivered < nSamples {
			for c := range acc {
				var block *correlator.SampleBlock
				if outs[c] != nil { // nil when the channel is not part of this slice
					block = &correlator.SampleBlock{
						Start: target.AddSamples(delivered, n.config.SampleRate),
						Data:  append([]float64(nil), acc[c][:blockSize]...),
					}
				}
				var rest []correlator.InvalidRange
				for _, r := range invalid[c] {
					if r.Offset < blockSize && block != nil {
						block.Invalid = append(block.Invalid, correlator.InvalidRange{
							Offset: r.Offset,
							Len:    min(r.Len, blockSize-r.Offset),
						})
					}
					if end := r.Offset + r.Len; end > blockSize {
						cut := max(r.Offset, blockSize)
						rest = append(rest, correlator.InvalidRange{Offset: cut - blockSize, Len: end - cut})
					}
				}
				acc[c] = acc[c][blockSize:]
				invalid[c] = rest
				if block != nil {
					if err := outs[c].Send(ctx, block); err != nil {
						return err
					}
				}
			}
			delivered += int64(blockSize)
		}
		return nil
	}

	var frame Frame
	for delivered < nSamples {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := n.nextFrame(&frame)
		if errors.Is(err, io.EOF) {
			if delivered == 0 && absPos == 0 && n.config.ExitOnEmpty {
				return fmt.Errorf("%w: station %s produced no data", ErrEmptyDatastream, n.config.Station)
			}
			n.logger.Warn("station stream ended early",
				slog.String("at", target.AddSamples(absPos, n.config.SampleRate).String()))
			return nil
		}
		if err != nil {
			return err
		}
		totalBytes += uint64(len(frame.Data))

		frameSamples := int64(n.decoder.SamplesPerFrame(len(frame.Data)))
		frameStart := frame.Time.Sub(target).Samples(n.config.SampleRate)

		if frameStart+frameSamples <= absPos {
			continue // entirely before the stream position
		}
		if gap := frameStart - absPos; gap > 0 {
			appendInvalid(gap) // lost frames, keep the timebase aligned
		}
		skip := max(absPos-frameStart, 0)

		tmp := make([][]float64, n.config.NChannels)
		if _, err := n.decoder.Decode(&frame, tmp); err != nil {
			return err
		}
		for c := range acc {
			if frame.Invalid {
				invalid[c] = append(invalid[c], correlator.InvalidRange{
					Offset: len(acc[c]),
					Len:    int(frameSamples - skip),
				})
			}
			acc[c] = append(acc[c], tmp[c][skip:]...)
		}
		absPos += frameSamples - skip

		if err := flush(); err != nil {
			return err
		}
	}

	n.logger.Info("slice delivered",
		slog.String("bytes", humanize.IBytes(totalBytes)),
		slog.Int64("samples", delivered))
	return nil
}
