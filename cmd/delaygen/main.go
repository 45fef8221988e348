// delaygen tabulates a polynomial delay model into the binary table format
// the correlator consumes. Real observations get their tables from the
// geometric model pipeline; this tool covers bench tests and synthetic
// runs.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openvlbi/correlator/internal/delaymodel"
	"github.com/openvlbi/correlator/internal/vlbitime"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var (
		station  string
		outFile  string
		startStr string
		duration float64
		step     float64
		delay    float64
		rate     float64
		accel    float64
		phase    float64
	)
	flag.StringVar(&station, "station", "", "Station identifier")
	flag.StringVar(&outFile, "o", "", "Output table file")
	flag.StringVar(&startStr, "start", "", "Scan start (RFC 3339)")
	flag.Float64Var(&duration, "duration", 60, "Scan duration in seconds")
	flag.Float64Var(&step, "step", 1, "Epoch spacing in seconds")
	flag.Float64Var(&delay, "delay", 0, "Delay at scan start in seconds")
	flag.Float64Var(&rate, "rate", 0, "Delay rate in s/s")
	flag.Float64Var(&accel, "accel", 0, "Delay acceleration in s/s^2")
	flag.Float64Var(&phase, "phase", 0, "Instrumental phase in radians")
	flag.Parse()

	if station == "" || outFile == "" || startStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	startTime, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		logger.Error(fmt.Sprintf("invalid start time: %s", err))
		os.Exit(2)
	}
	start := vlbitime.FromTime(startTime)

	var scan []delaymodel.Sample
	for t := 0.0; t <= duration; t += step {
		scan = append(scan, delaymodel.Sample{
			Time:      start.Add(vlbitime.Seconds(t)),
			Delay:     delay + rate*t + 0.5*accel*t*t,
			Phase:     phase,
			Amplitude: 1,
		})
	}

	if err := delaymodel.WriteTable(outFile, station, scan); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.Info("delay table written",
		slog.String("station", station),
		slog.String("file", outFile),
		slog.Int("epochs", len(scan)))
}
