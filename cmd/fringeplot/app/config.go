package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
)

type ImageFormat string

// PlotMode selects the x axis of the fringe image.
type PlotMode string

const (
	// ModeLag plots delay-lag amplitude per integration, the classic
	// fringe search display.
	ModeLag PlotMode = "lag"
	// ModeSpectrum plots spectral amplitude per integration.
	ModeSpectrum PlotMode = "spectrum"
)

// Config holds the fringeplot command line.
type Config struct {
	InputFile  string
	OutputFile string
	Format     ImageFormat
	Mode       PlotMode
	Theme      ColorTheme

	// Station pair to plot, e.g. "0-1". Empty means the first cross
	// baseline found.
	Baseline string

	// FontFile enables axis annotation; without it the plot is bare.
	FontFile string

	Verbose bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

var validModes = map[PlotMode]struct{}{
	ModeLag:      {},
	ModeSpectrum: {},
}

// NewConfigFromCLI parses and validates the flags.
func NewConfigFromCLI() (*Config, error) {
	c := Config{Format: ImagePNG, Mode: ModeLag, Theme: ThermalTheme}

	var imageFormat, mode, theme string
	flag.StringVar(&c.InputFile, "i", "", "Path to the correlator output file")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output image (extension added)")
	flag.StringVar(&c.Baseline, "b", "", "Baseline to plot as <station1>-<station2>")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.StringVar(&mode, "mode", string(ModeLag), "Plot mode. [lag, spectrum]")
	flag.StringVar(&theme, "theme", string(ThermalTheme), "Color theme. [classic, grayscale, thermal]")
	flag.StringVar(&c.FontFile, "font", "", "TrueType font for axis annotation (optional)")
	flag.BoolVar(&c.Verbose, "verbose", false, "Enable more verbose output")
	flag.Parse()

	var err error
	switch {
	case c.InputFile == "":
		err = errors.New("input file is required")
	case c.OutputFile == "":
		err = errors.New("output file is required")
	default:
		imageFormat = strings.ToLower(imageFormat)
		if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
			err = fmt.Errorf("invalid image format: %s", imageFormat)
		}
		if _, ok := validModes[PlotMode(mode)]; !ok {
			err = fmt.Errorf("invalid plot mode: %s", mode)
		}
	}
	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.Mode = PlotMode(mode)
	c.Theme = ColorTheme(theme)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return &c, nil
}

// ParseBaseline splits the "<a>-<b>" flag form.
func ParseBaseline(s string) (a, b int, err error) {
	if _, err = fmt.Sscanf(s, "%d-%d", &a, &b); err != nil {
		return 0, 0, fmt.Errorf("invalid baseline %q, expected <station1>-<station2>", s)
	}
	return a, b, nil
}
