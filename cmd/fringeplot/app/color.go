package app

import (
	"image/color"
	"math"
)

// ColorTheme names a predefined color scheme for amplitude visualisation.
type ColorTheme string

const (
	ClassicTheme   ColorTheme = "classic"   // blue to red transition
	GrayscaleTheme ColorTheme = "grayscale" // black to white transition
	ThermalTheme   ColorTheme = "thermal"   // black to red to yellow to white

	defaultColorMapSize = 256
)

// AmplitudeBounds are the display limits of the color scale.
type AmplitudeBounds struct {
	Min, Max float64
}

// ColorMapper maps amplitudes onto a pre-computed color gradient.
type ColorMapper struct {
	colorMap    []color.Color
	theme       func(float64) color.Color
	boundsMin   float64
	boundsRange float64
}

// NewColorMapper builds the lookup table for the given theme and bounds.
func NewColorMapper(theme ColorTheme, bounds AmplitudeBounds) *ColorMapper {
	cm := ColorMapper{
		colorMap:    make([]color.Color, defaultColorMapSize),
		theme:       getColorTheme(theme),
		boundsMin:   bounds.Min,
		boundsRange: bounds.Max - bounds.Min,
	}
	if cm.boundsRange <= 0 {
		cm.boundsRange = 1
	}
	for i := range cm.colorMap {
		cm.colorMap[i] = cm.theme(float64(i) / float64(len(cm.colorMap)-1))
	}
	return &cm
}

// GetColor returns the color for an amplitude, clamped to the bounds.
func (cm *ColorMapper) GetColor(amplitude float64) color.Color {
	idx := int((amplitude - cm.boundsMin) / cm.boundsRange * float64(len(cm.colorMap)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(cm.colorMap) {
		idx = len(cm.colorMap) - 1
	}
	return cm.colorMap[idx]
}

// HSV is a color in hue/saturation/value space.
type HSV struct {
	H float64 // [0-360)
	S float64 // [0-1]
	V float64 // [0-1]
}

// RGB converts HSV to an RGBA color.
func (hsv HSV) RGB() color.Color {
	if hsv.S <= 0 {
		v := uint8(hsv.V * 255)
		return color.RGBA{R: v, G: v, B: v, A: 255}
	}

	h := math.Mod(hsv.H, 360) / 60
	i := int(h)
	f := h - float64(i)

	v := uint8(hsv.V * 255)
	p := uint8(hsv.V * (1 - hsv.S) * 255)
	q := uint8(hsv.V * (1 - hsv.S*f) * 255)
	t := uint8(hsv.V * (1 - hsv.S*(1-f)) * 255)

	switch i {
	case 0:
		return color.RGBA{R: v, G: t, B: p, A: 255}
	case 1:
		return color.RGBA{R: q, G: v, B: p, A: 255}
	case 2:
		return color.RGBA{R: p, G: v, B: t, A: 255}
	case 3:
		return color.RGBA{R: p, G: q, B: v, A: 255}
	case 4:
		return color.RGBA{R: t, G: p, B: v, A: 255}
	default:
		return color.RGBA{R: v, G: p, B: q, A: 255}
	}
}

func getColorTheme(theme ColorTheme) func(float64) color.Color {
	switch theme {
	case ClassicTheme:
		return func(a float64) color.Color {
			return HSV{H: 240 - a*240, S: 0.9 + a*0.1, V: math.Pow(a, 0.7)}.RGB()
		}

	case GrayscaleTheme:
		return func(a float64) color.Color {
			v := uint8(math.Pow(a, 0.7) * 255)
			return color.RGBA{R: v, G: v, B: v, A: 255}
		}

	default: // thermal
		return func(a float64) color.Color {
			switch {
			case a < 0.33:
				return color.RGBA{R: uint8(a * 3 * 255), A: 255}
			case a < 0.66:
				return color.RGBA{R: 255, G: uint8((a - 0.33) * 3 * 255), A: 255}
			default:
				return color.RGBA{R: 255, G: 255, B: uint8((a - 0.66) * 3 * 255), A: 255}
			}
		}
	}
}
