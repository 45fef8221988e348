package app

import (
	"fmt"
	"image"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"golang.org/x/image/font"
)

const (
	dpi      = 72.0
	fontSize = 12.0
)

// Annotator draws axis labels and the info bar using a TrueType font
// supplied at run time.
type Annotator struct {
	context *freetype.Context
}

// NewAnnotator loads the font file and prepares the drawing context.
func NewAnnotator(fontFile string) (*Annotator, error) {
	fontBytes, err := os.ReadFile(fontFile)
	if err != nil {
		return nil, fmt.Errorf("reading font: %w", err)
	}
	parsedFont, err := freetype.ParseFont(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	context := freetype.NewContext()
	context.SetDPI(dpi)
	context.SetFont(parsedFont)
	context.SetFontSize(fontSize)
	context.SetSrc(image.Black)
	context.SetHinting(font.HintingFull)

	return &Annotator{context: context}, nil
}

// Annotate draws the title, time scale and info bar onto the rendered
// image.
func (a *Annotator) Annotate(img *image.RGBA, fd *FringeData, sourceSize uint64) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	title := fmt.Sprintf("baseline %d-%d  (%s)", fd.Station1, fd.Station2, fd.Mode)
	if err := a.drawString(title, leftBorder, topBorder-10); err != nil {
		return fmt.Errorf("drawing title: %w", err)
	}

	// A time label roughly every 60 pixels down the left edge.
	for y := 0; y < len(fd.Times); y += 60 {
		label := fd.Times[y].Time().Format(time.TimeOnly)
		if err := a.drawString(label, 4, topBorder+y+int(fontSize)); err != nil {
			return fmt.Errorf("drawing time scale: %w", err)
		}
	}

	snr, peakLag := fd.SNR()
	info := fmt.Sprintf("%d integrations   SNR %.1f   peak lag %d   source %s",
		len(fd.Rows), snr, peakLag, humanize.IBytes(sourceSize))
	if err := a.drawString(info, leftBorder, img.Bounds().Max.Y-12); err != nil {
		return fmt.Errorf("drawing info bar: %w", err)
	}
	return nil
}

func (a *Annotator) drawString(s string, x, y int) error {
	_, err := a.context.DrawString(s, freetype.Pt(x, y))
	return err
}
