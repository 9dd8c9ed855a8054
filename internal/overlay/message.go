// Package overlay draws the head unit screen shown while nothing is mirrored
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	background   = color.RGBA{24, 24, 28, 255}
	textColor    = color.RGBA{230, 230, 230, 255}
	buttonColor  = color.RGBA{60, 90, 160, 255}
	disabledText = color.RGBA{130, 130, 130, 255}
	disabledFill = color.RGBA{50, 50, 56, 255}
)

const (
	lineHeight = 13
	padding    = 8
	stripRatio = 6 // action strip height is 1/stripRatio of the screen
)

// Button is one entry of the action strip
type Button struct {
	Title   string
	Enabled bool
}

// Screen is the content of a non-mirroring frame
type Screen struct {
	Message string
	Buttons []Button
}

// Render draws s into a new width x height frame: the message centered and
// word wrapped, the buttons along the bottom
func Render(s Screen, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	stripHeight := height / stripRatio
	if stripHeight < lineHeight+padding*2 {
		stripHeight = lineHeight + padding*2
	}

	if s.Message != "" {
		lines := Wrap(s.Message, (width-padding*2)/basicfont.Face7x13.Advance)
		blockHeight := len(lines) * lineHeight
		y := (height-stripHeight-blockHeight)/2 + lineHeight
		for _, line := range lines {
			drawCentered(img, line, width/2, y, textColor)
			y += lineHeight
		}
	}

	if len(s.Buttons) > 0 {
		slot := width / len(s.Buttons)
		top := height - stripHeight
		for i, b := range s.Buttons {
			rect := image.Rect(i*slot+padding, top+padding/2, (i+1)*slot-padding, height-padding/2)
			fill, fg := buttonColor, textColor
			if !b.Enabled {
				fill, fg = disabledFill, disabledText
			}
			draw.Draw(img, rect, image.NewUniform(fill), image.Point{}, draw.Src)
			drawCentered(img, b.Title, (rect.Min.X+rect.Max.X)/2, (rect.Min.Y+rect.Max.Y+lineHeight)/2-2, fg)
		}
	}

	return img
}

// drawCentered draws text with its baseline at y, centered on x
func drawCentered(img *image.RGBA, text string, x, y int, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
	}
	w := d.MeasureString(text).Round()
	d.Dot = fixed.P(x-w/2, y)
	d.DrawString(text)
}

// Wrap splits text into lines of at most cols characters, breaking at spaces
// where possible
func Wrap(text string, cols int) []string {
	if cols < 1 {
		cols = 1
	}

	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		for len(word) > cols {
			if line.Len() > 0 {
				lines = append(lines, line.String())
				line.Reset()
			}
			lines = append(lines, word[:cols])
			word = word[cols:]
		}

		switch {
		case line.Len() == 0:
			line.WriteString(word)
		case line.Len()+1+len(word) <= cols:
			line.WriteByte(' ')
			line.WriteString(word)
		default:
			lines = append(lines, line.String())
			line.Reset()
			line.WriteString(word)
		}
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return lines
}
