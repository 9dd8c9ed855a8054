package overlay

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		text string
		cols int
		want []string
	}{
		{name: "fits", text: "Mirroring is stopped.", cols: 40, want: []string{"Mirroring is stopped."}},
		{name: "breaks at spaces", text: "Mirroring is stopped.", cols: 12, want: []string{"Mirroring is", "stopped."}},
		{name: "splits long words", text: "abcdefghij", cols: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "collapses whitespace", text: "  a   b  ", cols: 10, want: []string{"a b"}},
		{name: "empty", text: "", cols: 10, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Wrap(tt.text, tt.cols))
		})
	}
}

func TestRender(t *testing.T) {
	img := Render(Screen{
		Message: "Waiting for screen capture permission on the phone.",
		Buttons: []Button{{Title: "Mirroring unavailable"}, {Title: "Exit", Enabled: true}},
	}, 320, 240)

	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())
	assert.Equal(t, background, img.RGBAAt(1, 1))

	// Enabled button fill sits in the right half of the strip
	assert.Equal(t, buttonColor, img.RGBAAt(160+padding+1, 240-padding))
	assert.Equal(t, disabledFill, img.RGBAAt(padding+1, 240-padding))

	// Some text pixels were drawn in the message area
	lit := 0
	for y := 0; y < 240-240/stripRatio; y++ {
		for x := 0; x < 320; x++ {
			if img.RGBAAt(x, y) != background {
				lit++
			}
		}
	}
	assert.Positive(t, lit)
}
