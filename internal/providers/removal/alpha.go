package removal

import (
	"bytes"
	"image"
	"image/png"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func isPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature)
}

// hasTransparency reports whether data is a PNG with at least one pixel that
// is not fully opaque. Opaque color models return false without scanning.
func hasTransparency(data []byte) bool {
	if !isPNG(data) {
		return false
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return scanAlpha(img)
}

func scanAlpha(img image.Image) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return true
			}
		}
	}
	return false
}
