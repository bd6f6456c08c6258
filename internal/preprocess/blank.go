package preprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
)

// WarmupSize is the side of the blank image pushed through the model on pre-load.
const WarmupSize = 128

// Blank returns an opaque black RGB image.
func Blank(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// BlankPNGBase64 encodes a blank WarmupSize square as a base64 PNG.
func BlankPNGBase64() (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Blank(WarmupSize, WarmupSize)); err != nil {
		return "", fmt.Errorf("failed to encode warm-up image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
