package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestCropRect(t *testing.T) {
	tests := []struct {
		name string
		w, h int
		want image.Rectangle
	}{
		{"exact 16:9", 1920, 1080, image.Rect(0, 0, 1920, 1080)},
		{"within tolerance", 1600, 895, image.Rect(0, 0, 1600, 895)},
		{"too wide trims sides", 2000, 900, image.Rect(200, 0, 1800, 900)},
		{"portrait cover trims vertically", 800, 1200, image.Rect(0, 375, 800, 825)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CropRect(image.Rect(0, 0, tt.w, tt.h))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerateOutputDimensions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 600, 900))
	for y := 0; y < 900; y++ {
		for x := 0; x < 600; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 120, A: 255})
		}
	}

	out, err := Generate(bytes.NewReader(encodePNG(t, src)))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, TargetWidth, img.Bounds().Dx())
	assert.Equal(t, TargetHeight, img.Bounds().Dy())
}

func TestGenerateFlattensTransparency(t *testing.T) {
	// Fully transparent source must render white, not black.
	src := image.NewNRGBA(image.Rect(0, 0, 1920, 1080))

	out, err := Generate(bytes.NewReader(encodePNG(t, src)))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	r, g, b, _ := img.At(TargetWidth/2, TargetHeight/2).RGBA()
	assert.Greater(t, r>>8, uint32(240))
	assert.Greater(t, g>>8, uint32(240))
	assert.Greater(t, b>>8, uint32(240))
}

func TestGenerateRejectsGarbage(t *testing.T) {
	_, err := Generate(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}
