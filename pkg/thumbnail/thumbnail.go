// Package thumbnail renders series preview images. Source covers arrive
// in arbitrary sizes and formats; the output is always a 1280x720 JPEG
// cropped to 16:9 around the center.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/pagerelay/pagerelay/pkg/rclone"
)

const (
	// TargetWidth and TargetHeight fix the output dimensions.
	TargetWidth  = 1280
	TargetHeight = 720

	// aspectTolerance skips the crop when the source is already within
	// 1% of 16:9.
	aspectTolerance = 0.01

	jpegQuality = 85
)

// Generate decodes a cover image and renders the preview JPEG. JPEG,
// PNG, GIF, and WebP sources are accepted.
func Generate(r io.Reader) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode cover image: %w", err)
	}

	flat := flatten(src)
	cropped := flat.SubImage(CropRect(flat.Bounds())).(*image.RGBA)

	out := image.NewRGBA(image.Rect(0, 0, TargetWidth, TargetHeight))
	xdraw.CatmullRom.Scale(out, out.Bounds(), cropped, cropped.Bounds(), xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// CropRect returns the centered 16:9 window inside bounds. Sources
// already within tolerance of 16:9 keep their full bounds.
func CropRect(bounds image.Rectangle) image.Rectangle {
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())
	if w <= 0 || h <= 0 {
		return bounds
	}

	target := float64(TargetWidth) / float64(TargetHeight)
	ratio := w / h
	if math.Abs(ratio-target)/target <= aspectTolerance {
		return bounds
	}

	if ratio > target {
		// Too wide: trim the sides.
		cropW := int(math.Round(h * target))
		x0 := bounds.Min.X + (bounds.Dx()-cropW)/2
		return image.Rect(x0, bounds.Min.Y, x0+cropW, bounds.Max.Y)
	}

	// Too tall: trim top and bottom.
	cropH := int(math.Round(w / target))
	y0 := bounds.Min.Y + (bounds.Dy()-cropH)/2
	return image.Rect(bounds.Min.X, y0, bounds.Max.X, y0+cropH)
}

// flatten composites src over a white background, discarding alpha.
// JPEG output has no alpha channel; transparent covers would otherwise
// come out black.
func flatten(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	xdraw.Draw(dst, bounds, image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.Draw(dst, bounds, src, bounds.Min, xdraw.Over)
	return dst
}

// Upload streams the rendered preview to its remote path.
func Upload(ctx context.Context, client *rclone.Client, remotePath string, data []byte) error {
	return client.UploadReader(ctx, bytes.NewReader(data), remotePath)
}
