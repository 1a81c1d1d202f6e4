package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
)

// trimTransparent crops the image to its opaque bounding box. A fully
// transparent image cannot be trimmed.
func trimTransparent(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	minX, minY := bounds.Max.X, bounds.Max.Y
	maxX, maxY := bounds.Min.X-1, bounds.Min.Y-1
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX || maxY < minY {
		return nil, fmt.Errorf("image is fully transparent, nothing to trim")
	}
	return imaging.Crop(img, image.Rect(minX, minY, maxX+1, maxY+1)), nil
}

// enhance applies sharpening and saturation. Sharpening 0 and
// saturation 1.0 are no-ops; both inputs arrive pre-clamped by the
// config layer but are clamped again since retry overrides bypass it.
func enhance(img image.Image, sharpening, saturation float64) image.Image {
	sharpening = clamp(sharpening, 0, 10)
	saturation = clamp(saturation, 0, 3)
	out := img
	if sharpening > 0 {
		out = imaging.Sharpen(out, sharpening)
	}
	if saturation != 1.0 {
		// imaging wants a percentage in [-100, 100]; the configured
		// factor is a multiplier in [0, 3].
		out = imaging.AdjustSaturation(out, (saturation-1.0)*100)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// flatten composites the image over a solid background, dropping alpha.
// Used when a cut-out is re-encoded to JPEG.
func flatten(img image.Image, bg color.Color) image.Image {
	bounds := img.Bounds()
	out := image.NewNRGBA(bounds)
	draw.Draw(out, bounds, image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(out, bounds, img, bounds.Min, draw.Over)
	return out
}

// parseHexColor reads #RRGGBB (hash optional). Empty or invalid input
// falls back to white.
func parseHexColor(s string) color.Color {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.White
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.White
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// encodeImage writes img to path in the named format. quality is the
// 1..100 setting; PNG maps it onto compression effort buckets since the
// format is lossless.
func encodeImage(path, format string, img image.Image, quality int) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: pngCompression(quality)}
		err = enc.Encode(out, img)
	case "jpg":
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: quality})
	case "webp":
		err = webp.Encode(out, img, &webp.Options{Quality: float32(quality)})
	default:
		err = fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		_ = out.Close()
		_ = os.Remove(path)
		return err
	}
	return out.Close()
}

func pngCompression(quality int) png.CompressionLevel {
	switch {
	case quality >= 90:
		return png.BestCompression
	case quality >= 50:
		return png.DefaultCompression
	default:
		return png.BestSpeed
	}
}

func loadImage(path string) (image.Image, error) {
	return imaging.Open(path)
}
