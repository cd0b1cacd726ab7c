package variant

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// JPEGQuality is used for every encoded image variant.
const JPEGQuality = 95

// ImageParams are the sampled perturbations for one image variant. Disabled
// transforms carry identity values.
type ImageParams struct {
	ContrastFactor   float64
	BrightnessFactor float64
	Angle            float64 // degrees, counter-clockwise
	CropX            float64 // fraction of width removed from each side
	CropY            float64 // fraction of height removed from each side
	Flip             bool
}

// Output describes a rendered variant on disk.
type Output struct {
	Name string
	Path string
	Size int64
}

// PlanImage samples parameters for a single image variant.
func PlanImage(s *Sampler, t Transforms) ImageParams {
	p := ImageParams{ContrastFactor: 1, BrightnessFactor: 1}
	if t.Contrast {
		p.ContrastFactor = 1 + s.Scale(-0.1, 0.1)
	}
	if t.Brightness {
		p.BrightnessFactor = 1 + s.Scale(-0.1, 0.1)
	}
	if t.Rotate {
		p.Angle = s.Scale(-5, 5)
	}
	if t.Crop {
		p.CropX = s.Scale(0.01, 0.05)
		p.CropY = s.Scale(0.01, 0.05)
	}
	if t.FlipHorizontal {
		p.Flip = s.Coin()
	}
	return p
}

// ApplyImage renders p onto img in the order contrast, brightness, rotate,
// crop, flip.
func ApplyImage(img image.Image, p ImageParams) image.Image {
	out := img
	if p.ContrastFactor != 1 {
		out = adjustContrast(out, p.ContrastFactor)
	}
	if p.BrightnessFactor != 1 {
		out = adjustBrightness(out, p.BrightnessFactor)
	}
	if p.Angle != 0 {
		out = imaging.Rotate(out, p.Angle, color.Black)
	}
	if p.CropX != 0 || p.CropY != 0 {
		b := out.Bounds()
		x := int(float64(b.Dx()) * p.CropX)
		y := int(float64(b.Dy()) * p.CropY)
		if b.Dx()-2*x > 0 && b.Dy()-2*y > 0 {
			out = imaging.Crop(out, image.Rect(b.Min.X+x, b.Min.Y+y, b.Max.X-x, b.Max.Y-y))
		}
	}
	if p.Flip {
		out = imaging.FlipH(out)
	}
	return out
}

// GenerateImages decodes src once and writes opts.BatchSize JPEG variants
// named {stem}_variant_{i}.jpg into outDir.
func GenerateImages(src io.Reader, name, outDir string, opts Options, s *Sampler) ([]Output, error) {
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", name, err)
	}

	stem := Stem(name)
	outputs := make([]Output, 0, opts.BatchSize)
	for i := 1; i <= opts.BatchSize; i++ {
		params := PlanImage(s, opts.Transforms)
		rendered := ApplyImage(img, params)

		outName := VariantName(stem, i, ".jpg")
		outPath := filepath.Join(outDir, outName)
		size, err := writeJPEG(outPath, rendered)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, Output{Name: outName, Path: outPath, Size: size})
	}
	return outputs, nil
}

// adjustContrast blends each channel away from the image's mean luminance
// by factor. A factor of 0 yields a flat gray of that mean.
func adjustContrast(img image.Image, factor float64) *image.NRGBA {
	mean := math.Floor(meanLuminance(img) + 0.5)
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.R = clampChannel(mean + factor*(float64(c.R)-mean))
		c.G = clampChannel(mean + factor*(float64(c.G)-mean))
		c.B = clampChannel(mean + factor*(float64(c.B)-mean))
		return c
	})
}

// adjustBrightness scales each channel by factor, so black stays black.
func adjustBrightness(img image.Image, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		c.R = clampChannel(factor * float64(c.R))
		c.G = clampChannel(factor * float64(c.G))
		c.B = clampChannel(factor * float64(c.B))
		return c
	})
}

// meanLuminance averages the ITU-R 601 luma of every pixel.
func meanLuminance(img image.Image) float64 {
	src := imaging.Clone(img)
	n := len(src.Pix) / 4
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(src.Pix); i += 4 {
		sum += (299*float64(src.Pix[i]) + 587*float64(src.Pix[i+1]) + 114*float64(src.Pix[i+2])) / 1000
	}
	return sum / float64(n)
}

func clampChannel(v float64) uint8 {
	return uint8(math.Min(math.Max(math.Round(v), 0), 255))
}

func writeJPEG(path string, img image.Image) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	if err := imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", path, err)
	}
	return info.Size(), nil
}

// Stem returns the upload's base name without extension, safe to use as a
// file name prefix.
func Stem(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.TrimLeft(strings.TrimSpace(stem), ".")
	if stem == "" || stem == "/" {
		return "file"
	}
	return stem
}

// VariantName formats the 1-based output name for a variant.
func VariantName(stem string, index int, ext string) string {
	return fmt.Sprintf("%s_variant_%d%s", stem, index, ext)
}
