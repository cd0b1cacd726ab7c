package variant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// VideoParams are the sampled perturbations for one video variant.
type VideoParams struct {
	Contrast   float64 // eq contrast, 1 is identity
	Brightness float64 // eq brightness, 0 is identity
	Radians    float64
	CropX      int // pixels removed from the left and right edges
	CropY      int // pixels removed from the top and bottom edges
	CropW      int
	CropH      int
	Flip       bool
}

// CropRange returns the crop fraction bounds for a batch. Larger batches get
// stronger crops so that variants stay distinct.
func CropRange(batchSize int) (lo, hi float64) {
	switch {
	case batchSize <= 5:
		return 0.005, 0.015
	case batchSize <= 10:
		return 0.01, 0.02
	default:
		return 0.015, 0.03
	}
}

// PlanVideo samples parameters for a single video variant of a width×height
// source.
func PlanVideo(s *Sampler, t Transforms, width, height, batchSize int) VideoParams {
	p := VideoParams{Contrast: 1, CropW: width, CropH: height}
	if t.Contrast {
		p.Contrast = 1 + s.Scale(-0.1, 0.1)
	}
	if t.Brightness {
		p.Brightness = s.Scale(-0.05, 0.05)
	}
	if t.Rotate {
		p.Radians = s.Scale(-2, 2) * math.Pi / 180
	}
	if t.Crop {
		lo, hi := CropRange(batchSize)
		p.CropX = int(float64(width) * s.Scale(lo, hi))
		p.CropY = int(float64(height) * s.Scale(lo, hi))
		p.CropW = width - 2*p.CropX
		p.CropH = height - 2*p.CropY
	}
	if t.FlipHorizontal {
		p.Flip = s.Coin()
	}
	return p
}

// FilterGraph renders p as an ffmpeg -vf chain. It returns an empty string
// when no filter applies.
func FilterGraph(p VideoParams, t Transforms, width, height int) string {
	var filters []string
	if t.Contrast || t.Brightness {
		filters = append(filters, fmt.Sprintf("eq=contrast=%s:brightness=%s", formatFloat(p.Contrast), formatFloat(p.Brightness)))
	}
	if t.Rotate {
		filters = append(filters, "rotate="+formatFloat(p.Radians))
	}
	if t.Crop {
		filters = append(filters,
			fmt.Sprintf("crop=%d:%d:%d:%d", p.CropW, p.CropH, p.CropX, p.CropY),
			fmt.Sprintf("scale=%d:%d", width, height),
		)
	}
	if p.Flip {
		filters = append(filters, "hflip")
	}
	return strings.Join(filters, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// ErrNoVideoStream is returned when a probed file has no video stream.
var ErrNoVideoStream = errors.New("no video stream found")

// VideoProcessor runs the ffmpeg and ffprobe binaries.
type VideoProcessor struct {
	FFmpegPath  string
	FFprobePath string
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe returns the dimensions of the first video stream in path.
func (p VideoProcessor) Probe(ctx context.Context, path string) (width, height int, err error) {
	cmd := exec.CommandContext(ctx, p.ffprobe(),
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, 0, fmt.Errorf("ffprobe %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (int, int, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	for _, stream := range out.Streams {
		if stream.CodecType == "video" {
			if stream.Width <= 0 || stream.Height <= 0 {
				return 0, 0, fmt.Errorf("invalid video dimensions %dx%d", stream.Width, stream.Height)
			}
			return stream.Width, stream.Height, nil
		}
	}
	return 0, 0, ErrNoVideoStream
}

// EncodeArgs builds the ffmpeg argument list for one variant.
func EncodeArgs(src, dst, filter string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", src}
	if filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-strict", "experimental",
		dst,
	)
}

// GenerateVideos probes srcPath and renders opts.BatchSize variants named
// {stem}_variant_{i}.mp4 into outDir.
func (p VideoProcessor) GenerateVideos(ctx context.Context, srcPath, name, outDir string, opts Options, s *Sampler) ([]Output, error) {
	width, height, err := p.Probe(ctx, srcPath)
	if err != nil {
		return nil, err
	}

	stem := Stem(name)
	outputs := make([]Output, 0, opts.BatchSize)
	for i := 1; i <= opts.BatchSize; i++ {
		params := PlanVideo(s, opts.Transforms, width, height, opts.BatchSize)
		outName := VariantName(stem, i, ".mp4")
		outPath := filepath.Join(outDir, outName)

		if err := p.run(ctx, EncodeArgs(srcPath, outPath, FilterGraph(params, opts.Transforms, width, height))); err != nil {
			return nil, fmt.Errorf("render %s: %w", outName, err)
		}
		info, err := os.Stat(outPath)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", outName, err)
		}
		outputs = append(outputs, Output{Name: outName, Path: outPath, Size: info.Size()})
	}
	return outputs, nil
}

func (p VideoProcessor) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, p.ffmpeg(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (p VideoProcessor) ffmpeg() string {
	if p.FFmpegPath == "" {
		return "ffmpeg"
	}
	return p.FFmpegPath
}

func (p VideoProcessor) ffprobe() string {
	if p.FFprobePath == "" {
		return "ffprobe"
	}
	return p.FFprobePath
}
