// Package render defines the chart-rasterizer contract and ships a
// minimal working implementation of it. Full charting fidelity (legends,
// axes, every echarts series type) is out of scope and delegated to the
// Renderer interface below — but the shipped BasicRenderer is a real
// rasterizer, not a placeholder that always fails: it reads the first
// series' numeric data and draws proportional bars, so every supported
// image type yields a decodable, non-empty image.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/rambocode/echarts-server/internal/task"
)

// Result is what a successful render produces.
type Result struct {
	Buffer      []byte
	ContentType string
	Extension   string
}

// Renderer rasterizes a chart configuration into an image buffer.
type Renderer interface {
	Render(ctx context.Context, id string, cfg task.Config) (Result, error)
}

// optionShape is the minimal structural check the external contract
// requires: a chart option must carry either "series" or "dataset".
// Series entries additionally carry their numeric data, which
// BasicRenderer uses to draw bars.
type optionShape struct {
	Series  []seriesEntry   `json:"series"`
	Dataset json.RawMessage `json:"dataset"`
}

type seriesEntry struct {
	Data []float64 `json:"data"`
}

var contentTypes = map[task.ImageType]string{
	task.ImagePNG:  "image/png",
	task.ImageJPEG: "image/jpeg",
	task.ImageJPG:  "image/jpeg",
	task.ImageSVG:  "image/svg+xml",
	task.ImagePDF:  "application/pdf",
}

var extensions = map[task.ImageType]string{
	task.ImagePNG:  "png",
	task.ImageJPEG: "jpg",
	task.ImageJPG:  "jpg",
	task.ImageSVG:  "svg",
	task.ImagePDF:  "pdf",
}

// ErrInvalidOption is returned when the chart option lacks both "series"
// and "dataset".
var ErrInvalidOption = errors.New("invalid chart option")

// ErrUnsupportedType is returned for an image type outside {png,jpeg,jpg,svg,pdf}.
var ErrUnsupportedType = errors.New("unsupported image type")

const (
	defaultWidth  = 600
	defaultHeight = 400
)

var barPalette = []color.RGBA{
	{84, 112, 198, 255},
	{145, 204, 117, 255},
	{250, 200, 88, 255},
	{238, 102, 102, 255},
	{115, 192, 222, 255},
}

// BasicRenderer draws a proportional bar chart from the first series'
// data for every supported image type. It validates the option shape and
// image type the same way the external contract documents, then actually
// produces an image instead of failing.
type BasicRenderer struct{}

// Render rasterizes cfg into the requested image type.
func (BasicRenderer) Render(_ context.Context, _ string, cfg task.Config) (Result, error) {
	var shape optionShape
	if err := json.Unmarshal(cfg.Option, &shape); err != nil {
		return Result{}, ErrInvalidOption
	}
	if len(shape.Series) == 0 && len(shape.Dataset) == 0 {
		return Result{}, ErrInvalidOption
	}

	imgType := cfg.Type
	if imgType == "" {
		imgType = task.ImagePNG
	}
	ct, ok := contentTypes[imgType]
	if !ok {
		return Result{}, ErrUnsupportedType
	}

	width := int(cfg.Width)
	if width <= 0 {
		width = defaultWidth
	}
	height := int(cfg.Height)
	if height <= 0 {
		height = defaultHeight
	}
	values := firstSeriesValues(shape)

	var buf bytes.Buffer
	var err error
	switch imgType {
	case task.ImagePNG:
		err = png.Encode(&buf, renderBars(width, height, values))
	case task.ImageJPEG, task.ImageJPG:
		err = jpeg.Encode(&buf, renderBars(width, height, values), &jpeg.Options{Quality: 90})
	case task.ImageSVG:
		buf.WriteString(renderSVG(width, height, values))
	case task.ImagePDF:
		buf.Write(renderPDF(width, height, values))
	default:
		return Result{}, ErrUnsupportedType
	}
	if err != nil {
		return Result{}, fmt.Errorf("render: %w", err)
	}

	return Result{Buffer: buf.Bytes(), ContentType: ct, Extension: extensions[imgType]}, nil
}

func firstSeriesValues(shape optionShape) []float64 {
	for _, s := range shape.Series {
		if len(s.Data) > 0 {
			return s.Data
		}
	}
	return nil
}

func barGeometry(width, height int, values []float64) (barWidth int, maxV float64) {
	maxV = 0
	for _, v := range values {
		if v > maxV {
			maxV = v
		}
	}
	if maxV <= 0 {
		maxV = 1
	}
	barWidth = width / len(values)
	if barWidth < 1 {
		barWidth = 1
	}
	return barWidth, maxV
}

func renderBars(width, height int, values []float64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if len(values) == 0 {
		return img
	}
	barWidth, maxV := barGeometry(width, height, values)
	for i, v := range values {
		barHeight := int(float64(height) * (v / maxV))
		if barHeight < 0 {
			barHeight = 0
		}
		if barHeight > height {
			barHeight = height
		}
		c := barPalette[i%len(barPalette)]
		rect := image.Rect(i*barWidth, height-barHeight, (i+1)*barWidth, height)
		draw.Draw(img, rect, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	return img
}

func renderSVG(width, height int, values []float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d"><rect width="100%%" height="100%%" fill="white"/>`, width, height, width, height)
	if len(values) > 0 {
		barWidth, maxV := barGeometry(width, height, values)
		for i, v := range values {
			barHeight := int(float64(height) * (v / maxV))
			if barHeight < 0 {
				barHeight = 0
			}
			c := barPalette[i%len(barPalette)]
			fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%d" height="%d" fill="rgb(%d,%d,%d)"/>`,
				i*barWidth, height-barHeight, barWidth, barHeight, c.R, c.G, c.B)
		}
	}
	b.WriteString(`</svg>`)
	return b.String()
}

// renderPDF builds a minimal, valid single-page PDF with the same bars
// drawn via raw content-stream path operators. No pack example carries a
// PDF encoder and the format's page content stream is plain text, so it
// is built directly rather than pulled in from a library.
func renderPDF(width, height int, values []float64) []byte {
	var content strings.Builder
	content.WriteString("1 1 1 rg\n")
	fmt.Fprintf(&content, "0 0 %d %d re f\n", width, height)
	if len(values) > 0 {
		barWidth, maxV := barGeometry(width, height, values)
		for i, v := range values {
			barHeight := int(float64(height) * (v / maxV))
			if barHeight < 0 {
				barHeight = 0
			}
			c := barPalette[i%len(barPalette)]
			fmt.Fprintf(&content, "%.3f %.3f %.3f rg\n%d 0 %d %d re f\n",
				float64(c.R)/255, float64(c.G)/255, float64(c.B)/255, i*barWidth, barWidth, barHeight)
		}
	}
	return buildMinimalPDF(width, height, content.String())
}

func buildMinimalPDF(width, height int, content string) []byte {
	var buf bytes.Buffer
	var offsets []int
	buf.WriteString("%PDF-1.4\n")

	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	writeObj("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Contents 4 0 R /Resources << >> >>", width, height))
	writeObj(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(content), content))

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", len(offsets)+1, xrefStart)
	return buf.Bytes()
}

// FakeRenderer is a deterministic in-memory renderer for tests. It
// optionally blocks for Delay before returning, to exercise the queue's
// timeout sweep, and can be made to fail via FailWith.
type FakeRenderer struct {
	Delay    func() <-chan struct{}
	FailWith error
}

// Render returns a small fixed buffer after validating the option shape,
// matching the same two failure modes as BasicRenderer.
func (f *FakeRenderer) Render(ctx context.Context, _ string, cfg task.Config) (Result, error) {
	var shape optionShape
	if err := json.Unmarshal(cfg.Option, &shape); err != nil || (len(shape.Series) == 0 && len(shape.Dataset) == 0) {
		return Result{}, ErrInvalidOption
	}

	imgType := cfg.Type
	if imgType == "" {
		imgType = task.ImagePNG
	}
	ct, ok := contentTypes[imgType]
	if !ok {
		return Result{}, ErrUnsupportedType
	}

	if f.Delay != nil {
		select {
		case <-f.Delay():
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.FailWith != nil {
		return Result{}, f.FailWith
	}

	return Result{
		Buffer:      []byte("fake-rendered-chart-bytes"),
		ContentType: ct,
		Extension:   extensions[imgType],
	}, nil
}
