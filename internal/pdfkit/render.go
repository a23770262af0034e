package pdfkit

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// PopplerRenderer rasterizes pages by shelling out to pdftoppm. Poppler is
// the one external runtime dependency of the standalone binary; deployments
// embedding the pipeline may supply their own Renderer instead.
type PopplerRenderer struct {
	// Command overrides the pdftoppm binary path. Empty means $PATH lookup.
	Command string
}

// NewPopplerRenderer creates a pdftoppm-backed renderer.
func NewPopplerRenderer() *PopplerRenderer {
	return &PopplerRenderer{}
}

// Available reports whether the pdftoppm binary can be found.
func (r *PopplerRenderer) Available() bool {
	_, err := exec.LookPath(r.command())
	return err == nil
}

func (r *PopplerRenderer) command() string {
	if r.Command != "" {
		return r.Command
	}
	return "pdftoppm"
}

// RenderPage renders one full page to PNG. pageIndex is 0-based.
func (r *PopplerRenderer) RenderPage(ctx context.Context, pdf []byte, pageIndex int, opts RenderOptions) ([]byte, error) {
	dir, err := os.MkdirTemp("", "partflow-render-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create render workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0600); err != nil {
		return nil, fmt.Errorf("failed to stage PDF for rendering: %w", err)
	}

	page := strconv.Itoa(pageIndex + 1) // pdftoppm pages are 1-based
	prefix := filepath.Join(dir, "page")
	args := []string{
		"-png",
		"-f", page,
		"-l", page,
		"-singlefile",
	}
	if opts.MaxWidth > 0 {
		args = append(args, "-scale-to-x", strconv.Itoa(opts.MaxWidth), "-scale-to-y", "-1")
	} else if opts.Scale > 0 {
		args = append(args, "-r", strconv.Itoa(int(72*opts.Scale)))
	}
	args = append(args, input, prefix)

	cmd := exec.CommandContext(ctx, r.command(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed on page %d: %v: %s", pageIndex+1, err, stderr.String())
	}

	out, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm produced no output for page %d: %w", pageIndex+1, err)
	}
	return out, nil
}

// RenderHeaderCrop renders a page and keeps only the top strip.
func (r *PopplerRenderer) RenderHeaderCrop(ctx context.Context, pdf []byte, pageIndex int, topFraction float64) ([]byte, error) {
	if topFraction <= 0 || topFraction > 1 {
		return nil, fmt.Errorf("invalid top fraction %v", topFraction)
	}
	full, err := r.RenderPage(ctx, pdf, pageIndex, DefaultRenderOptions())
	if err != nil {
		return nil, err
	}

	img, err := png.Decode(bytes.NewReader(full))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered page %d: %w", pageIndex+1, err)
	}
	bounds := img.Bounds()
	cropHeight := int(float64(bounds.Dy()) * topFraction)
	if cropHeight < 1 {
		cropHeight = 1
	}
	crop := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Min.Y+cropHeight)

	sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("rendered page %d does not support cropping", pageIndex+1)
	}

	var out bytes.Buffer
	if err := png.Encode(&out, sub.SubImage(crop)); err != nil {
		return nil, fmt.Errorf("failed to encode header crop of page %d: %w", pageIndex+1, err)
	}
	return out.Bytes(), nil
}

var _ Renderer = (*PopplerRenderer)(nil)
