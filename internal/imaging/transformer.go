package imaging

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/miaoyq/leafscan/pkg/types"
)

const (
	DefaultMaxWidth  = 1024
	DefaultMaxHeight = 1024
	DefaultQuality   = 80
	DefaultThumbSize = 200
)

// CompressOptions bound the output size of Compress
type CompressOptions struct {
	MaxWidth  int `json:"maxWidth"`
	MaxHeight int `json:"maxHeight"`
	Quality   int `json:"quality"`
}

// ThumbnailOptions is the exact output size of Thumbnail
type ThumbnailOptions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Info describes an image file without decoding its pixels
type Info struct {
	Format    string
	Width     int
	Height    int
	SizeBytes int64
}

// Transformer produces new image files from existing ones
type Transformer interface {
	Compress(ctx context.Context, path string, opts CompressOptions) (string, error)
	Thumbnail(ctx context.Context, path string, opts ThumbnailOptions) (string, error)
}

// JPEGTransformer decodes JPEG or PNG and writes JPEG files into its
// output directory.
type JPEGTransformer struct {
	outDir string
	logger *zap.Logger
}

// NewJPEGTransformer creates outDir and returns a transformer writing there
func NewJPEGTransformer(outDir string, logger *zap.Logger) (*JPEGTransformer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &JPEGTransformer{outDir: outDir, logger: logger}, nil
}

// Inspect reads the header of path
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, types.NewPermissionError("cannot read image", err)
		}
		return nil, types.NewImageError("cannot open image", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, types.NewImageError("cannot stat image", err)
	}
	if stat.IsDir() {
		return nil, types.NewImageError("image path is a directory", nil)
	}

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, types.NewImageError("unsupported or corrupt image", err)
	}

	return &Info{
		Format:    format,
		Width:     cfg.Width,
		Height:    cfg.Height,
		SizeBytes: stat.Size(),
	}, nil
}

// Compress scales the image down to fit the bounds and re-encodes it
func (t *JPEGTransformer) Compress(ctx context.Context, path string, opts CompressOptions) (string, error) {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultMaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = DefaultMaxHeight
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultQuality
	}

	src, err := decode(path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	bounds := src.Bounds()
	width, height := fit(bounds.Dx(), bounds.Dy(), opts.MaxWidth, opts.MaxHeight)
	dst := src
	if width != bounds.Dx() || height != bounds.Dy() {
		dst = scale(src, image.Rect(0, 0, width, height))
	}

	out, err := t.write(dst, "compressed", opts.Quality)
	if err != nil {
		return "", err
	}

	t.logger.Debug("Image compressed",
		zap.String("source", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("quality", opts.Quality))
	return out, nil
}

// Thumbnail scales the image to exactly the requested size
func (t *JPEGTransformer) Thumbnail(ctx context.Context, path string, opts ThumbnailOptions) (string, error) {
	if opts.Width <= 0 {
		opts.Width = DefaultThumbSize
	}
	if opts.Height <= 0 {
		opts.Height = DefaultThumbSize
	}

	src, err := decode(path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := scale(src, image.Rect(0, 0, opts.Width, opts.Height))
	return t.write(dst, "thumb", DefaultQuality)
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewImageError("cannot open image", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, types.NewImageError("failed to decode image", err)
	}
	return img, nil
}

// fit keeps the aspect ratio and never upscales
func fit(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= maxWidth && height <= maxHeight {
		return width, height
	}

	ratio := min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height))
	w := max(1, int(float64(width)*ratio))
	h := max(1, int(float64(height)*ratio))
	return w, h
}

func scale(src image.Image, rect image.Rectangle) image.Image {
	dst := image.NewRGBA(rect)
	draw.CatmullRom.Scale(dst, rect, src, src.Bounds(), draw.Over, nil)
	return dst
}

func (t *JPEGTransformer) write(img image.Image, prefix string, quality int) (string, error) {
	out := filepath.Join(t.outDir, prefix+"-"+uuid.NewString()+".jpg")
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		os.Remove(out)
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("failed to close output file: %w", err)
	}
	return out, nil
}

// SupportedFormat reports whether the decoder for format is registered
func SupportedFormat(format string) bool {
	switch strings.ToLower(format) {
	case "jpeg", "png":
		return true
	default:
		return false
	}
}
