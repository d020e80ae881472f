// Package imaging 负责上传前的客户端图片压缩和本地缩略图生成。
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp" // 仅注册解码器

	"reconomed-intake/pkg/log"
)

// File 是一个在内存中的待上传文件。Data 不会被压缩器修改。
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size 返回文件字节数。
func (f File) Size() int64 { return int64(len(f.Data)) }

// IsImage 报告文件是否为图片类型。
func (f File) IsImage() bool {
	return strings.HasPrefix(DetectContentType(f), "image/")
}

// DetectContentType 优先使用声明的类型，其次按扩展名，最后嗅探内容。
func DetectContentType(f File) string {
	if ct := normalizeContentType(f.ContentType); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	if byExt := normalizeContentType(mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name)))); byExt != "" {
		return byExt
	}
	sniffLen := len(f.Data)
	if sniffLen > 512 {
		sniffLen = 512
	}
	return normalizeContentType(http.DetectContentType(f.Data[:sniffLen]))
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	if mediaType == "image/jpg" || mediaType == "image/pjpeg" {
		return "image/jpeg"
	}
	return mediaType
}

// DefaultMaxPixels 是允许解码的最大像素数，超过的图片不解码直接回退。
const DefaultMaxPixels int64 = 40_000_000

// Options 控制压缩的目标尺寸与质量。Quality 位于 (0, 1]。
type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   float64
	MaxPixels int64
}

// DefaultOptions 是通用的压缩参数。
func DefaultOptions() Options {
	return Options{MaxWidth: 2048, MaxHeight: 2048, Quality: 0.8, MaxPixels: DefaultMaxPixels}
}

// UploadOptions 是上传路径使用的更严格参数。
func UploadOptions() Options {
	return Options{MaxWidth: 1600, MaxHeight: 1600, Quality: 0.7, MaxPixels: DefaultMaxPixels}
}

// Result 是一次压缩的结果。
// Fallback 非空表示压缩失败并回退到原始文件，这不是错误。
type Result struct {
	File           File
	Width          int
	Height         int
	OriginalWidth  int
	OriginalHeight int
	Resized        bool
	Skipped        bool
	Fallback       error
}

var (
	// ErrNoEncoder 表示该图片格式无法重新编码。
	ErrNoEncoder = errors.New("不支持重新编码的图片格式")
	// ErrTooLarge 表示图片像素数超过上限，不会被解码。
	ErrTooLarge = errors.New("图片像素数超过上限")
)

// checkPixels 只读取图片头部，像素数超过 maxPixels 时返回 ErrTooLarge。
// 解码后的位图大小与像素数成正比，与文件大小无关。
func checkPixels(data []byte, maxPixels int64) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("读取图片尺寸失败: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}
	return nil
}

// Compressor 按照 Options 压缩图片。零值不可用，请使用 NewCompressor。
type Compressor struct {
	opts Options
}

// NewCompressor 创建压缩器，非法参数回退为默认值。
func NewCompressor(opts Options) *Compressor {
	def := DefaultOptions()
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = def.MaxWidth
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = def.MaxHeight
	}
	if opts.Quality <= 0 || opts.Quality > 1 {
		opts.Quality = def.Quality
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = def.MaxPixels
	}
	return &Compressor{opts: opts}
}

// Options 返回压缩器当前参数。
func (c *Compressor) Options() Options { return c.opts }

// FitWithin 计算在 maxW x maxH 内保持宽高比的目标尺寸，不放大。
func FitWithin(width, height, maxW, maxH int) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}
	ratio := math.Min(float64(maxW)/float64(width), float64(maxH)/float64(height))
	if ratio >= 1 {
		return width, height
	}
	w := int(math.Round(float64(width) * ratio))
	h := int(math.Round(float64(height) * ratio))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	if w > maxW {
		w = maxW
	}
	if h > maxH {
		h = maxH
	}
	return w, h
}

// Compress 返回压缩后的文件。非图片直接透传；任何失败都回退为原始文件。
func (c *Compressor) Compress(f File) Result {
	contentType := DetectContentType(f)
	if !strings.HasPrefix(contentType, "image/") {
		return Result{File: f, Skipped: true}
	}

	res, err := c.compressImage(f, contentType)
	if err != nil {
		log.Warnf("[Compressor] 压缩 %s 失败，使用原始文件: %v", f.Name, err)
		return Result{File: f, Fallback: err}
	}
	log.Debugf("[Compressor] %s: %dx%d -> %dx%d, %d -> %d 字节",
		f.Name, res.OriginalWidth, res.OriginalHeight, res.Width, res.Height, f.Size(), res.File.Size())
	return res
}

func (c *Compressor) compressImage(f File, contentType string) (Result, error) {
	if err := checkPixels(f.Data, c.opts.MaxPixels); err != nil {
		return Result{}, err
	}
	src, format, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return Result{}, fmt.Errorf("解码图片失败: %w", err)
	}
	bounds := src.Bounds()
	ow, oh := bounds.Dx(), bounds.Dy()
	w, h := FitWithin(ow, oh, c.opts.MaxWidth, c.opts.MaxHeight)

	img := src
	resized := w != ow || h != oh
	if resized {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := encode(&buf, img, contentType, format, c.opts.Quality); err != nil {
		return Result{}, err
	}
	if buf.Len() == 0 {
		return Result{}, errors.New("编码器没有产生任何输出")
	}

	return Result{
		File: File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Data:        buf.Bytes(),
		},
		Width:          w,
		Height:         h,
		OriginalWidth:  ow,
		OriginalHeight: oh,
		Resized:        resized,
	}, nil
}

// encode 按原始 MIME 类型重新编码，保持格式不变。
func encode(buf *bytes.Buffer, img image.Image, contentType, format string, quality float64) error {
	switch {
	case contentType == "image/jpeg" || format == "jpeg":
		return jpeg.Encode(buf, img, &jpeg.Options{Quality: jpegQuality(quality)})
	case contentType == "image/png" || format == "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(buf, img)
	case contentType == "image/gif" || format == "gif":
		return gif.Encode(buf, img, nil)
	case contentType == "image/bmp" || format == "bmp":
		return bmp.Encode(buf, img)
	case contentType == "image/tiff" || format == "tiff":
		return tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %s", ErrNoEncoder, contentType)
	}
}

func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}
