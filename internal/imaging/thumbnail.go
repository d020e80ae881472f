package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Thumbnailer 生成界面使用的小尺寸预览图，与压缩器相互独立。
type Thumbnailer struct {
	maxSide   int
	quality   float64
	maxPixels int64
}

// NewThumbnailer 创建缩略图生成器，默认最长边 200px、JPEG 质量 0.8。
// maxPixels <= 0 时使用 DefaultMaxPixels。
func NewThumbnailer(maxSide int, quality float64, maxPixels int64) *Thumbnailer {
	if maxSide <= 0 {
		maxSide = 200
	}
	if quality <= 0 || quality > 1 {
		quality = 0.8
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Thumbnailer{maxSide: maxSide, quality: quality, maxPixels: maxPixels}
}

// Thumbnail 返回 data:image/jpeg;base64 形式的预览图。非图片返回空字符串，
// 像素数超过上限的图片返回空字符串和 ErrTooLarge。
func (t *Thumbnailer) Thumbnail(f File) (string, error) {
	if !f.IsImage() {
		return "", nil
	}
	if err := checkPixels(f.Data, t.maxPixels); err != nil {
		return "", err
	}
	src, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return "", fmt.Errorf("解码缩略图源失败: %w", err)
	}
	bounds := src.Bounds()
	w, h := FitWithin(bounds.Dx(), bounds.Dy(), t.maxSide, t.maxSide)
	if w <= 0 || h <= 0 {
		return "", errors.New("图片尺寸无效")
	}

	// JPEG 没有透明通道，先铺白底。
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality(t.quality)}); err != nil {
		return "", fmt.Errorf("编码缩略图失败: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
