package processor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageInfo is the header-level description of an image.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// DescribeImage decodes the base64 image and reads its header. Pixels
// are not decoded.
func DescribeImage(contents string) (ImageInfo, error) {
	data, err := base64.StdEncoding.DecodeString(contents)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("decode base64: %w", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("read image header: %w", err)
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
