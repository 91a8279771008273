// Package imageinfo reads image headers without decoding pixel data.
package imageinfo

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Info describes an encoded image
type Info struct {
	Format string
	Width  int
	Height int
}

// Resolution formats the dimensions as WxH
func (i Info) Resolution() string {
	return fmt.Sprintf("%dx%d", i.Width, i.Height)
}

// Pixels returns the pixel count
func (i Info) Pixels() int {
	return i.Width * i.Height
}

// Extension returns the file extension for the detected format
func (i Info) Extension() string {
	if i.Format == "jpeg" {
		return "jpg"
	}
	return i.Format
}

// Probe decodes only the image header
func Probe(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
