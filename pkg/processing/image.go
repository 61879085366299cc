package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

// EncodeSettings controls how an image is re-encoded before it is sent to a model
type EncodeSettings struct {
	Format  string // jpg or png
	MaxDim  int    // max long side in pixels, 0 keeps the original size
	Quality int    // JPEG quality
}

// DefaultEncodeSettings mirrors what vision LLMs handle comfortably
func DefaultEncodeSettings() EncodeSettings {
	return EncodeSettings{Format: "jpg", MaxDim: 1536, Quality: 85}
}

// Image is a validated, decoded input image shared by every pipeline of a
// run. Encoded forms are computed once per settings and cached.
type Image struct {
	Raw     []byte
	Decoded image.Image
	Format  string

	mu      sync.Mutex
	encoded map[EncodeSettings]string
}

// FromImage wraps an already decoded image, e.g. a face crop
func FromImage(img image.Image) *Image {
	return &Image{Decoded: img, Format: "memory"}
}

// Width returns the pixel width
func (i *Image) Width() int {
	if i == nil || i.Decoded == nil {
		return 0
	}
	return i.Decoded.Bounds().Dx()
}

// Height returns the pixel height
func (i *Image) Height() int {
	if i == nil || i.Decoded == nil {
		return 0
	}
	return i.Decoded.Bounds().Dy()
}

// Validate checks that the image holds decoded, non-empty pixels
func (i *Image) Validate() error {
	if i == nil || i.Decoded == nil {
		return fmt.Errorf("%w: image not decoded", errInvalid)
	}
	if i.Width() == 0 || i.Height() == 0 {
		return fmt.Errorf("%w: image has no pixels", errInvalid)
	}
	return nil
}

// Base64 returns the image re-encoded with s as base64
func (i *Image) Base64(s EncodeSettings) (string, error) {
	if err := i.Validate(); err != nil {
		return "", err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if enc, ok := i.encoded[s]; ok {
		return enc, nil
	}

	data, err := encode(i.Decoded, s)
	if err != nil {
		return "", err
	}
	enc := base64.StdEncoding.EncodeToString(data)

	if i.encoded == nil {
		i.encoded = make(map[EncodeSettings]string)
	}
	i.encoded[s] = enc
	return enc, nil
}

// Bytes returns the image re-encoded with s
func (i *Image) Bytes(s EncodeSettings) ([]byte, error) {
	enc, err := i.Base64(s)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(enc)
}

func encode(img image.Image, s EncodeSettings) ([]byte, error) {
	if s.MaxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > s.MaxDim || h > s.MaxDim {
			if w >= h {
				img = imaging.Resize(img, s.MaxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, s.MaxDim, imaging.Lanczos)
			}
		}
	}

	quality := s.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	var buf bytes.Buffer
	switch strings.ToLower(s.Format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
