package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecodeImage is returned when bytes are not a supported image
var ErrDecodeImage = errors.New("could not decode image")

// LetterboxFill is the padding colour used by YOLO-style preprocessing
var LetterboxFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// MediaKind classifies an upload by content
type MediaKind int

const (
	KindUnknown MediaKind = iota
	KindImage
	KindVideo
)

func (k MediaKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	}
	return "unknown"
}

// Processor handles image processing operations
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// DetectKind sniffs the content of r and reports whether it is an image or a video
func (p *Processor) DetectKind(r io.Reader) (MediaKind, string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return KindUnknown, "", fmt.Errorf("failed to detect content type: %w", err)
	}
	for m := mt; m != nil; m = m.Parent() {
		switch {
		case strings.HasPrefix(m.String(), "image/"):
			return KindImage, mt.String(), nil
		case strings.HasPrefix(m.String(), "video/"):
			return KindVideo, mt.String(), nil
		}
	}
	return KindUnknown, mt.String(), nil
}

// LoadImage loads an image from a file path, applying the EXIF orientation
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := p.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeImage decodes JPEG, PNG, GIF, BMP or WebP bytes
func (p *Processor) DecodeImage(data []byte) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	// the x/image decoder rejects some encoder extensions libwebp accepts
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, ErrDecodeImage
}

// DecodeDataURL decodes a browser data URL (data:image/jpeg;base64,...).
// A bare base64 payload without the data: prefix is accepted too.
func (p *Processor) DecodeDataURL(dataURL string) (image.Image, error) {
	payload := strings.TrimSpace(dataURL)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, ErrDecodeImage
		}
		payload = payload[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, ErrDecodeImage
		}
	}
	return p.DecodeImage(data)
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	img = FitWithin(img, maxDim)

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if quality <= 0 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// FitWithin scales img down so neither side exceeds maxDim. Smaller images are returned unchanged.
func FitWithin(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	if w >= h {
		return imaging.Resize(img, maxDim, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, maxDim, imaging.Lanczos)
}

// Letterbox describes how a source image was placed into a square model input
type Letterbox struct {
	Scale float64
	PadX  int
	PadY  int
}

// ToSource maps a point in model input coordinates back to source image pixels
func (l Letterbox) ToSource(x, y float64) (float64, float64) {
	if l.Scale == 0 {
		return x, y
	}
	return (x - float64(l.PadX)) / l.Scale, (y - float64(l.PadY)) / l.Scale
}

// LetterboxImage resizes img to fit a size x size square, keeping the aspect ratio,
// and centres it on a grey canvas.
func LetterboxImage(img image.Image, size int) (*image.NRGBA, Letterbox) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(size) / float64(w)
	if s := float64(size) / float64(h); s < scale {
		scale = s
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	padX := (size - nw) / 2
	padY := (size - nh) / 2
	canvas := imaging.New(size, size, LetterboxFill)
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return canvas, Letterbox{Scale: scale, PadX: padX, PadY: padY}
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	if quality <= 0 {
		quality = 90
	}
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
