// Package imaging decodes uploaded images and renders resized variants.
//
// Every source is reduced to a single raster frame: animated GIFs keep their
// first frame and SVG documents are rasterised at their view box size. Resized
// output is re-encoded from pixels only, so embedded profiles and other
// ancillary metadata never reach a derived variant.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

var (
	// ErrUnsupported is returned for content that is not a supported image format.
	ErrUnsupported = errors.New("unsupported image")
	// ErrTooLarge is returned when an image exceeds the configured pixel limit.
	ErrTooLarge = errors.New("image too large")
)

const svgMimeType = "image/svg+xml"

// Decoded is a decoded source image.
type Decoded struct {
	Width  int
	Height int
	// MimeType is the type of the source bytes.
	MimeType string
	// OutputMimeType is the type resized variants are encoded as. Vector and
	// multi-frame sources and formats without an encoder produce PNG.
	OutputMimeType string
	// Frame is the raster frame resized variants are rendered from.
	Frame image.Image
}

// Codec decodes and resizes images. The zero value is not usable; call New.
type Codec struct {
	// JPEGQuality is used when encoding JPEG variants.
	JPEGQuality int
	// MaxPixels bounds width*height of decoded images.
	MaxPixels int
}

// New returns a codec with default settings.
func New() *Codec {
	return &Codec{JPEGQuality: 85, MaxPixels: 50_000_000}
}

// NormalizeMimeType lowercases mime and maps image/x-* to image/*.
func NormalizeMimeType(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if rest, ok := strings.CutPrefix(mime, "image/x-"); ok {
		return "image/" + rest
	}
	return mime
}

// Sniff detects the normalized mime type of data.
func Sniff(data []byte) string {
	return NormalizeMimeType(mimetype.Detect(data).String())
}

// Decode reads an image and reduces it to one raster frame.
func (c *Codec) Decode(r io.Reader) (*Decoded, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	mime := Sniff(data)

	if mime == svgMimeType {
		return c.decodeSVG(data)
	}

	output := mime
	var frame image.Image
	switch mime {
	case "image/jpeg", "image/png", "image/bmp", "image/tiff", "image/webp":
		if err := c.checkConfig(mime, data); err != nil {
			return nil, err
		}
		frame, err = decodeRaster(mime, data)
		if mime == "image/webp" {
			output = "image/png"
		}
	case "image/gif":
		if err := c.checkConfig(mime, data); err != nil {
			return nil, err
		}
		var g *gif.GIF
		g, err = gif.DecodeAll(bytes.NewReader(data))
		if err == nil {
			if len(g.Image) == 0 {
				return nil, fmt.Errorf("%w: gif without frames", ErrUnsupported)
			}
			frame = firstFrame(g)
			if len(g.Image) > 1 {
				output = "image/png"
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mime)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrUnsupported, mime, err)
	}

	b := frame.Bounds()
	return &Decoded{
		Width:          b.Dx(),
		Height:         b.Dy(),
		MimeType:       mime,
		OutputMimeType: output,
		Frame:          frame,
	}, nil
}

func decodeRaster(mime string, data []byte) (image.Image, error) {
	r := bytes.NewReader(data)
	switch mime {
	case "image/jpeg":
		return jpeg.Decode(r)
	case "image/png":
		return png.Decode(r)
	case "image/bmp":
		return bmp.Decode(r)
	case "image/tiff":
		return tiff.Decode(r)
	case "image/webp":
		return webp.Decode(r)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, mime)
}

func (c *Codec) checkConfig(mime string, data []byte) error {
	var (
		cfg image.Config
		err error
	)
	r := bytes.NewReader(data)
	switch mime {
	case "image/jpeg":
		cfg, err = jpeg.DecodeConfig(r)
	case "image/png":
		cfg, err = png.DecodeConfig(r)
	case "image/gif":
		cfg, err = gif.DecodeConfig(r)
	case "image/bmp":
		cfg, err = bmp.DecodeConfig(r)
	case "image/tiff":
		cfg, err = tiff.DecodeConfig(r)
	case "image/webp":
		cfg, err = webp.DecodeConfig(r)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read %s header: %v", ErrUnsupported, mime, err)
	}
	return c.checkPixels(cfg.Width, cfg.Height)
}

func (c *Codec) checkPixels(w, h int) error {
	if w < 1 || h < 1 {
		return fmt.Errorf("%w: empty image %dx%d", ErrUnsupported, w, h)
	}
	if c.MaxPixels > 0 && w*h > c.MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, w, h, c.MaxPixels)
	}
	return nil
}

// firstFrame renders the first frame of g on its logical screen.
func firstFrame(g *gif.GIF) image.Image {
	first := g.Image[0]
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		return first
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, first.Bounds(), first, first.Bounds().Min, draw.Over)
	return canvas
}

func (c *Codec) decodeSVG(data []byte) (*Decoded, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse svg: %v", ErrUnsupported, err)
	}
	w := int(math.Ceil(icon.ViewBox.W))
	h := int(math.Ceil(icon.ViewBox.H))
	if err := c.checkPixels(w, h); err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	icon.SetTarget(0, 0, float64(w), float64(h))
	scanner := rasterx.NewScannerGV(w, h, canvas, canvas.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1)

	return &Decoded{
		Width:          w,
		Height:         h,
		MimeType:       svgMimeType,
		OutputMimeType: "image/png",
		Frame:          canvas,
	}, nil
}

// Resize renders d at width x height using filter and encodes the result. It
// returns the encoded bytes and their mime type.
func (c *Codec) Resize(d *Decoded, width, height int, filter Filter) ([]byte, string, error) {
	if d == nil || d.Frame == nil {
		return nil, "", fmt.Errorf("%w: nothing to resize", ErrUnsupported)
	}
	if err := c.checkPixels(width, height); err != nil {
		return nil, "", err
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	filter.interpolator().Scale(dst, dst.Bounds(), d.Frame, d.Frame.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	mime := d.OutputMimeType
	if err := c.encode(&buf, dst, mime); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mime, nil
}

func (c *Codec) encode(w io.Writer, img image.Image, mime string) error {
	var err error
	switch mime {
	case "image/jpeg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: c.JPEGQuality})
	case "image/png":
		err = png.Encode(w, img)
	case "image/gif":
		err = gif.Encode(w, img, nil)
	case "image/bmp":
		err = bmp.Encode(w, img)
	case "image/tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: cannot encode %s", ErrUnsupported, mime)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", mime, err)
	}
	return nil
}
