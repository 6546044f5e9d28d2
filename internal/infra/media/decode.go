package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"strings"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/gennino/gennino/internal/domain"
)

// Decode reads an image and returns its pixel buffer, downscaled so the
// longest edge is at most maxEdge (0 keeps the original size). Only image
// content is accepted. Images whose header declares more than maxPixels
// pixels are rejected before any pixel buffer is allocated.
func Decode(r io.Reader, maxEdge int, maxBytes, maxPixels int64) (*domain.DecodedImage, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read: %v: %w", err, domain.ErrImageUnreadable)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty resource: %w", domain.ErrImageDecode)
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("over %s: %w", domain.HumanSize(maxBytes), domain.ErrImageTooLarge)
	}

	if ct := sniff(raw); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("content type %s: %w", ct, domain.ErrNotImage)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %v: %w", err, domain.ErrImageDecode)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
		return nil, fmt.Errorf("%dx%d is over %d pixels: %w", cfg.Width, cfg.Height, maxPixels, domain.ErrImageTooLarge)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %v: %w", err, domain.ErrImageDecode)
	}

	img = Downscale(img, maxEdge)
	b := img.Bounds()
	return &domain.DecodedImage{
		Image:  img,
		Format: format,
		Width:  b.Dx(),
		Height: b.Dy(),
		Digest: "sha256:" + domain.SHA256Hex(raw),
	}, nil
}

// Load resolves locator, decodes it and closes the stream.
func Load(ctx context.Context, res *Resolver, locator string, maxEdge int) (*domain.DecodedImage, error) {
	rc, err := res.Open(ctx, locator)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, err := Decode(rc, maxEdge, res.MaxBytes(), res.MaxPixels())
	if err != nil {
		return nil, err
	}
	log.Printf("[media] decoded %s %dx%d (%s)", img.Format, img.Width, img.Height, shortDigest(img.Digest))
	return img, nil
}

// Downscale shrinks img so its longest edge is maxEdge. Smaller images and
// maxEdge <= 0 return img unchanged.
func Downscale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return img
	}
	nw, nh := maxEdge, maxEdge
	if w >= h {
		nh = max(1, h*maxEdge/w)
	} else {
		nw = max(1, w*maxEdge/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// EncodeJPEG serializes a decoded image for backends that take bytes.
func EncodeJPEG(img *domain.DecodedImage, quality int) ([]byte, error) {
	if img == nil || img.Image == nil {
		return nil, domain.ErrNoImage
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// sniff detects the content type. WebP is recognized by its RIFF header,
// which http.DetectContentType reports only on newer Go versions.
func sniff(raw []byte) string {
	if len(raw) >= 12 && string(raw[0:4]) == "RIFF" && string(raw[8:12]) == "WEBP" {
		return "image/webp"
	}
	return http.DetectContentType(raw)
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
