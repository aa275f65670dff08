// Package transcode turns downloaded source images into quality-tiered
// JPEG renditions and extracts color metadata.
package transcode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"strings"

	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/pinstash/engine/internal/engine"
)

// preset is the fixed target policy for one quality tier.
type preset struct {
	// box bounds both dimensions; aspect ratio is preserved and sources
	// smaller than the box are never upscaled.
	box     int
	quality int
}

var tierPresets = map[engine.QualityTier]preset{
	engine.TierThumbnail: {box: 150, quality: 60},
	engine.TierLow:       {box: 400, quality: 70},
	engine.TierMedium:    {box: 800, quality: 80},
}

// Preset returns the bounding box and JPEG quality for a tier.
func Preset(tier engine.QualityTier) (boxPx, quality int, err error) {
	p, ok := tierPresets[tier]
	if !ok {
		return 0, 0, fmt.Errorf("unknown quality tier %q", tier)
	}
	return p.box, p.quality, nil
}

// Decode parses raw image bytes into pixels. Transparency is flattened onto
// a white background so JPEG output looks right.
func Decode(raw engine.RawImage) (engine.DecodedImage, error) {
	if len(raw.Body) == 0 {
		return engine.DecodedImage{}, fmt.Errorf("%w: empty image data", engine.ErrInvalidContent)
	}
	img, format, err := image.Decode(bytes.NewReader(raw.Body))
	if err != nil {
		return engine.DecodedImage{}, fmt.Errorf("%w: decode image: %v", engine.ErrInvalidContent, err)
	}
	switch format {
	case "jpeg", "png", "gif", "webp":
	default:
		return engine.DecodedImage{}, fmt.Errorf("%w: unsupported format %s", engine.ErrInvalidContent, format)
	}
	return engine.DecodedImage{Image: flatten(img, format), Format: format}, nil
}

// Render produces the rendition for one tier from a decoded source.
func Render(src engine.DecodedImage, tier engine.QualityTier) (engine.Rendition, error) {
	p, ok := tierPresets[tier]
	if !ok {
		return engine.Rendition{}, fmt.Errorf("unknown quality tier %q", tier)
	}

	img := src.Image
	bounds := img.Bounds()
	if bounds.Dx() > p.box || bounds.Dy() > p.box {
		// Fit scales down preserving aspect ratio and never upscales.
		img = imaging.Fit(img, p.box, p.box, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		return engine.Rendition{}, fmt.Errorf("%w: encode jpeg: %v", engine.ErrInvalidContent, err)
	}

	out := img.Bounds()
	return engine.Rendition{
		Tier:    tier,
		Data:    buf.Bytes(),
		Width:   out.Dx(),
		Height:  out.Dy(),
		Quality: p.quality,
	}, nil
}

// flatten composites transparent formats onto white. JPEG sources are
// already opaque and pass through untouched.
func flatten(img image.Image, format string) image.Image {
	if format == "jpeg" {
		return img
	}
	if opq, ok := img.(interface{ Opaque() bool }); ok && opq.Opaque() {
		return img
	}
	bounds := img.Bounds()
	bg := imaging.New(bounds.Dx(), bounds.Dy(), color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// SupportedContentType reports whether a declared content type is one the
// decoder handles.
func SupportedContentType(contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}
