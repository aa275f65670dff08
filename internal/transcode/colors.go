package transcode

import (
	"fmt"
	"image"
	"sort"

	"github.com/EdlinOrg/prominentcolor"

	"github.com/pinstash/engine/internal/engine"
)

// maxPaletteColors caps the palette attached to a pin.
const maxPaletteColors = 5

// ExtractColors computes the dominant color and up to five palette colors
// from decoded pixels. It runs against the full-fidelity decoded source,
// not a rendition, so results do not drift between tiers.
func ExtractColors(img image.Image) (engine.ColorInfo, error) {
	items, err := prominentcolor.KmeansWithAll(
		maxPaletteColors+1,
		img,
		prominentcolor.ArgumentNoCropping,
		prominentcolor.DefaultSize,
		prominentcolor.GetDefaultMasks(),
	)
	if err != nil || len(items) == 0 {
		// K-means needs more distinct pixels than clusters; tiny or flat
		// images fall back to a plain average.
		return averageColor(img), nil
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Cnt > items[j].Cnt })

	info := engine.ColorInfo{Dominant: hexRGB(items[0].Color.R, items[0].Color.G, items[0].Color.B)}
	for _, item := range items {
		if len(info.Palette) == maxPaletteColors {
			break
		}
		info.Palette = append(info.Palette, hexRGB(item.Color.R, item.Color.G, item.Color.B))
	}
	return info, nil
}

func averageColor(img image.Image) engine.ColorInfo {
	bounds := img.Bounds()
	var rSum, gSum, bSum, n uint64
	// Stride keeps this cheap on large images; exactness is not needed.
	step := bounds.Dx() / 64
	if step < 1 {
		step = 1
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			rSum += uint64(r >> 8)
			gSum += uint64(g >> 8)
			bSum += uint64(b >> 8)
			n++
		}
	}
	if n == 0 {
		return engine.ColorInfo{Dominant: "000000"}
	}
	hex := hexRGB(uint32(rSum/n), uint32(gSum/n), uint32(bSum/n))
	return engine.ColorInfo{Dominant: hex, Palette: []string{hex}}
}

func hexRGB(r, g, b uint32) string {
	return fmt.Sprintf("%02x%02x%02x", uint8(r), uint8(g), uint8(b))
}
