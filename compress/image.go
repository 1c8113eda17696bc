package compress

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // registers GIF decoding with image.Decode
	"image/jpeg"
	_ "image/png" // registers PNG decoding with image.Decode
)

// preprocessImage resizes an image so its longest side is at most
// DefaultImageMaxDim, flattens any alpha/palette onto opaque white, and
// re-encodes as JPEG. It returns an error (never panics) on any decode
// failure so the caller can fall through to compressing the raw bytes.
func preprocessImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	resized := resizeToFit(img, DefaultImageMaxDim)
	flattened := flattenToWhite(resized)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flattened, &jpeg.Options{Quality: DefaultJPEGQuality}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// resizeToFit scales img down (never up) so max(width, height) <= maxDim,
// preserving aspect ratio, using bilinear sampling.
func resizeToFit(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	longest := w
	if h > longest {
		longest = h
	}

	if longest <= maxDim {
		return img
	}

	scale := float64(maxDim) / float64(longest)
	newW := maxInt(1, int(float64(w)*scale))
	newH := maxInt(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))

	for y := 0; y < newH; y++ {
		srcY := float64(y) / scale
		for x := 0; x < newW; x++ {
			srcX := float64(x) / scale
			dst.Set(x, y, bilinearSample(img, srcX, srcY))
		}
	}

	return dst
}

func bilinearSample(img image.Image, x, y float64) color.Color {
	bounds := img.Bounds()

	x0 := int(x) + bounds.Min.X
	y0 := int(y) + bounds.Min.Y
	x1 := minInt(x0+1, bounds.Max.X-1)
	y1 := minInt(y0+1, bounds.Max.Y-1)

	fx := x - float64(int(x))
	fy := y - float64(int(y))

	c00 := colorToRGBA64(img.At(x0, y0))
	c10 := colorToRGBA64(img.At(x1, y0))
	c01 := colorToRGBA64(img.At(x0, y1))
	c11 := colorToRGBA64(img.At(x1, y1))

	lerp := func(a, b uint32, t float64) uint32 {
		return uint32(float64(a)*(1-t) + float64(b)*t)
	}

	r := lerp(lerp(c00.R, c10.R, fx), lerp(c01.R, c11.R, fx), fy)
	g := lerp(lerp(c00.G, c10.G, fx), lerp(c01.G, c11.G, fx), fy)
	b := lerp(lerp(c00.B, c10.B, fx), lerp(c01.B, c11.B, fx), fy)
	a := lerp(lerp(c00.A, c10.A, fx), lerp(c01.A, c11.A, fx), fy)

	return color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)}
}

func colorToRGBA64(c color.Color) color.RGBA64 {
	r, g, b, a := c.RGBA()

	return color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)}
}

// flattenToWhite composites any alpha or palette image onto an opaque white
// background, matching Stage A's lossy-but-display-safe JPEG target.
func flattenToWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Over)

	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
