package transform

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

func (t Transformation) apply(img image.Image) image.Image {
	switch t.Kind {
	case KindCropSquare:
		return cropSquare(img, t.Size)
	case KindResize:
		return resize(img, t.Size)
	case KindCircleMask:
		return circleMask(img)
	default:
		return img
	}
}

// cropSquare center-crops to a side×side square. The side is clamped to
// the smaller image dimension.
func cropSquare(img image.Image, side int) image.Image {
	b := img.Bounds()
	if side > b.Dx() {
		side = b.Dx()
	}
	if side > b.Dy() {
		side = b.Dy()
	}

	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	src := image.Rect(x0, y0, x0+side, y0+side)

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	return dst
}

// resize scales to a side×side square using Catmull-Rom interpolation.
func resize(img image.Image, side int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// circleMask clears every pixel outside the largest centered circle.
func circleMask(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	cx := float64(b.Dx()) / 2
	cy := float64(b.Dy()) / 2
	r := cx
	if cy < r {
		r = cy
	}

	transparent := color.RGBA{}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			if dx*dx+dy*dy > r*r {
				dst.SetRGBA(x, y, transparent)
			}
		}
	}
	return dst
}
