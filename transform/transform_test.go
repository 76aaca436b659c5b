package transform

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindCropSquare, KindResize, KindCircleMask} {
		parsed, err := ParseKind(int(k))
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
}

func TestParseKindUnknown(t *testing.T) {
	_, err := ParseKind(0)
	require.Error(t, err)

	_, err = ParseKind(99)
	require.Error(t, err)
}

func TestNewListRejectsDuplicateKind(t *testing.T) {
	_, err := NewList(Resize(100), Resize(200))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestNewListRejectsInvalidSize(t *testing.T) {
	_, err := NewList(CropSquare(0))
	require.Error(t, err)

	_, err = NewList(Resize(-5))
	require.Error(t, err)
}

func TestNewListKinds(t *testing.T) {
	l, err := NewList(CropSquare(200), Resize(150), CircleMask())
	require.NoError(t, err)
	require.Equal(t, []Kind{KindCropSquare, KindResize, KindCircleMask}, l.Kinds())
}

func TestApplyLastTransformationWinsDimensions(t *testing.T) {
	l, err := NewList(CropSquare(200), Resize(150))
	require.NoError(t, err)

	res := Apply(testImage(400, 300), l, nil)

	require.Equal(t, []Kind{KindCropSquare, KindResize}, res.Applied)
	require.Empty(t, res.Skipped)
	require.Equal(t, 150, res.Image.Bounds().Dx())
	require.Equal(t, 150, res.Image.Bounds().Dy())
}

func TestApplyCropClampsToImage(t *testing.T) {
	l, err := NewList(CropSquare(500))
	require.NoError(t, err)

	res := Apply(testImage(100, 80), l, nil)

	require.Equal(t, 80, res.Image.Bounds().Dx())
	require.Equal(t, 80, res.Image.Bounds().Dy())
}

func TestApplySkipsAlreadyApplied(t *testing.T) {
	l, err := NewList(CropSquare(200), Resize(150))
	require.NoError(t, err)

	src := testImage(150, 150)
	res := Apply(src, l, []Kind{KindCropSquare, KindResize})

	require.Empty(t, res.Applied)
	require.Equal(t, []Kind{KindCropSquare, KindResize}, res.Skipped)
	// Nothing re-applied: the bitmap must come back untouched.
	require.Same(t, src, res.Image)
}

func TestApplyPartialSkip(t *testing.T) {
	l, err := NewList(Resize(100), CircleMask())
	require.NoError(t, err)

	res := Apply(testImage(100, 100), l, []Kind{KindResize})

	require.Equal(t, []Kind{KindCircleMask}, res.Applied)
	require.Equal(t, []Kind{KindResize}, res.Skipped)
}

func TestCircleMaskClearsCorners(t *testing.T) {
	l, err := NewList(CircleMask())
	require.NoError(t, err)

	res := Apply(testImage(100, 100), l, nil)

	rgba, ok := res.Image.(*image.RGBA)
	require.True(t, ok)

	// Corners fall outside the circle, the center inside it.
	_, _, _, a := rgba.At(0, 0).RGBA()
	require.Zero(t, a)
	_, _, _, a = rgba.At(99, 99).RGBA()
	require.Zero(t, a)
	_, _, _, a = rgba.At(50, 50).RGBA()
	require.NotZero(t, a)
}
