// Package transform defines the idempotent image transformations the cache
// can apply and persist: descriptors are ordered value types with a fixed
// integer identifier per kind, so an applied set round-trips exactly
// through the on-disk ledger.
package transform

import (
	"fmt"
	"image"
	"slices"
)

// Kind identifies a transformation. The integer values are part of the
// ledger wire format and must never be renumbered.
type Kind int

const (
	// KindUnknown is the zero value and never valid on disk.
	KindUnknown Kind = 0

	// KindCropSquare center-crops the image to a square of a given side.
	KindCropSquare Kind = 1

	// KindResize scales the image to a square of a given side.
	KindResize Kind = 2

	// KindCircleMask masks the image to a circle, clearing the corners.
	KindCircleMask Kind = 3
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindCropSquare:
		return "crop-square"
	case KindResize:
		return "resize"
	case KindCircleMask:
		return "circle-mask"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseKind converts a wire integer back into a Kind.
func ParseKind(v int) (Kind, error) {
	switch k := Kind(v); k {
	case KindCropSquare, KindResize, KindCircleMask:
		return k, nil
	default:
		return KindUnknown, fmt.Errorf("unknown transformation id %d", v)
	}
}

// Transformation is a single transformation descriptor: a kind plus its
// parameters. Size is the target side length in pixels for crop and
// resize; circle masking takes no parameters.
type Transformation struct {
	Kind Kind
	Size int
}

// CropSquare returns a descriptor that center-crops to a side×side square.
func CropSquare(side int) Transformation {
	return Transformation{Kind: KindCropSquare, Size: side}
}

// Resize returns a descriptor that scales to a side×side square.
func Resize(side int) Transformation {
	return Transformation{Kind: KindResize, Size: side}
}

// CircleMask returns a descriptor that masks the image to a circle.
func CircleMask() Transformation {
	return Transformation{Kind: KindCircleMask}
}

func (t Transformation) validate() error {
	switch t.Kind {
	case KindCropSquare, KindResize:
		if t.Size <= 0 {
			return fmt.Errorf("%s: size must be positive, got %d", t.Kind, t.Size)
		}
		return nil
	case KindCircleMask:
		return nil
	default:
		return fmt.Errorf("invalid transformation kind %d", int(t.Kind))
	}
}

// List is an ordered set of transformations, applied in declaration order.
// Later transformations win when they conflict (for example crop-to-200
// followed by resize-to-150 yields a 150×150 result).
type List []Transformation

// NewList validates the transformations and returns them as a List.
// Each kind may appear at most once.
func NewList(ts ...Transformation) (List, error) {
	seen := make(map[Kind]struct{}, len(ts))
	for _, t := range ts {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[t.Kind]; dup {
			return nil, fmt.Errorf("duplicate transformation %s", t.Kind)
		}
		seen[t.Kind] = struct{}{}
	}
	return List(ts), nil
}

// Kinds returns the kinds in list order.
func (l List) Kinds() []Kind {
	kinds := make([]Kind, 0, len(l))
	for _, t := range l {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}

// Result describes the outcome of applying a List to an image.
type Result struct {
	// Image is the transformed bitmap.
	Image image.Image

	// Applied lists the kinds actually executed, in order.
	Applied []Kind

	// Skipped lists the kinds skipped because they were already baked
	// into the input bytes.
	Skipped []Kind
}

// Apply runs the transformations in order against img, skipping any kind
// already present in alreadyApplied. Transformations are idempotent by
// contract, so a skipped kind is reported rather than recomputed.
func Apply(img image.Image, l List, alreadyApplied []Kind) *Result {
	res := &Result{Image: img}
	for _, t := range l {
		if slices.Contains(alreadyApplied, t.Kind) {
			res.Skipped = append(res.Skipped, t.Kind)
			continue
		}
		res.Image = t.apply(res.Image)
		res.Applied = append(res.Applied, t.Kind)
	}
	return res
}
