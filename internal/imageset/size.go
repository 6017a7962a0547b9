package imageset

import (
	"fmt"
	"math"

	"github.com/imageattach/imageattach/internal/storage"
)

type sizeKind int

const (
	sizeUnset sizeKind = iota
	sizeRatio
	sizeWidth
	sizeHeight
)

// Size requests a thumbnail size by exactly one of a scale ratio, a target
// width or a target height. The zero value requests nothing and fails Validate.
type Size struct {
	kind  sizeKind
	ratio float64
	n     int
}

// Ratio scales both dimensions by r.
func Ratio(r float64) Size { return Size{kind: sizeRatio, ratio: r} }

// Width sets the width and derives the height from the aspect ratio.
func Width(n int) Size { return Size{kind: sizeWidth, n: n} }

// Height sets the height and derives the width from the aspect ratio.
func Height(n int) Size { return Size{kind: sizeHeight, n: n} }

// ParseSize builds a Size from optional request values, where zero means
// absent. Exactly one must be present.
func ParseSize(ratio float64, width, height int) (Size, error) {
	var given []Size
	if ratio != 0 {
		given = append(given, Ratio(ratio))
	}
	if width != 0 {
		given = append(given, Width(width))
	}
	if height != 0 {
		given = append(given, Height(height))
	}
	if len(given) != 1 {
		return Size{}, fmt.Errorf("%w: exactly one of ratio, width or height is required, got %d", storage.ErrValidation, len(given))
	}
	s := given[0]
	return s, s.Validate()
}

// Validate reports whether s requests a usable size.
func (s Size) Validate() error {
	switch s.kind {
	case sizeRatio:
		if !(s.ratio > 0) || math.IsInf(s.ratio, 0) {
			return fmt.Errorf("%w: ratio must be positive, got %v", storage.ErrValidation, s.ratio)
		}
	case sizeWidth, sizeHeight:
		if s.n < 1 {
			return fmt.Errorf("%w: %s must be positive, got %d", storage.ErrValidation, s, s.n)
		}
	default:
		return fmt.Errorf("%w: one of ratio, width or height is required", storage.ErrValidation)
	}
	return nil
}

// Resolve computes the target size for an original of w x h pixels.
// Fractional pixels are truncated; no dimension drops below one pixel.
func (s Size) Resolve(w, h int) (width, height int) {
	switch s.kind {
	case sizeRatio:
		width = int(float64(w) * s.ratio)
		height = int(float64(h) * s.ratio)
	case sizeWidth:
		width = s.n
		height = int(float64(h) * float64(s.n) / float64(w))
	case sizeHeight:
		height = s.n
		width = int(float64(w) * float64(s.n) / float64(h))
	}
	return max(width, 1), max(height, 1)
}

func (s Size) String() string {
	switch s.kind {
	case sizeRatio:
		return fmt.Sprintf("ratio %v", s.ratio)
	case sizeWidth:
		return "width"
	case sizeHeight:
		return "height"
	}
	return "unset"
}
