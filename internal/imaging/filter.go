package imaging

import (
	"fmt"

	"golang.org/x/image/draw"
)

// Filter names a resampling kernel.
type Filter string

// Supported filters, from fastest to smoothest.
const (
	FilterNearest        Filter = "nearest"
	FilterApproxBilinear Filter = "approx_bilinear"
	FilterBilinear       Filter = "bilinear"
	FilterCatmullRom     Filter = "catmull_rom"

	DefaultFilter = FilterCatmullRom
)

var interpolators = map[Filter]draw.Interpolator{
	FilterNearest:        draw.NearestNeighbor,
	FilterApproxBilinear: draw.ApproxBiLinear,
	FilterBilinear:       draw.BiLinear,
	FilterCatmullRom:     draw.CatmullRom,
}

// ParseFilter resolves a filter name. An empty name selects DefaultFilter.
func ParseFilter(name string) (Filter, error) {
	if name == "" {
		return DefaultFilter, nil
	}
	f := Filter(name)
	if _, ok := interpolators[f]; !ok {
		return "", fmt.Errorf("%w: unknown resampling filter %q", ErrUnsupported, name)
	}
	return f, nil
}

func (f Filter) interpolator() draw.Interpolator {
	if ip, ok := interpolators[f]; ok {
		return ip
	}
	return interpolators[DefaultFilter]
}
