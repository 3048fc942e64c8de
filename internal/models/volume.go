package models

import "fmt"

// Volume represents one raw tile: a stack of 2D planes along the stacking axis
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (idx = plane*Width*Height + y*Width + x)
	Data []float64

	// Width is the width of each plane in pixels
	Width int

	// Height is the height of each plane in pixels
	Height int

	// Depth is the number of planes
	Depth int

	// Source is the file or directory the volume was loaded from
	Source string
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// PlaneSize returns the number of pixels in a single plane
func (v *Volume) PlaneSize() int {
	return v.Width * v.Height
}

// Plane returns the backing slice of plane p. The slice aliases Data.
func (v *Volume) Plane(p int) []float64 {
	size := v.PlaneSize()
	return v.Data[p*size : (p+1)*size]
}

// SameShape reports whether two volumes have identical dimensions
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// CheckLayout verifies that the length of Data matches the declared dimensions
func (v *Volume) CheckLayout() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid dimensions %dx%dx%d", v.Depth, v.Height, v.Width)
	}
	if len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("data length %d does not match %dx%dx%d", len(v.Data), v.Depth, v.Height, v.Width)
	}
	return nil
}

// FusedVolume is the single output of a fusion job, stored as unsigned 16-bit values
type FusedVolume struct {
	// Data is the fused volume in the same row-major layout as Volume
	Data []uint16

	// Width, Height, Depth are the dimensions of the fused volume
	Width, Height, Depth int

	// Saturated counts voxels whose summed value fell outside [0, 65535]
	// and had to be clamped
	Saturated int
}

// PlaneSize returns the number of pixels in a single plane
func (f *FusedVolume) PlaneSize() int {
	return f.Width * f.Height
}

// Plane returns the backing slice of plane p. The slice aliases Data.
func (f *FusedVolume) Plane(p int) []uint16 {
	size := f.PlaneSize()
	return f.Data[p*size : (p+1)*size]
}

// PositionRange is the half-open interval [Start, End) of plane indices
// where a tile contributes to the fused volume
type PositionRange struct {
	Start int
	End   int
}

// Len returns the number of planes covered by the range
func (r PositionRange) Len() int {
	return r.End - r.Start
}

// Contains reports whether plane index p lies inside the range
func (r PositionRange) Contains(p int) bool {
	return p >= r.Start && p < r.End
}

func (r PositionRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
