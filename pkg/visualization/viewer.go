// Package visualization extracts orthogonal slices and subregions from fused
// volumes for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"tilefuse/internal/models"
	"tilefuse/pkg/stackio"
)

// Viewer gives read access to a fused volume along any axis.
// Plane p of the volume is the XY image at z = p.
type Viewer struct {
	volume *models.FusedVolume
}

// NewViewer creates a viewer over a fused volume
func NewViewer(volume *models.FusedVolume) *Viewer {
	return &Viewer{volume: volume}
}

// Dimensions returns the width, height and depth of the volume
func (v *Viewer) Dimensions() (width, height, depth int) {
	return v.volume.Width, v.volume.Height, v.volume.Depth
}

func (v *Viewer) axisLength(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.volume.Width, nil
	case "y", "Y":
		return v.volume.Height, nil
	case "z", "Z":
		return v.volume.Depth, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Intensities are copied unscaled.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	n, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position >= n {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, strings.ToLower(axis), n)
	}

	vol := v.volume
	w, h, d := vol.Width, vol.Height, vol.Depth
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// YZ plane: columns are planes
		img = image.NewGray16(image.Rect(0, 0, d, h))
		for y := 0; y < h; y++ {
			for z := 0; z < d; z++ {
				img.SetGray16(z, y, color.Gray16{Y: vol.Data[z*w*h+y*w+position]})
			}
		}

	case "y", "Y":
		// XZ plane: rows are planes
		img = image.NewGray16(image.Rect(0, 0, w, d))
		for z := 0; z < d; z++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, z, color.Gray16{Y: vol.Data[z*w*h+position*w+x]})
			}
		}

	default:
		img = stackio.PlaneImage(vol, position)
	}

	return img, nil
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.FusedVolume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	vol := v.volume
	if startX+sizeX > vol.Width || startY+sizeY > vol.Height || startZ+sizeZ > vol.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := &models.FusedVolume{
		Data:   make([]uint16, sizeX*sizeY*sizeZ),
		Width:  sizeX,
		Height: sizeY,
		Depth:  sizeZ,
	}

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := (startZ+z)*vol.Width*vol.Height + (startY+y)*vol.Width + startX
			dst := z*sizeX*sizeY + y*sizeX
			copy(region.Data[dst:dst+sizeX], vol.Data[src:src+sizeX])
		}
	}

	return region, nil
}

// SliceExtension returns the file extension for a slice format: "png" (or
// empty) for 16-bit PNG, "jpg" or "jpeg" for 8-bit JPEG previews
func SliceExtension(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "png":
		return ".png", nil
	case "jpg", "jpeg":
		return ".jpg", nil
	default:
		return "", fmt.Errorf("unsupported slice format %q (use png or jpeg)", format)
	}
}

// SaveSlice saves an extracted slice. Files ending in .jpg or .jpeg are
// written as 8-bit JPEG previews, anything else as 16-bit PNG.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return saveJPEG(filename, img)
	default:
		return stackio.SavePNG(filename, img)
	}
}

func saveJPEG(filename string, img image.Image) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// in the given format (see SliceExtension)
func (v *Viewer) SaveSliceSequence(axis, outputDir, format string) error {
	ext, err := SliceExtension(format)
	if err != nil {
		return err
	}
	n, err := v.axisLength(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", strings.ToLower(axis), pos, ext))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
