package stackio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tilefuse/internal/models"
)

// Load reads a volume from path: a directory is read as numbered PNG planes,
// anything else as a multi-page TIFF
func Load(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return ReadPlaneDir(path)
	}
	return ReadVolume(path)
}

// ReadPlaneDir loads every PNG in dir as one plane, ordered by the number
// embedded in each filename
func ReadPlaneDir(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".png" {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no PNG planes found in %s", dir)
	}

	// Sort by plane number so that "plane_10" follows "plane_9"
	sort.SliceStable(files, func(i, j int) bool {
		return extractNumber(files[i]) < extractNumber(files[j])
	})

	var vol *models.Volume
	for p, name := range files {
		img, err := loadPNG(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load plane %s: %w", name, err)
		}

		b := img.Bounds()
		if vol == nil {
			vol = models.NewVolume(b.Dx(), b.Dy(), len(files))
		} else if b.Dx() != vol.Width || b.Dy() != vol.Height {
			return nil, fmt.Errorf("%w: plane %s is %dx%d, first plane is %dx%d",
				ErrFormat, name, b.Dx(), b.Dy(), vol.Width, vol.Height)
		}
		imageToPlane(img, vol.Plane(p))
	}

	vol.Source = dir
	return vol, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}

func loadPNG(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return png.Decode(file)
}

// imageToPlane copies the intensities of img into dst without rescaling:
// 8-bit images keep values in [0, 255] and 16-bit images in [0, 65535]
func imageToPlane(img image.Image, dst []float64) {
	b := img.Bounds()
	width := b.Dx()

	switch im := img.(type) {
	case *image.Gray16:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < width; x++ {
				dst[y*width+x] = float64(im.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < width; x++ {
				dst[y*width+x] = float64(im.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				dst[y*width+x] = float64(g.Y)
			}
		}
	}
}

// PlaneImage converts plane p of a fused volume into a 16-bit grayscale image
func PlaneImage(v *models.FusedVolume, p int) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, v.Width, v.Height))
	plane := v.Plane(p)
	for y := 0; y < v.Height; y++ {
		for x := 0; x < v.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: plane[y*v.Width+x]})
		}
	}
	return img
}

// SavePNG writes img to filename as PNG
func SavePNG(filename string, img image.Image) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return png.Encode(file, img)
}
