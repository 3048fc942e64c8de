// Package stackio reads and writes multi-plane grayscale image stacks.
//
// Volumes are read from multi-page TIFF or BigTIFF files or from directories
// of numbered PNG planes. Fused volumes are written as uncompressed, little
// endian, 16-bit single-channel multi-page TIFF files, one page per plane,
// switching to BigTIFF past 4 GiB.
package stackio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"

	xtiff "golang.org/x/image/tiff"

	"tilefuse/internal/models"
)

// ErrFormat indicates a malformed or unsupported stack file
var ErrFormat = errors.New("unsupported stack format")

// layout holds the field widths of classic TIFF or BigTIFF
type layout struct {
	magic      uint16
	headerSize int64
	countSize  int64 // IFD entry count
	entrySize  int64
	offsetSize int64 // offsets, entry counts and inline values
}

var (
	classicTIFF = layout{magic: 42, headerSize: 8, countSize: 2, entrySize: 12, offsetSize: 4}
	bigTIFF     = layout{magic: 43, headerSize: 16, countSize: 8, entrySize: 20, offsetSize: 8}
)

func (l layout) ifdSize(entries int) int64 {
	return l.countSize + int64(entries)*l.entrySize + l.offsetSize
}

// readUint reads an offset-sized unsigned value
func (l layout) readUint(order binary.ByteOrder, b []byte) uint64 {
	if l.offsetSize == 8 {
		return order.Uint64(b)
	}
	return uint64(order.Uint32(b))
}

// TIFF tags
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPageNumber      = 297
	tagTileWidth       = 322
	tagSampleFormat    = 339
)

const (
	typeByte  = 1
	typeShort = 3
	typeLong  = 4
	typeLong8 = 16
)

// ReadVolume loads every page of a multi-page TIFF or BigTIFF as one plane
// of a volume. All pages must share the same dimensions.
func ReadVolume(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	v, err := DecodeVolume(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v.Source = path
	return v, nil
}

// DecodeVolume decodes all pages of a TIFF stream of the given size
func DecodeVolume(r io.ReaderAt, size int64) (*models.Volume, error) {
	order, l, offsets, err := pageOffsets(r)
	if err != nil {
		return nil, err
	}

	var vol *models.Volume
	for p, off := range offsets {
		var img image.Image
		if l == bigTIFF {
			img, err = decodeStrips(r, size, order, l, off)
		} else {
			img, err = decodePage(r, size, order, off)
		}
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", p, err)
		}

		b := img.Bounds()
		if vol == nil {
			vol = models.NewVolume(b.Dx(), b.Dy(), len(offsets))
		} else if b.Dx() != vol.Width || b.Dy() != vol.Height {
			return nil, fmt.Errorf("%w: page %d is %dx%d, page 0 is %dx%d",
				ErrFormat, p, b.Dx(), b.Dy(), vol.Width, vol.Height)
		}
		imageToPlane(img, vol.Plane(p))
	}

	return vol, nil
}

// pageOffsets reads the header and walks the IFD chain, returning the
// offset of every page
func pageOffsets(r io.ReaderAt) (binary.ByteOrder, layout, []int64, error) {
	var hdr [16]byte
	if _, err := r.ReadAt(hdr[:8], 0); err != nil {
		return nil, layout{}, nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}

	var order binary.ByteOrder
	switch string(hdr[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, layout{}, nil, fmt.Errorf("%w: not a TIFF file", ErrFormat)
	}

	var l layout
	var next int64
	switch magic := order.Uint16(hdr[2:4]); magic {
	case classicTIFF.magic:
		l = classicTIFF
		next = int64(order.Uint32(hdr[4:8]))
	case bigTIFF.magic:
		l = bigTIFF
		if order.Uint16(hdr[4:6]) != 8 || order.Uint16(hdr[6:8]) != 0 {
			return nil, layout{}, nil, fmt.Errorf("%w: BigTIFF offset size %d", ErrFormat, order.Uint16(hdr[4:6]))
		}
		if _, err := r.ReadAt(hdr[8:16], 8); err != nil {
			return nil, layout{}, nil, fmt.Errorf("%w: reading BigTIFF header: %v", ErrFormat, err)
		}
		next = int64(order.Uint64(hdr[8:16]))
	default:
		return nil, layout{}, nil, fmt.Errorf("%w: magic number %d", ErrFormat, magic)
	}

	var offsets []int64
	seen := make(map[int64]bool)
	for next != 0 {
		if next < 0 || seen[next] {
			return nil, layout{}, nil, fmt.Errorf("%w: bad IFD offset %d", ErrFormat, next)
		}
		seen[next] = true
		offsets = append(offsets, next)

		n, err := entryCount(r, order, l, next)
		if err != nil {
			return nil, layout{}, nil, err
		}

		link := make([]byte, l.offsetSize)
		if _, err := r.ReadAt(link, next+l.countSize+n*l.entrySize); err != nil {
			return nil, layout{}, nil, fmt.Errorf("%w: reading IFD link at %d: %v", ErrFormat, next, err)
		}
		next = int64(l.readUint(order, link))
	}

	if len(offsets) == 0 {
		return nil, layout{}, nil, fmt.Errorf("%w: no pages", ErrFormat)
	}
	return order, l, offsets, nil
}

// decodePage decodes the classic TIFF page whose IFD starts at off. The
// x/image decoder only reads the first page, so the header is presented
// with its first-IFD pointer replaced by off.
func decodePage(r io.ReaderAt, size int64, order binary.ByteOrder, off int64) (image.Image, error) {
	pr := &pageReaderAt{r: r}
	if order == binary.LittleEndian {
		copy(pr.header[:], "II")
	} else {
		copy(pr.header[:], "MM")
	}
	order.PutUint16(pr.header[2:4], classicTIFF.magic)
	order.PutUint32(pr.header[4:8], uint32(off))

	return xtiff.Decode(io.NewSectionReader(pr, 0, size))
}

type pageReaderAt struct {
	r      io.ReaderAt
	header [8]byte
}

func (p *pageReaderAt) ReadAt(b []byte, off int64) (int, error) {
	n, err := p.r.ReadAt(b, off)
	for i := 0; i < n && off+int64(i) < int64(len(p.header)); i++ {
		b[i] = p.header[off+int64(i)]
	}
	return n, err
}

// WriteVolume writes a fused volume as a multi-page TIFF. The file is
// written next to path under a temporary name and renamed on success, so a
// failed write never leaves a partial file at path.
func WriteVolume(path string, v *models.FusedVolume) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tilefuse-*.tif")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = Encode(tmp, v); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Encode writes v as an uncompressed little-endian 16-bit multi-page TIFF.
// Volumes that do not fit the 4 GiB classic layout are written as BigTIFF.
func Encode(w io.Writer, v *models.FusedVolume) error {
	l := classicTIFF
	if !fitsClassic(v.Width, v.Height, v.Depth) {
		l = bigTIFF
	}
	return encode(w, v, l)
}

const numEntries = 13

// fitsClassic reports whether a width x height x depth stack can be written
// with 32-bit offsets
func fitsClassic(width, height, depth int) bool {
	planeBytes := int64(width) * int64(height) * 2
	total := classicTIFF.headerSize + int64(depth)*(planeBytes+classicTIFF.ifdSize(numEntries))
	return total <= math.MaxUint32
}

// encode writes every plane followed by its IFD. The header points at the
// IFD of plane 0 and each IFD links to the next one.
func encode(w io.Writer, v *models.FusedVolume, l layout) error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 || len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("%w: invalid volume %dx%dx%d with %d voxels",
			ErrFormat, v.Depth, v.Height, v.Width, len(v.Data))
	}
	if l == classicTIFF && !fitsClassic(v.Width, v.Height, v.Depth) {
		return fmt.Errorf("%w: volume exceeds the 4 GiB classic TIFF limit", ErrFormat)
	}

	planeBytes := int64(v.PlaneSize()) * 2
	ifdSize := l.ifdSize(numEntries)
	pageSize := planeBytes + ifdSize

	offsetType := uint16(typeLong)
	if l == bigTIFF {
		offsetType = typeLong8
	}

	bw := bufio.NewWriter(w)
	le := binary.LittleEndian

	header := []byte{'I', 'I'}
	header = le.AppendUint16(header, l.magic)
	if l == bigTIFF {
		header = le.AppendUint16(header, 8)
		header = le.AppendUint16(header, 0)
	}
	header = l.appendUint(header, uint64(l.headerSize+planeBytes))
	if _, err := bw.Write(header); err != nil {
		return err
	}

	buf := make([]byte, 0, planeBytes)
	for p := 0; p < v.Depth; p++ {
		dataOffset := l.headerSize + int64(p)*pageSize
		ifdOffset := dataOffset + planeBytes

		buf = buf[:0]
		for _, px := range v.Plane(p) {
			buf = le.AppendUint16(buf, px)
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}

		var next uint64
		if p < v.Depth-1 {
			next = uint64(ifdOffset + ifdSize + planeBytes)
		}

		ifd := make([]byte, 0, ifdSize)
		if l == bigTIFF {
			ifd = le.AppendUint64(ifd, numEntries)
		} else {
			ifd = le.AppendUint16(ifd, numEntries)
		}
		ifd = l.appendEntry(ifd, tagNewSubfileType, typeLong, 1, 2)
		ifd = l.appendEntry(ifd, tagImageWidth, typeLong, 1, uint64(v.Width))
		ifd = l.appendEntry(ifd, tagImageLength, typeLong, 1, uint64(v.Height))
		ifd = l.appendEntry(ifd, tagBitsPerSample, typeShort, 1, 16)
		ifd = l.appendEntry(ifd, tagCompression, typeShort, 1, 1)
		ifd = l.appendEntry(ifd, tagPhotometric, typeShort, 1, 1)
		ifd = l.appendEntry(ifd, tagStripOffsets, offsetType, 1, uint64(dataOffset))
		ifd = l.appendEntry(ifd, tagSamplesPerPixel, typeShort, 1, 1)
		ifd = l.appendEntry(ifd, tagRowsPerStrip, typeLong, 1, uint64(v.Height))
		ifd = l.appendEntry(ifd, tagStripByteCounts, offsetType, 1, uint64(planeBytes))
		ifd = l.appendEntry(ifd, tagPlanarConfig, typeShort, 1, 1)
		// PageNumber packs two SHORTs: page index and page count.
		ifd = l.appendEntry(ifd, tagPageNumber, typeShort, 2, uint64(uint16(p))|uint64(uint16(v.Depth))<<16)
		ifd = l.appendEntry(ifd, tagSampleFormat, typeShort, 1, 1)
		ifd = l.appendUint(ifd, next)
		if _, err := bw.Write(ifd); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func (l layout) appendUint(b []byte, v uint64) []byte {
	if l.offsetSize == 8 {
		return binary.LittleEndian.AppendUint64(b, v)
	}
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

// appendEntry appends one little-endian IFD entry with an inline value.
// SHORT values occupy the low bytes of the value field.
func (l layout) appendEntry(b []byte, tag, typ uint16, count, value uint64) []byte {
	le := binary.LittleEndian
	b = le.AppendUint16(b, tag)
	b = le.AppendUint16(b, typ)
	b = l.appendUint(b, count)
	return l.appendUint(b, value)
}
