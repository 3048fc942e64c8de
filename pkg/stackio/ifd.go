package stackio

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
)

// maxEntries bounds the entry count of one IFD
const maxEntries = 1 << 16

// stripTags are the tags needed to read an uncompressed grayscale page
var stripTags = map[uint16]bool{
	tagImageWidth:      true,
	tagImageLength:     true,
	tagBitsPerSample:   true,
	tagCompression:     true,
	tagPhotometric:     true,
	tagStripOffsets:    true,
	tagSamplesPerPixel: true,
	tagRowsPerStrip:    true,
	tagStripByteCounts: true,
	tagTileWidth:       true,
	tagSampleFormat:    true,
}

// entryCount reads the number of entries of the IFD at off
func entryCount(r io.ReaderAt, order binary.ByteOrder, l layout, off int64) (int64, error) {
	b := make([]byte, l.countSize)
	if _, err := r.ReadAt(b, off); err != nil {
		return 0, fmt.Errorf("%w: reading IFD at %d: %v", ErrFormat, off, err)
	}

	var n uint64
	if l.countSize == 8 {
		n = order.Uint64(b)
	} else {
		n = uint64(order.Uint16(b))
	}
	if n > maxEntries {
		return 0, fmt.Errorf("%w: IFD at %d has %d entries", ErrFormat, off, n)
	}
	return int64(n), nil
}

// readIFD returns the values of the strip tags present in the IFD at off.
// Entries of other tags or of non-integer types are skipped.
func readIFD(r io.ReaderAt, size int64, order binary.ByteOrder, l layout, off int64) (map[uint16][]uint64, error) {
	n, err := entryCount(r, order, l, off)
	if err != nil {
		return nil, err
	}
	entries := make([]byte, n*l.entrySize)
	if _, err := r.ReadAt(entries, off+l.countSize); err != nil {
		return nil, fmt.Errorf("%w: reading IFD at %d: %v", ErrFormat, off, err)
	}

	fields := make(map[uint16][]uint64)
	for i := int64(0); i < n; i++ {
		e := entries[i*l.entrySize : (i+1)*l.entrySize]
		tag := order.Uint16(e[0:2])
		if !stripTags[tag] {
			continue
		}

		var width uint64
		switch order.Uint16(e[2:4]) {
		case typeByte:
			width = 1
		case typeShort:
			width = 2
		case typeLong:
			width = 4
		case typeLong8:
			width = 8
		default:
			continue
		}

		count := l.readUint(order, e[4:4+l.offsetSize])
		if count == 0 {
			continue
		}
		if count > uint64(size)/width {
			return nil, fmt.Errorf("%w: tag %d claims %d values", ErrFormat, tag, count)
		}

		data := e[4+l.offsetSize:]
		if count*width > uint64(l.offsetSize) {
			data = make([]byte, count*width)
			if _, err := r.ReadAt(data, int64(l.readUint(order, e[4+l.offsetSize:]))); err != nil {
				return nil, fmt.Errorf("%w: reading tag %d: %v", ErrFormat, tag, err)
			}
		}

		vals := make([]uint64, count)
		for j := range vals {
			b := data[uint64(j)*width:]
			switch width {
			case 1:
				vals[j] = uint64(b[0])
			case 2:
				vals[j] = uint64(order.Uint16(b))
			case 4:
				vals[j] = uint64(order.Uint32(b))
			default:
				vals[j] = order.Uint64(b)
			}
		}
		fields[tag] = vals
	}

	return fields, nil
}

// decodeStrips decodes an uncompressed single-channel 8 or 16-bit page from
// its strips. BigTIFF pages are read this way since x/image/tiff only reads
// classic TIFF.
func decodeStrips(r io.ReaderAt, size int64, order binary.ByteOrder, l layout, off int64) (image.Image, error) {
	fields, err := readIFD(r, size, order, l, off)
	if err != nil {
		return nil, err
	}
	field := func(tag uint16, def uint64) uint64 {
		if v, ok := fields[tag]; ok {
			return v[0]
		}
		return def
	}

	width, height := field(tagImageWidth, 0), field(tagImageLength, 0)
	bits := field(tagBitsPerSample, 1)
	photometric := field(tagPhotometric, 1)
	switch {
	case width == 0 || height == 0:
		return nil, fmt.Errorf("%w: missing image dimensions", ErrFormat)
	case fields[tagTileWidth] != nil:
		return nil, fmt.Errorf("%w: tiled pages are not supported", ErrFormat)
	case field(tagCompression, 1) != 1:
		return nil, fmt.Errorf("%w: compression %d is not supported", ErrFormat, field(tagCompression, 1))
	case field(tagSamplesPerPixel, 1) != 1:
		return nil, fmt.Errorf("%w: only single-channel pages are supported", ErrFormat)
	case bits != 8 && bits != 16:
		return nil, fmt.Errorf("%w: %d bits per sample", ErrFormat, bits)
	case field(tagSampleFormat, 1) != 1:
		return nil, fmt.Errorf("%w: only unsigned integer samples are supported", ErrFormat)
	case photometric > 1:
		return nil, fmt.Errorf("%w: photometric interpretation %d", ErrFormat, photometric)
	}

	offsets, counts := fields[tagStripOffsets], fields[tagStripByteCounts]
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return nil, fmt.Errorf("%w: %d strip offsets but %d byte counts", ErrFormat, len(offsets), len(counts))
	}

	need := width * height * (bits / 8)
	if need > uint64(size) {
		return nil, fmt.Errorf("%w: page needs %d bytes, file has %d", ErrFormat, need, size)
	}
	data := make([]byte, 0, need)
	for i, so := range offsets {
		c := min(counts[i], need-uint64(len(data)))
		if c == 0 {
			break
		}
		start := len(data)
		data = data[:start+int(c)]
		if _, err := r.ReadAt(data[start:], int64(so)); err != nil {
			return nil, fmt.Errorf("%w: reading strip %d: %v", ErrFormat, i, err)
		}
	}
	if uint64(len(data)) != need {
		return nil, fmt.Errorf("%w: strips hold %d of %d bytes", ErrFormat, len(data), need)
	}

	w, h := int(width), int(height)
	// Photometric 0 is WhiteIsZero.
	invert := photometric == 0
	if bits == 8 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		copy(img.Pix, data)
		if invert {
			for i := range img.Pix {
				img.Pix[i] = 0xff - img.Pix[i]
			}
		}
		return img, nil
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		v := order.Uint16(data[2*i:])
		if invert {
			v = 0xffff - v
		}
		img.Pix[2*i] = byte(v >> 8)
		img.Pix[2*i+1] = byte(v)
	}
	return img, nil
}
