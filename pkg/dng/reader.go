package dng

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"
)

// File is a decoded DNG written by Encode.
type File struct {
	Frame
	Info
}

type rawEntry struct {
	typ   uint16
	count uint32
	data  []byte
}

// Decode reads the first IFD of a little-endian DNG and its pixel strip.
func Decode(r io.Reader) (*File, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "dng: read")
	}
	if len(b) < headerSize || !bytes.Equal(b[:2], []byte("II")) || order.Uint16(b[2:]) != 42 {
		return nil, ErrFormat
	}
	entries, err := readIFD(b, order.Uint32(b[4:]))
	if err != nil {
		return nil, err
	}

	f := &File{}
	f.Width = int(entries.long(tagImageWidth))
	f.Height = int(entries.long(tagImageLength))
	f.Make = entries.ascii(tagMake)
	f.Model = entries.ascii(tagModel)
	f.Software = entries.ascii(tagSoftware)
	if s := entries.ascii(tagDateTime); s != "" {
		f.DateTime, _ = time.ParseInLocation(dateTimeLayout, s, time.Local)
	}
	copy(f.CFAPattern[:], entries[tagCFAPattern].data)
	f.BlackLevel = entries.long(tagBlackLevel)
	f.WhiteLevel = entries.long(tagWhiteLevel)
	f.ISO = int(entries.long(tagISOSpeedRatings))
	if num, den := entries.rational(tagExposureTime); den != 0 {
		f.ExposureTime = time.Duration(uint64(num) * uint64(time.Second) / uint64(den))
	}
	if num, den := entries.rational(tagFNumber); den != 0 {
		f.FNumber = float64(num) / float64(den)
	}
	if num, den := entries.rational(tagFocalLength); den != 0 {
		f.FocalLength = float64(num) / float64(den)
	}
	f.PrivateData = entries[tagDNGPrivateData].data

	off, n := entries.long(tagStripOffsets), entries.long(tagStripByteCounts)
	if uint64(off)+uint64(n) > uint64(len(b)) || int(n) != f.Width*f.Height*2 {
		return nil, ErrFrameSize
	}
	strip := b[off : off+n]
	f.Pix = make([]uint16, f.Width*f.Height)
	for i := range f.Pix {
		f.Pix[i] = order.Uint16(strip[2*i:])
	}
	return f, nil
}

type entries map[uint16]rawEntry

func readIFD(b []byte, off uint32) (entries, error) {
	if uint64(off)+2 > uint64(len(b)) {
		return nil, ErrFormat
	}
	n := int(order.Uint16(b[off:]))
	if int(off)+2+12*n+4 > len(b) {
		return nil, ErrFormat
	}
	out := make(entries, n)
	for i := 0; i < n; i++ {
		p := b[int(off)+2+12*i:]
		tag, typ, count := order.Uint16(p), order.Uint16(p[2:]), order.Uint32(p[4:])
		size := uint64(count) * uint64(typeSize(typ))
		var data []byte
		if size <= 4 {
			data = p[8 : 8+size]
		} else {
			at := uint64(order.Uint32(p[8:]))
			if at+size > uint64(len(b)) {
				return nil, errors.Wrapf(ErrFormat, "tag %d out of range", tag)
			}
			data = b[at : at+size]
		}
		out[tag] = rawEntry{typ: typ, count: count, data: data}
	}
	return out, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational:
		return 8
	default:
		return 1
	}
}

func (e entries) long(tag uint16) uint32 {
	v, ok := e[tag]
	if !ok {
		return 0
	}
	switch {
	case v.typ == typeShort && len(v.data) >= 2:
		return uint32(order.Uint16(v.data))
	case v.typ == typeLong && len(v.data) >= 4:
		return order.Uint32(v.data)
	}
	return 0
}

func (e entries) ascii(tag uint16) string {
	v := e[tag].data
	return string(bytes.TrimRight(v, "\x00"))
}

func (e entries) rational(tag uint16) (uint32, uint32) {
	v := e[tag].data
	if len(v) < 8 {
		return 0, 0
	}
	return order.Uint32(v), order.Uint32(v[4:])
}
