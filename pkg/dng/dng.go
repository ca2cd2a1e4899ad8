// Package dng writes single-IFD CFA DNG files and reads them back.
package dng

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const (
	tagNewSubfileType      = 254
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagMake                = 271
	tagModel               = 272
	tagStripOffsets        = 273
	tagOrientation         = 274
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagSoftware            = 305
	tagDateTime            = 306
	tagCFARepeatPatternDim = 33421
	tagCFAPattern          = 33422
	tagExposureTime        = 33434
	tagFNumber             = 33437
	tagISOSpeedRatings     = 34855
	tagFocalLength         = 37386
	tagDNGVersion          = 50706
	tagDNGBackwardVersion  = 50707
	tagUniqueCameraModel   = 50708
	tagBlackLevel          = 50714
	tagWhiteLevel          = 50717
	tagDNGPrivateData      = 50740
)

const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
)

const (
	photometricCFA = 32803
	dateTimeLayout = "2006:01:02 15:04:05"
	headerSize     = 8
)

var (
	ErrFormat    = errors.New("dng: not a little-endian TIFF")
	ErrFrameSize = errors.New("dng: pixel count does not match dimensions")
)

var order = binary.LittleEndian

// Frame is a single-plane CFA mosaic, one 16-bit sample per photosite.
type Frame struct {
	Width  int
	Height int
	Pix    []uint16
}

// Info is what ends up in the tags next to the pixels.
type Info struct {
	Make         string
	Model        string
	Software     string
	DateTime     time.Time
	CFAPattern   [4]byte
	BlackLevel   uint32
	WhiteLevel   uint32
	ExposureTime time.Duration
	ISO          int
	FNumber      float64
	FocalLength  float64
	// PrivateData is stored verbatim in DNGPrivateData.
	PrivateData []byte
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(v ...uint16) []byte {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		order.PutUint16(b[2*i:], x)
	}
	return b
}

func longs(v ...uint32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		order.PutUint32(b[4*i:], x)
	}
	return b
}

func ascii(s string) []byte {
	return append([]byte(s), 0)
}

func rational(num, den uint32) []byte {
	return longs(num, den)
}

// exposureRational writes sub-second exposures as 1/x when that is exact
// and in microseconds otherwise.
func exposureRational(d time.Duration) []byte {
	if d <= 0 {
		return rational(0, 1)
	}
	if d < time.Second {
		if time.Second%d == 0 {
			return rational(1, uint32(time.Second/d))
		}
		return rational(uint32(d/time.Microsecond), 1000000)
	}
	return rational(uint32(d/time.Millisecond), 1000)
}

func decimalRational(f float64) []byte {
	if f <= 0 {
		return rational(0, 1)
	}
	return rational(uint32(math.Round(f*100)), 100)
}

type ifd []entry

func (d *ifd) put(tag, typ uint16, data []byte) {
	size := 1
	switch typ {
	case typeShort:
		size = 2
	case typeLong:
		size = 4
	case typeRational:
		size = 8
	}
	*d = append(*d, entry{tag: tag, typ: typ, count: uint32(len(data) / size), data: data})
}

// Encode writes f and info as an uncompressed DNG to w.
func Encode(w io.Writer, f Frame, info *Info) error {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) != f.Width*f.Height {
		return ErrFrameSize
	}
	if info == nil {
		info = &Info{}
	}
	stripBytes := uint32(len(f.Pix) * 2)

	var d ifd
	d.put(tagNewSubfileType, typeLong, longs(0))
	d.put(tagImageWidth, typeLong, longs(uint32(f.Width)))
	d.put(tagImageLength, typeLong, longs(uint32(f.Height)))
	d.put(tagBitsPerSample, typeShort, shorts(16))
	d.put(tagCompression, typeShort, shorts(1))
	d.put(tagPhotometric, typeShort, shorts(photometricCFA))
	if info.Make != "" {
		d.put(tagMake, typeASCII, ascii(info.Make))
	}
	if info.Model != "" {
		d.put(tagModel, typeASCII, ascii(info.Model))
		d.put(tagUniqueCameraModel, typeASCII, ascii(info.Model))
	}
	d.put(tagStripOffsets, typeLong, longs(0))
	d.put(tagOrientation, typeShort, shorts(1))
	d.put(tagSamplesPerPixel, typeShort, shorts(1))
	d.put(tagRowsPerStrip, typeLong, longs(uint32(f.Height)))
	d.put(tagStripByteCounts, typeLong, longs(stripBytes))
	d.put(tagPlanarConfiguration, typeShort, shorts(1))
	if info.Software != "" {
		d.put(tagSoftware, typeASCII, ascii(info.Software))
	}
	if !info.DateTime.IsZero() {
		d.put(tagDateTime, typeASCII, ascii(info.DateTime.Format(dateTimeLayout)))
	}
	d.put(tagCFARepeatPatternDim, typeShort, shorts(2, 2))
	d.put(tagCFAPattern, typeByte, info.CFAPattern[:])
	d.put(tagExposureTime, typeRational, exposureRational(info.ExposureTime))
	d.put(tagFNumber, typeRational, decimalRational(info.FNumber))
	if info.ISO > 0 {
		d.put(tagISOSpeedRatings, typeShort, shorts(uint16(min(info.ISO, math.MaxUint16))))
	}
	d.put(tagFocalLength, typeRational, decimalRational(info.FocalLength))
	d.put(tagDNGVersion, typeByte, []byte{1, 4, 0, 0})
	d.put(tagDNGBackwardVersion, typeByte, []byte{1, 1, 0, 0})
	d.put(tagBlackLevel, typeLong, longs(info.BlackLevel))
	if info.WhiteLevel > 0 {
		d.put(tagWhiteLevel, typeLong, longs(info.WhiteLevel))
	}
	if len(info.PrivateData) > 0 {
		d.put(tagDNGPrivateData, typeByte, info.PrivateData)
	}
	sort.Slice(d, func(i, j int) bool { return d[i].tag < d[j].tag })

	ifdSize := 2 + 12*len(d) + 4
	var extra bytes.Buffer
	offsets := make([]uint32, len(d))
	for i, e := range d {
		if len(e.data) <= 4 {
			continue
		}
		offsets[i] = uint32(headerSize + ifdSize + extra.Len())
		extra.Write(e.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	stripOffset := uint32(headerSize + ifdSize + extra.Len())

	var buf bytes.Buffer
	buf.Grow(int(stripOffset))
	buf.WriteString("II")
	buf.Write(shorts(42))
	buf.Write(longs(headerSize))
	buf.Write(shorts(uint16(len(d))))
	for i, e := range d {
		buf.Write(shorts(e.tag, e.typ))
		buf.Write(longs(e.count))
		var value [4]byte
		switch {
		case e.tag == tagStripOffsets:
			order.PutUint32(value[:], stripOffset)
		case len(e.data) <= 4:
			copy(value[:], e.data)
		default:
			order.PutUint32(value[:], offsets[i])
		}
		buf.Write(value[:])
	}
	buf.Write(longs(0))
	buf.Write(extra.Bytes())
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "dng: write header")
	}

	row := make([]byte, f.Width*2)
	for y := 0; y < f.Height; y++ {
		for x, v := range f.Pix[y*f.Width : (y+1)*f.Width] {
			order.PutUint16(row[2*x:], v)
		}
		if _, err := w.Write(row); err != nil {
			return errors.Wrap(err, "dng: write pixels")
		}
	}
	return nil
}
