package v4l

import "raw-shutter-pi/pkg/camera"

// bayer is an unpacked Bayer pixel format: one little-endian 16-bit word
// per photosite holding bits significant bits.
type bayer struct {
	fourcc uint32
	cfa    camera.CFAPattern
	bits   uint
}

func fourcc(s string) uint32 {
	return uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24
}

func fourccString(v uint32) string {
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

var bayerFormats = map[uint32]bayer{}

func init() {
	for _, b := range []struct {
		code string
		cfa  camera.CFAPattern
		bits uint
	}{
		{"RG10", camera.CFARGGB, 10},
		{"BG10", camera.CFABGGR, 10},
		{"GB10", camera.CFAGBRG, 10},
		{"BA10", camera.CFAGRBG, 10},
		{"RG12", camera.CFARGGB, 12},
		{"BG12", camera.CFABGGR, 12},
		{"GB12", camera.CFAGBRG, 12},
		{"BA12", camera.CFAGRBG, 12},
		{"RG16", camera.CFARGGB, 16},
		{"BYR2", camera.CFABGGR, 16},
		{"GB16", camera.CFAGBRG, 16},
		{"GR16", camera.CFAGRBG, 16},
	} {
		fc := fourcc(b.code)
		bayerFormats[fc] = bayer{fourcc: fc, cfa: b.cfa, bits: b.bits}
	}
}
