// Package camera describes the hardware boundary of a still camera: device
// enumeration, static characteristics, and the asynchronous notifications a
// device emits while it is opened, configured and asked for a frame.
package camera

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

var (
	ErrDeviceEnumeration = errors.New("camera: device enumeration failed")
	ErrUnknownDevice     = errors.New("camera: unknown device")
	ErrNoRawCapability   = errors.New("camera: device has no raw sensor output")
	ErrImageReleased     = errors.New("camera: image already released")
)

type Format int

const (
	FormatUnknown Format = iota
	FormatRawSensor
	FormatJPEG
	FormatYUV
)

func (f Format) String() string {
	switch f {
	case FormatRawSensor:
		return "RAW_SENSOR"
	case FormatJPEG:
		return "JPEG"
	case FormatYUV:
		return "YUV"
	default:
		return "UNKNOWN"
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(b []byte) error {
	switch string(b) {
	case "RAW_SENSOR":
		*f = FormatRawSensor
	case "JPEG":
		*f = FormatJPEG
	case "YUV":
		*f = FormatYUV
	case "UNKNOWN":
		*f = FormatUnknown
	default:
		return fmt.Errorf("camera: unknown format %q", b)
	}
	return nil
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) Area() int64 {
	return int64(s.Width) * int64(s.Height)
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

type StreamConfig struct {
	Format Format `json:"format"`
	Size   Size   `json:"size"`
}

// CFAPattern is the 2x2 color filter layout of a Bayer sensor, in the
// DNG encoding (0 = red, 1 = green, 2 = blue), row-major.
type CFAPattern [4]byte

var (
	CFARGGB = CFAPattern{0, 1, 1, 2}
	CFAGRBG = CFAPattern{1, 0, 2, 1}
	CFAGBRG = CFAPattern{1, 2, 0, 1}
	CFABGGR = CFAPattern{2, 1, 1, 0}
)

// Characteristics is the static description of one device. It is queried
// once per request and shared read-only by the session and the writer.
type Characteristics struct {
	ID            string         `json:"id"`
	Make          string         `json:"make"`
	Model         string         `json:"model"`
	StreamConfigs []StreamConfig `json:"streamConfigs"`
	CFA           CFAPattern     `json:"cfa"`
	BlackLevel    uint32         `json:"blackLevel"`
	WhiteLevel    uint32         `json:"whiteLevel"`
}

type ControlMode string

const ControlModeAuto ControlMode = "auto"

// CaptureRequest is built once per request and never modified after it has
// been handed to a Session.
type CaptureRequest struct {
	ID     string
	Output StreamConfig
	AEMode ControlMode
	AFMode ControlMode
}

// CaptureMetadata is the result record the hardware reports for one frame.
type CaptureMetadata struct {
	RequestID       string        `json:"requestId"`
	SensorTimestamp int64         `json:"sensorTimestamp"`
	ExposureTime    time.Duration `json:"exposureTime"`
	Sensitivity     int           `json:"iso"`
	FocalLength     float64       `json:"focalLength,omitempty"`
	Aperture        float64       `json:"aperture,omitempty"`
	FocusDistance   float64       `json:"focusDistance,omitempty"`
	AEMode          ControlMode   `json:"aeMode"`
	AFMode          ControlMode   `json:"afMode"`
	CapturedAt      time.Time     `json:"capturedAt"`
}

type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// Image is one undecoded frame. The receiver owns it and must call Close
// exactly once.
type Image struct {
	RequestID string
	Format    Format
	Width     int
	Height    int
	Timestamp int64
	Planes    []Plane

	release  func()
	released atomic.Bool
}

// NewImage wraps planes in an Image; release, if non-nil, runs on the first Close.
func NewImage(requestID string, format Format, width, height int, timestamp int64, planes []Plane, release func()) *Image {
	return &Image{
		RequestID: requestID,
		Format:    format,
		Width:     width,
		Height:    height,
		Timestamp: timestamp,
		Planes:    planes,
		release:   release,
	}
}

func (i *Image) Close() error {
	if !i.released.CompareAndSwap(false, true) {
		return ErrImageReleased
	}
	if i.release != nil {
		i.release()
	}
	i.Planes = nil
	return nil
}

func (i *Image) Released() bool {
	return i.released.Load()
}
