package capture

import (
	"errors"
	"fmt"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/storage/image"
)

// Codes reported to callers of CaptureImage.
const (
	CodeInvalidCameraID    = "INVALID_CAMERA_ID"
	CodeCameraNotReady     = "CAMERA_NOT_READY"
	CodeCameraAccessError  = "CAMERA_ACCESS_ERROR"
	CodeCameraError        = "CAMERA_ERROR"
	CodeCaptureSessionFail = "CAPTURE_SESSION_ERROR"
	CodeNullImage          = "NULL_IMAGE"
	CodeIOError            = "IO_ERROR"
)

type Kind int

const (
	KindInvalidRequest Kind = iota + 1
	KindNotReady
	KindAccess
	KindDeviceError
	KindDeviceDisconnected
	KindSessionConfiguration
	KindProtocolViolation
	KindNullImage
	KindIO
	KindTimeout
)

var kindNames = map[Kind]string{
	KindInvalidRequest:       "invalid request",
	KindNotReady:             "not ready",
	KindAccess:               "camera access",
	KindDeviceError:          "device error",
	KindDeviceDisconnected:   "device disconnected",
	KindSessionConfiguration: "session configuration",
	KindProtocolViolation:    "protocol violation",
	KindNullImage:            "null image",
	KindIO:                   "io",
	KindTimeout:              "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code maps the kind to its boundary error code. Every kind has exactly one.
func (k Kind) Code() string {
	switch k {
	case KindInvalidRequest:
		return CodeInvalidCameraID
	case KindNotReady:
		return CodeCameraNotReady
	case KindAccess:
		return CodeCameraAccessError
	case KindSessionConfiguration:
		return CodeCaptureSessionFail
	case KindNullImage:
		return CodeNullImage
	case KindIO:
		return CodeIOError
	default:
		return CodeCameraError
	}
}

type Error struct {
	Kind   Kind
	Detail string
	// HardwareCode is the code reported by the device, for device errors.
	HardwareCode int
	Err          error
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Code() string {
	return e.Kind.Code()
}

// KindOf classifies err, falling back on the sentinel errors of the camera
// and image packages.
func KindOf(err error) Kind {
	var ce *Error
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, camera.ErrUnknownDevice):
		return KindInvalidRequest
	case errors.Is(err, camera.ErrDeviceEnumeration), errors.Is(err, camera.ErrNoRawCapability):
		return KindAccess
	case errors.Is(err, image.ErrNullImage):
		return KindNullImage
	default:
		return KindIO
	}
}
