package camera

// Hardware is a camera backend. Open returns as soon as the request has been
// accepted; the outcome arrives later on the listener as DeviceOpened,
// DeviceError or DeviceDisconnected.
type Hardware interface {
	DeviceIDs() ([]string, error)
	Characteristics(id string) (*Characteristics, error)
	Open(id string, l Listener) error
}

// Device is an open, exclusive connection to one camera. CreateSession
// answers with SessionConfigured or SessionConfigureFailed.
type Device interface {
	ID() string
	CreateSession(outputs []StreamConfig) error
	Close() error
}

// Session binds the configured outputs to a device. Capture answers with
// CaptureCompleted (or CaptureFailed) followed by ImageAvailable.
type Session interface {
	Capture(req *CaptureRequest) error
	Close() error
}

// Listener receives notifications. Backends call it from their own
// goroutines and must not assume it returns quickly.
type Listener interface {
	Notify(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) Notify(ev Event) { f(ev) }

type Event interface {
	Name() string
}

type DeviceOpened struct {
	Device Device
}

type DeviceError struct {
	Device Device
	Code   int
}

type DeviceDisconnected struct {
	Device Device
}

type SessionConfigured struct {
	Session Session
}

type SessionConfigureFailed struct {
	Session Session
}

type CaptureCompleted struct {
	RequestID string
	Metadata  *CaptureMetadata
}

type CaptureFailed struct {
	RequestID string
	Reason    int
}

// ImageAvailable carries the frame; Image is nil when the backend signals
// availability without a buffer.
type ImageAvailable struct {
	Image *Image
}

func (DeviceOpened) Name() string           { return "device opened" }
func (DeviceError) Name() string            { return "device error" }
func (DeviceDisconnected) Name() string     { return "device disconnected" }
func (SessionConfigured) Name() string      { return "session configured" }
func (SessionConfigureFailed) Name() string { return "session configure failed" }
func (CaptureCompleted) Name() string       { return "capture completed" }
func (CaptureFailed) Name() string          { return "capture failed" }
func (ImageAvailable) Name() string         { return "image available" }
