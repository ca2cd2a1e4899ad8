// Package v4l is the camera backend for V4L2 sensors exposed as
// /dev/video* nodes, typically a Pi camera module in unpacked Bayer mode.
package v4l

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/utils"
)

const DefaultGlob = "/dev/video*"

// Error codes posted with DeviceError.
const (
	errorCameraInUse  = 1
	errorCameraDevice = 4
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger()
}

type Hardware struct {
	glob string

	mu    sync.Mutex
	paths map[string]string
	modes map[string]map[camera.Size]bayer
}

func New(glob string) *Hardware {
	if glob == "" {
		glob = DefaultGlob
	}
	return &Hardware{
		glob:  glob,
		paths: make(map[string]string),
		modes: make(map[string]map[camera.Size]bayer),
	}
}

// DeviceIDs lists the video nodes, named by their index: /dev/video0 is "0".
func (h *Hardware) DeviceIDs() ([]string, error) {
	matches, err := filepath.Glob(h.glob)
	if err != nil {
		return nil, errors.Wrapf(err, "glob %s", h.glob)
	}
	sort.Strings(matches)

	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(matches))
	for _, p := range matches {
		id := strings.TrimPrefix(filepath.Base(p), "video")
		h.paths[id] = p
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Hardware) path(id string) (string, error) {
	h.mu.Lock()
	p, ok := h.paths[id]
	h.mu.Unlock()
	if ok {
		return p, nil
	}
	if _, err := h.DeviceIDs(); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok = h.paths[id]; !ok {
		return "", errors.Errorf("v4l: no device %q", id)
	}
	return p, nil
}

// Characteristics queries the node for the frame sizes of every pixel format
// it offers. Bayer formats are reported as raw sensor output.
func (h *Hardware) Characteristics(id string) (*camera.Characteristics, error) {
	p, err := h.path(id)
	if err != nil {
		return nil, err
	}
	dev, err := device.Open(p, device.WithBufferSize(1))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", p)
	}
	defer dev.Close()

	sizes, err := v4l2.GetAllFormatFrameSizes(dev.Fd())
	if err != nil {
		return nil, errors.Wrapf(err, "frame sizes of %s", p)
	}

	ch := &camera.Characteristics{ID: id, Make: "V4L2", Model: filepath.Base(p)}
	modes := make(map[camera.Size]bayer)
	for _, fs := range sizes {
		size := camera.Size{Width: int(fs.Size.MaxWidth), Height: int(fs.Size.MaxHeight)}
		fc := uint32(fs.PixelFormat)
		b, isBayer := bayerFormats[fc]
		switch {
		case isBayer:
			if _, ok := modes[size]; ok {
				continue
			}
			modes[size] = b
			ch.StreamConfigs = append(ch.StreamConfigs, camera.StreamConfig{Format: camera.FormatRawSensor, Size: size})
			if ch.WhiteLevel == 0 {
				ch.CFA = b.cfa
				ch.WhiteLevel = 1<<b.bits - 1
			}
		case fc == uint32(v4l2.PixelFmtJPEG):
			ch.StreamConfigs = append(ch.StreamConfigs, camera.StreamConfig{Format: camera.FormatJPEG, Size: size})
		default:
			ch.StreamConfigs = append(ch.StreamConfigs, camera.StreamConfig{Format: camera.FormatYUV, Size: size})
		}
	}

	h.mu.Lock()
	h.modes[id] = modes
	h.mu.Unlock()
	return ch, nil
}

func (h *Hardware) mode(id string, size camera.Size) (bayer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.modes[id][size]
	return b, ok
}

// Open returns at once; the outcome is posted to l.
func (h *Hardware) Open(id string, l camera.Listener) error {
	p, err := h.path(id)
	if err != nil {
		return err
	}
	n := newNode(h, id, p, l)
	go func() {
		// trial open: fails here when another process holds the node
		dev, err := device.Open(p, device.WithBufferSize(1))
		if err != nil {
			logger.Warnf("open %s: %v", p, err)
			code := errorCameraDevice
			if errors.Is(err, syscall.EBUSY) {
				code = errorCameraInUse
			}
			n.post(camera.DeviceError{Device: n, Code: code})
			return
		}
		n.setHandle(dev)
		n.post(camera.DeviceOpened{Device: n})
	}()
	return nil
}

var _ camera.Hardware = (*Hardware)(nil)
