// Package image turns a delivered raw frame into a DNG file on disk.
package image

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/clock"
	"raw-shutter-pi/pkg/dng"
	"raw-shutter-pi/pkg/utils"
)

const (
	Prefix = "IMG_"
	Ext    = ".dng"

	maxCollisions = 1000
)

var (
	ErrNullImage         = errors.New("image: no buffer delivered")
	ErrUnsupportedFormat = errors.New("image: unsupported frame layout")
)

// PrivateData is the JSON document stored in the DNGPrivateData tag.
type PrivateData struct {
	Metadata        *camera.CaptureMetadata `json:"metadata"`
	Characteristics *camera.Characteristics `json:"characteristics"`
}

type Storage struct {
	path     string
	clock    clock.Clock
	software string
	logger   *zap.SugaredLogger
}

func New(path string, c clock.Clock, software string, logger *zap.SugaredLogger) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("path can not be empty")
	}
	if c == nil {
		c = clock.System{}
	}
	return &Storage{path: path, clock: c, software: software, logger: logger}, nil
}

func (s *Storage) Dir() string {
	return s.path
}

// Write encodes img with md and ch into a new IMG_<timestamp>.dng and
// returns its path. img is closed on every path.
func (s *Storage) Write(img *camera.Image, md *camera.CaptureMetadata, ch *camera.Characteristics) (string, error) {
	if img == nil {
		return "", ErrNullImage
	}
	defer func() {
		if err := img.Close(); err != nil {
			s.logger.Warnf("release image %s: %v", img.RequestID, err)
		}
	}()
	if len(img.Planes) == 0 {
		return "", ErrNullImage
	}
	frame, err := toFrame(img)
	if err != nil {
		return "", err
	}
	if md == nil {
		md = &camera.CaptureMetadata{RequestID: img.RequestID}
	}
	if ch == nil {
		ch = &camera.Characteristics{}
	}
	private, err := json.Marshal(PrivateData{Metadata: md, Characteristics: ch})
	if err != nil {
		return "", errors.Wrap(err, "encode metadata")
	}

	if err := os.MkdirAll(s.path, 0750); err != nil {
		return "", errors.Wrap(err, "create image dir")
	}
	now := s.clock.Now()
	out, name, err := s.create(utils.FormatTimestamp(now))
	if err != nil {
		return "", err
	}

	info := &dng.Info{
		Make:         ch.Make,
		Model:        ch.Model,
		Software:     s.software,
		DateTime:     now,
		CFAPattern:   ch.CFA,
		BlackLevel:   ch.BlackLevel,
		WhiteLevel:   ch.WhiteLevel,
		ExposureTime: md.ExposureTime,
		ISO:          md.Sensitivity,
		FNumber:      md.Aperture,
		FocalLength:  md.FocalLength,
		PrivateData:  private,
	}
	w := bufio.NewWriter(out)
	err = dng.Encode(w, frame, info)
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(name); rerr != nil {
			s.logger.Warnf("remove partial file %s: %v", name, rerr)
		}
		return "", errors.Wrapf(err, "write %s", name)
	}
	return name, nil
}

// create opens a file that did not exist before, adding _1, _2... when
// several captures land in the same second.
func (s *Storage) create(stamp string) (*os.File, string, error) {
	for i := 0; i < maxCollisions; i++ {
		base := Prefix + stamp
		if i > 0 {
			base = fmt.Sprintf("%s_%d", base, i)
		}
		name := filepath.Join(s.path, base+Ext)
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
		if err == nil {
			return f, name, nil
		}
		if !os.IsExist(err) {
			return nil, "", errors.Wrapf(err, "create %s", name)
		}
	}
	return nil, "", errors.Errorf("no free file name for %s", stamp)
}

// toFrame copies a RAW16 plane, honoring row and pixel stride, into a
// packed mosaic.
func toFrame(img *camera.Image) (dng.Frame, error) {
	if img.Format != camera.FormatRawSensor || img.Width <= 0 || img.Height <= 0 {
		return dng.Frame{}, errors.Wrapf(ErrUnsupportedFormat, "%s %dx%d", img.Format, img.Width, img.Height)
	}
	p := img.Planes[0]
	ps := p.PixelStride
	if ps == 0 {
		ps = 2
	}
	rs := p.RowStride
	if rs == 0 {
		rs = img.Width * ps
	}
	if ps < 2 || rs < img.Width*ps || len(p.Data) < (img.Height-1)*rs+(img.Width-1)*ps+2 {
		return dng.Frame{}, errors.Wrapf(ErrUnsupportedFormat, "stride %d/%d for %dx%d in %d bytes", rs, ps, img.Width, img.Height, len(p.Data))
	}

	f := dng.Frame{Width: img.Width, Height: img.Height, Pix: make([]uint16, img.Width*img.Height)}
	for y := 0; y < img.Height; y++ {
		row := p.Data[y*rs:]
		for x := 0; x < img.Width; x++ {
			f.Pix[y*img.Width+x] = binary.LittleEndian.Uint16(row[x*ps:])
		}
	}
	return f, nil
}
