// Package storage keeps the index of captured images: which files exist in
// the pictures directory and which one was written last.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/storage/image"
	"raw-shutter-pi/pkg/types"
)

var ErrNotInGallery = errors.New("storage: file is not in the gallery")

type ImagesInfo struct {
	Count       int       `json:"count"`
	LatestImage string    `json:"latestImage"`
	UpdateAt    time.Time `json:"updateAt"`
}

type Gallery struct {
	dir    string
	logger *zap.SugaredLogger

	lock sync.Mutex
}

func New(dir string, logger *zap.SugaredLogger) (*Gallery, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir can not be empty")
	}
	g := &Gallery{dir: dir, logger: logger}
	if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
		return nil, err
	}
	if err := g.checkInitInfo(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gallery) Dir() string {
	return g.dir
}

// Announce records a freshly written image. path must name a file directly
// inside the gallery directory.
func (g *Gallery) Announce(path string) error {
	name, err := g.name(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(g.dir, name)); err != nil {
		return errors.Wrap(err, "announce")
	}

	g.lock.Lock()
	defer g.lock.Unlock()
	info, err := g.loadInfo()
	if err != nil {
		return err
	}
	info.Count++
	info.LatestImage = name
	if err := g.dumpInfo(info); err != nil {
		return err
	}
	g.logger.Infof("gallery: added %s (%d images)", name, info.Count)
	return nil
}

func (g *Gallery) Info() (*ImagesInfo, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.loadInfo()
}

// Latest returns the last announced image, or nil when there is none or it
// has been removed since.
func (g *Gallery) Latest() (*types.File, error) {
	info, err := g.Info()
	if err != nil {
		return nil, err
	}
	if info.LatestImage == "" {
		return nil, nil
	}
	st, err := os.Stat(filepath.Join(g.dir, info.LatestImage))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f := toFile(st)
	return &f, nil
}

func (g *Gallery) ListImages() ([]types.File, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return nil, err
	}
	res := make([]types.File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), image.Ext) {
			continue
		}
		st, err := e.Info()
		if err != nil {
			continue
		}
		res = append(res, toFile(st))
	}
	return res, nil
}

// Path resolves an image name from a request to a file in the gallery.
func (g *Gallery) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, image.Ext) {
		return "", ErrNotInGallery
	}
	return filepath.Join(g.dir, name), nil
}

func (g *Gallery) name(path string) (string, error) {
	rel, err := filepath.Rel(g.dir, path)
	if err != nil || rel != filepath.Base(rel) || rel == "." || rel == ".." {
		return "", errors.Wrapf(ErrNotInGallery, "%s", path)
	}
	return rel, nil
}

func toFile(st os.FileInfo) types.File {
	return types.File{
		Name:    st.Name(),
		Size:    humanize.Bytes(uint64(st.Size())),
		Bytes:   st.Size(),
		ModTime: st.ModTime(),
	}
}

func (g *Gallery) infoPath() string {
	return filepath.Join(g.dir, DefaultInfoFile)
}

func (g *Gallery) checkInitInfo() error {
	_, err := os.Stat(g.infoPath())
	if os.IsNotExist(err) {
		return g.dumpInfo(&ImagesInfo{})
	}
	return err
}

func (g *Gallery) loadInfo() (*ImagesInfo, error) {
	data, err := os.ReadFile(g.infoPath())
	if err != nil {
		return nil, fmt.Errorf("read image info err: %w", err)
	}
	info := &ImagesInfo{}
	if err = json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("unmarshal image info err: %w", err)
	}
	return info, nil
}

func (g *Gallery) dumpInfo(info *ImagesInfo) error {
	info.UpdateAt = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(g.infoPath(), data, DefaultFilePerm)
}
