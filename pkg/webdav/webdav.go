// Package webdav exposes the pictures directory read-write over WebDAV so
// DNG files can be pulled off the device.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"raw-shutter-pi/pkg/utils"
)

type Webdav struct {
	lock   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   <-chan struct{}
	port   int
	dir    string
}

func New(ctx context.Context, port int, dir string) *Webdav {
	return &Webdav{
		ctx:  ctx,
		port: port,
		dir:  dir,
	}
}

func (w *Webdav) Running() bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.cancel != nil
}

func (w *Webdav) Port() int {
	return w.port
}

// Start is a no-op when the server already runs.
func (w *Webdav) Start() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.cancel != nil {
		return
	}
	newCtx, cancel := context.WithCancel(w.ctx)
	w.cancel = cancel
	w.done = Serve(newCtx, w.port, Handler(w.dir))
}

// Stop shuts the server down and waits for it to exit.
func (w *Webdav) Stop() {
	w.lock.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.lock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func Handler(dir string) http.Handler {
	logger := utils.GetLogger()
	return &webdav.Handler{
		FileSystem: webdav.Dir(dir),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logger.Errorf("WEBDAV [%s]: %s, err: %s", r.Method, r.URL, err)
			}
		},
	}
}

// Serve runs h on port until ctx is done. The returned channel is closed
// once the server has stopped.
func Serve(ctx context.Context, port int, h http.Handler) <-chan struct{} {
	logger := utils.GetLogger()
	svr := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h,
	}
	done := make(chan struct{})

	go func() {
		if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("webdav server err: %s", err)
		}
	}()
	go func() {
		defer close(done)
		<-ctx.Done()
		srcCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svr.Shutdown(srcCtx); err != nil {
			logger.Errorf("shutdown webdav server err: %s", err)
		}
	}()
	return done
}
