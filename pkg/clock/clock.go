// Package clock supplies the wall time used to name captured files. A Pi
// without an RTC boots with a stale clock, so an NTP-corrected source is
// available.
package clock

import (
	"context"
	"time"

	"github.com/beevik/ntp"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time {
	return time.Time(f)
}

// NTP is the system clock shifted by the last offset measured against an
// NTP server. Until the first successful Sync it equals the system clock.
type NTP struct {
	server string
	offset atomic.Duration
	synced atomic.Bool
	query  func(server string) (time.Duration, error)
	logger *zap.SugaredLogger
}

func NewNTP(server string, logger *zap.SugaredLogger) *NTP {
	return &NTP{
		server: server,
		query:  queryOffset,
		logger: logger,
	}
}

func queryOffset(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, errors.Wrapf(err, "ntp query %s", server)
	}
	if err := resp.Validate(); err != nil {
		return 0, errors.Wrapf(err, "ntp response from %s", server)
	}
	return resp.ClockOffset, nil
}

func (c *NTP) Now() time.Time {
	return time.Now().Add(c.offset.Load())
}

func (c *NTP) Offset() time.Duration {
	return c.offset.Load()
}

func (c *NTP) Synced() bool {
	return c.synced.Load()
}

func (c *NTP) Sync() error {
	off, err := c.query(c.server)
	if err != nil {
		return err
	}
	c.offset.Store(off)
	c.synced.Store(true)
	c.logger.Infof("clock offset from %s: %s", c.server, off)
	return nil
}

// Run resyncs every interval until ctx is done. Failures keep the previous
// offset.
func (c *NTP) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(); err != nil {
				c.logger.Warnf("clock sync: %v", err)
			}
		}
	}
}
