package camera

import (
	"fmt"
	"slices"
)

// Catalog answers device queries against a Hardware backend. It holds no
// state of its own.
type Catalog struct {
	hw Hardware
}

func NewCatalog(hw Hardware) *Catalog {
	return &Catalog{hw: hw}
}

func (c *Catalog) ListDeviceIDs() ([]string, error) {
	ids, err := c.hw.DeviceIDs()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceEnumeration, err)
	}
	return ids, nil
}

func (c *Catalog) Characteristics(id string) (*Characteristics, error) {
	ids, err := c.ListDeviceIDs()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ids, id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	ch, err := c.hw.Characteristics(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceEnumeration, err)
	}
	return ch, nil
}

// LargestRawOutputSize returns the raw sensor size with the largest area.
// On equal areas the first one listed wins.
func LargestRawOutputSize(ch *Characteristics) (Size, error) {
	var (
		best  Size
		found bool
	)
	for _, sc := range ch.StreamConfigs {
		if sc.Format != FormatRawSensor {
			continue
		}
		if !found || sc.Size.Area() > best.Area() {
			best = sc.Size
			found = true
		}
	}
	if !found {
		return Size{}, fmt.Errorf("%w: %s", ErrNoRawCapability, ch.ID)
	}
	return best, nil
}
