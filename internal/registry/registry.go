// Package registry keeps the deduplicated collection of peripherals
// discovered during a scan window.
package registry

import (
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Peripheral describes a discovered BLE peripheral. Identity is ID (the
// platform's stable identifier); Name comes from the advertisement's
// local name and may be empty outside the registry.
type Peripheral struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI int    `json:"rssi,omitempty"`
}

// Registry is a concurrent, deduplicated view of scan results. Writes
// come from the session's event loop; reads may come from presentation
// at any time.
type Registry struct {
	devices *hashmap.Map[string, Peripheral]
	logger  *logrus.Logger
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: hashmap.New[string, Peripheral](),
		logger:  logger,
	}
}

// Reset removes every entry. Called at the start of each scan so stale
// sightings from the previous window never leak into the new one.
func (r *Registry) Reset() {
	r.devices.Range(func(id string, _ Peripheral) bool {
		r.devices.Del(id)
		return true
	})
}

// Observe upserts a scan sighting. Unnamed peripherals are filtered at
// ingestion. Repeated advertisements for a known ID leave the existing
// entry untouched (first-seen wins), which keeps the displayed list from
// flickering as advertisements repeat with varying payloads.
// It reports whether the peripheral was newly stored.
func (r *Registry) Observe(p Peripheral) bool {
	if p.Name == "" {
		return false
	}

	_, existing := r.devices.GetOrInsert(p.ID, p)
	if existing {
		return false
	}

	r.logger.WithFields(logrus.Fields{
		"id":   p.ID,
		"name": p.Name,
		"rssi": p.RSSI,
	}).Info("Discovered new device")
	return true
}

// Get returns the peripheral stored under id.
func (r *Registry) Get(id string) (Peripheral, bool) {
	return r.devices.Get(id)
}

// Len returns the number of stored peripherals.
func (r *Registry) Len() int {
	return r.devices.Len()
}

// List returns a snapshot sorted by name, then ID. The order is stable
// for a given registry state so repeated renders do not reshuffle.
func (r *Registry) List() []Peripheral {
	devs := make([]Peripheral, 0, r.devices.Len())
	r.devices.Range(func(_ string, p Peripheral) bool {
		devs = append(devs, p)
		return true
	})

	sort.Slice(devs, func(i, j int) bool {
		if devs[i].Name != devs[j].Name {
			return devs[i].Name < devs[j].Name
		}
		return devs[i].ID < devs[j].ID
	})
	return devs
}
