// Package domain provides core domain implementations.
package domain

import (
	"sync"
	"time"
)

// InverterInfo tracks runtime state for one configured inverter.
type InverterInfo struct {
	Serial       string               `json:"serial"`
	LastContact  time.Time            `json:"last_contact"`
	GroupRefresh map[string]time.Time `json:"group_refresh"`
}

// InverterRegistry keeps track of configured inverters and when each
// register group was last refreshed successfully.
type InverterRegistry struct {
	inverters map[string]*InverterInfo
	order     []string
	mutex     sync.RWMutex
}

// NewInverterRegistry creates a registry seeded with the configured serials,
// preserving configuration order so the first entry can act as the default.
func NewInverterRegistry(serials []string) *InverterRegistry {
	r := &InverterRegistry{
		inverters: make(map[string]*InverterInfo, len(serials)),
		order:     make([]string, 0, len(serials)),
	}
	for _, serial := range serials {
		if _, exists := r.inverters[serial]; exists {
			continue
		}
		r.inverters[serial] = &InverterInfo{
			Serial:       serial,
			GroupRefresh: make(map[string]time.Time),
		}
		r.order = append(r.order, serial)
	}
	return r
}

// DefaultSerial returns the first configured inverter serial.
func (r *InverterRegistry) DefaultSerial() string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

// Has reports whether the serial is configured.
func (r *InverterRegistry) Has(serial string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, exists := r.inverters[serial]
	return exists
}

// TouchContact records device activity for the serial.
func (r *InverterRegistry) TouchContact(serial string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if inv, exists := r.inverters[serial]; exists {
		inv.LastContact = time.Now()
	}
}

// TouchGroup records a successful group refresh for the serial.
func (r *InverterRegistry) TouchGroup(serial, group string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if inv, exists := r.inverters[serial]; exists {
		inv.LastContact = time.Now()
		inv.GroupRefresh[group] = inv.LastContact
	}
}

// All returns a snapshot of every configured inverter, in configuration order.
func (r *InverterRegistry) All() []InverterInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]InverterInfo, 0, len(r.order))
	for _, serial := range r.order {
		inv := r.inverters[serial]
		refresh := make(map[string]time.Time, len(inv.GroupRefresh))
		for group, at := range inv.GroupRefresh {
			refresh[group] = at
		}
		result = append(result, InverterInfo{
			Serial:       inv.Serial,
			LastContact:  inv.LastContact,
			GroupRefresh: refresh,
		})
	}
	return result
}
