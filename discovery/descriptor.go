package discovery

import (
	"net/netip"
	"slices"
)

// Defaults for this application's protocol family.
const (
	DefaultServiceType = "_macremote._tcp"
	DefaultDomain      = "local."
)

// ServiceDescriptor is an advertised endpoint seen on the local network.
// Descriptors are immutable once resolved; a re-resolution produces a new
// descriptor that supersedes the old one.
type ServiceDescriptor struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Domain string `json:"domain"`
	Port   uint16 `json:"port"`
	// Addresses are candidate endpoints in preference order.
	Addresses []netip.AddrPort `json:"addresses,omitempty"`
	// Instance is a per-publication identifier when the mechanism
	// provides one.
	Instance string `json:"instance,omitempty"`
}

// Key is the identity used for replace and remove in a service set.
func (d ServiceDescriptor) Key() string {
	if d.Instance != "" {
		return d.Instance
	}
	return d.Name + "." + d.Type + "." + d.Domain
}

// Clone returns a deep copy of d.
func (d ServiceDescriptor) Clone() ServiceDescriptor {
	d.Addresses = slices.Clone(d.Addresses)
	return d
}

// Batch is one completed group of discovery changes.
type Batch struct {
	Added   []ServiceDescriptor
	Removed []ServiceDescriptor
}

// Empty reports whether b carries no changes.
func (b Batch) Empty() bool {
	return len(b.Added) == 0 && len(b.Removed) == 0
}

// ServiceSet is an ordered collection of descriptors keyed by identity.
// The zero value is an empty set. ServiceSet is not safe for concurrent
// use; its owner serializes access.
type ServiceSet struct {
	items []ServiceDescriptor
}

// Apply adds and removes the descriptors in b. An added descriptor whose
// key is already present replaces the old entry in place.
func (s *ServiceSet) Apply(b Batch) {
	for _, d := range b.Added {
		if i := s.index(d.Key()); i >= 0 {
			s.items[i] = d.Clone()
			continue
		}
		s.items = append(s.items, d.Clone())
	}
	for _, d := range b.Removed {
		if i := s.index(d.Key()); i >= 0 {
			s.items = slices.Delete(s.items, i, i+1)
		}
	}
}

// Clear empties the set and reports whether it held anything.
func (s *ServiceSet) Clear() bool {
	had := len(s.items) > 0
	s.items = nil
	return had
}

// Len returns the number of descriptors.
func (s *ServiceSet) Len() int { return len(s.items) }

// Snapshot returns a deep copy of the current contents.
func (s *ServiceSet) Snapshot() []ServiceDescriptor {
	out := make([]ServiceDescriptor, len(s.items))
	for i, d := range s.items {
		out[i] = d.Clone()
	}
	return out
}

// Find returns the first descriptor with the given name.
func (s *ServiceSet) Find(name string) (ServiceDescriptor, bool) {
	for _, d := range s.items {
		if d.Name == name {
			return d.Clone(), true
		}
	}
	return ServiceDescriptor{}, false
}

func (s *ServiceSet) index(key string) int {
	return slices.IndexFunc(s.items, func(d ServiceDescriptor) bool { return d.Key() == key })
}
