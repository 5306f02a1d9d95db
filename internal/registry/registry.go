// Package registry holds the authoritative set of connected participants:
// the handle and name indices, the datagram endpoints eligible for media
// fan-out, and session color assignment.
package registry

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/confab-net/confab/internal/protocol"
)

// ErrNameTaken is returned when a display name is already registered.
var ErrNameTaken = errors.New("registry: name already taken")

// cursorPalette is the fixed set of participant colors, assigned
// round-robin at registration.
var cursorPalette = []string{
	"#4C88FF", "#27C48B", "#A47AFF", "#FFA24D", "#FF6B9D", "#00D9FF", "#FFD93D",
}

// Participant is one connected user.
type Participant struct {
	Name      string
	IP        string
	VideoPort int
	AudioPort int
	Color     string
	JoinedAt  time.Time
	LastSeen  time.Time
}

// Endpoint identifies a datagram destination.
type Endpoint struct {
	IP   string
	Port int
}

// Registry is the session state, keyed by an opaque connection handle.
// The handle and name indices stay mutually consistent under one lock.
type Registry[H comparable] struct {
	mu       sync.RWMutex
	byHandle map[H]*Participant
	byName   map[string]H
	colorIdx int

	// videoTargets is rebuilt on every membership change and handed out
	// as-is; callers must not mutate it.
	videoTargets []*net.UDPAddr
}

// New creates an empty registry.
func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		byHandle: make(map[H]*Participant),
		byName:   make(map[string]H),
	}
}

// Register inserts a participant under both indices and assigns the next
// palette color. Returns ErrNameTaken without partial effects when the
// name is in use.
func (r *Registry[H]) Register(h H, name, ip string, videoPort, audioPort int) (Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return Participant{}, ErrNameTaken
	}

	color := cursorPalette[r.colorIdx%len(cursorPalette)]
	r.colorIdx++

	now := time.Now()
	p := &Participant{
		Name:      name,
		IP:        ip,
		VideoPort: videoPort,
		AudioPort: audioPort,
		Color:     color,
		JoinedAt:  now,
		LastSeen:  now,
	}
	r.byHandle[h] = p
	r.byName[name] = h
	r.rebuildVideoTargets()

	return *p, nil
}

// Deregister removes the handle from both indices and the endpoint sets.
// The second return is false when the handle was not registered, so a
// second call for the same connection is a no-op.
func (r *Registry[H]) Deregister(h H) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byHandle[h]
	if !ok {
		return Participant{}, false
	}
	delete(r.byHandle, h)
	delete(r.byName, p.Name)
	r.rebuildVideoTargets()

	return *p, true
}

// Resolve returns the handle registered under name.
func (r *Registry[H]) Resolve(name string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byName[name]
	return h, ok
}

// Lookup returns the participant registered under the handle.
func (r *Registry[H]) Lookup(h H) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byHandle[h]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Touch refreshes the participant's last-activity timestamp.
func (r *Registry[H]) Touch(h H) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byHandle[h]; ok {
		p.LastSeen = time.Now()
	}
}

// Snapshot returns the roster in join order.
func (r *Registry[H]) Snapshot() []protocol.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	participants := make([]*Participant, 0, len(r.byHandle))
	for _, p := range r.byHandle {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].Name < participants[j].Name
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})

	roster := make([]protocol.RosterEntry, 0, len(participants))
	for _, p := range participants {
		roster = append(roster, protocol.RosterEntry{
			Name:  p.Name,
			Addr:  p.IP,
			Color: p.Color,
		})
	}
	return roster
}

// Handles returns the current connection handles for broadcast iteration.
func (r *Registry[H]) Handles() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]H, 0, len(r.byHandle))
	for h := range r.byHandle {
		handles = append(handles, h)
	}
	return handles
}

// VideoTargets returns the datagram destinations for video fan-out. The
// returned slice is shared and read-only.
func (r *Registry[H]) VideoTargets() []*net.UDPAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.videoTargets
}

// AudioTargets returns a copy of the audio endpoint map, endpoint to
// participant name.
func (r *Registry[H]) AudioTargets() map[Endpoint]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make(map[Endpoint]string, len(r.byHandle))
	for _, p := range r.byHandle {
		if p.AudioPort == 0 {
			continue
		}
		targets[Endpoint{IP: p.IP, Port: p.AudioPort}] = p.Name
	}
	return targets
}

// Len returns the participant count.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byHandle)
}

func (r *Registry[H]) rebuildVideoTargets() {
	targets := make([]*net.UDPAddr, 0, len(r.byHandle))
	for _, p := range r.byHandle {
		if p.VideoPort == 0 {
			continue
		}
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		targets = append(targets, &net.UDPAddr{IP: ip, Port: p.VideoPort})
	}
	r.videoTargets = targets
}
