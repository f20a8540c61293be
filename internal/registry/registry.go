// Package registry tracks which routing keys are currently hosted and which
// control channel serves each one.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/worldhost/world-host-server/internal/obs"
)

// RelayChannel is the server's handle on one hosting client's control
// connection. Implementations must be safe for concurrent use.
type RelayChannel interface {
	// SendProxyConnect announces a new joiner connection.
	SendProxyConnect(connID uint64, remoteAddr string) error
	// SendProxyPacket forwards joiner bytes to the host.
	SendProxyPacket(connID uint64, data []byte) error
	// SendProxyDisconnect tells the host a joiner went away.
	SendProxyDisconnect(connID uint64) error
	// Close tears the control connection down.
	Close() error
}

// HostEntry is one published world: a routing key bound to the channel that
// serves it.
type HostEntry struct {
	Key     string
	Owner   uuid.UUID
	Country string
	Channel RelayChannel

	closeOnce sync.Once
}

// CloseChannel closes the entry's channel exactly once, no matter how many
// paths race to evict it.
func (e *HostEntry) CloseChannel() {
	e.closeOnce.Do(func() {
		if e.Channel != nil {
			_ = e.Channel.Close()
		}
	})
}

// NormalizeKey lowercases and trims a routing key so lookups are
// case-insensitive.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

const maxGeneratedKey = 1 << 42

// GenerateKey returns a random server-assigned routing key: a 42-bit value
// rendered as nine base36 digits.
func GenerateKey() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate routing key: %w", err)
	}
	id := binary.BigEndian.Uint64(buf[:]) % maxGeneratedKey
	return FormatKey(id), nil
}

// FormatKey renders a 42-bit id as the canonical nine-digit base36 key.
func FormatKey(id uint64) string {
	s := strconv.FormatUint(id, 36)
	if len(s) < 9 {
		s = strings.Repeat("0", 9-len(s)) + s
	}
	return s
}

// ParseKey reverses FormatKey. It rejects anything but nine base36 digits or
// an id outside the 42-bit range.
func ParseKey(key string) (uint64, error) {
	if len(key) != 9 {
		return 0, fmt.Errorf("expected nine digit routing key, found %d digits", len(key))
	}
	id, err := strconv.ParseUint(key, 36, 64)
	if err != nil {
		return 0, fmt.Errorf("bad routing key %q: %w", key, err)
	}
	if id >= maxGeneratedKey {
		return 0, fmt.Errorf("routing key %q out of range", key)
	}
	return id, nil
}

// Snapshot is a point-in-time view of the registry for analytics.
type Snapshot struct {
	Total     int
	ByCountry map[string]int
}

// HostRegistry is the authoritative key-to-channel map for this instance. An
// optional Directory records which instance currently serves each key.
type HostRegistry struct {
	mu        sync.RWMutex
	hosts     map[string]*HostEntry
	directory Directory
}

func NewHostRegistry(directory Directory) *HostRegistry {
	if directory == nil {
		directory = NoopDirectory()
	}
	return &HostRegistry{
		hosts:     make(map[string]*HostEntry),
		directory: directory,
	}
}

// Register publishes entry under its key. A live entry for the same key is
// replaced outright, last writer wins, and the prior entry's channel is
// closed. Unregister and UnregisterEntry keep their owner and identity checks
// so the replaced host's cleanup cannot evict the new winner.
func (r *HostRegistry) Register(ctx context.Context, entry *HostEntry) error {
	entry.Key = NormalizeKey(entry.Key)
	if entry.Key == "" {
		return fmt.Errorf("empty routing key")
	}

	// The directory claim may cross the network; it runs before the lock so
	// operations on unrelated keys never stall behind it.
	if err := r.directory.Claim(ctx, entry.Key, entry.Owner); err != nil {
		return err
	}

	r.mu.Lock()
	old := r.hosts[entry.Key]
	r.hosts[entry.Key] = entry
	total := len(r.hosts)
	r.mu.Unlock()

	if old != nil && old.Channel != entry.Channel {
		old.CloseChannel()
	}
	obs.ActiveHosts.Set(float64(total))
	if old != nil {
		obs.Debug("host replaced", obs.Fields{"key": entry.Key})
	}
	return nil
}

// Lookup returns the entry serving key, if any.
func (r *HostRegistry) Lookup(key string) (*HostEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.hosts[NormalizeKey(key)]
	return entry, ok
}

// Unregister withdraws key if it is owned by owner. It does not close the
// channel; the host merely stopped publishing.
func (r *HostRegistry) Unregister(ctx context.Context, key string, owner uuid.UUID) bool {
	key = NormalizeKey(key)
	r.mu.Lock()
	entry, ok := r.hosts[key]
	if !ok || entry.Owner != owner {
		r.mu.Unlock()
		return false
	}
	delete(r.hosts, key)
	total := len(r.hosts)
	r.mu.Unlock()

	r.directory.Release(ctx, key)
	obs.ActiveHosts.Set(float64(total))
	return true
}

// UnregisterEntry withdraws exactly this entry. A newer entry that replaced
// it under the same key is left alone.
func (r *HostRegistry) UnregisterEntry(ctx context.Context, entry *HostEntry) bool {
	r.mu.Lock()
	current, ok := r.hosts[entry.Key]
	if !ok || current != entry {
		r.mu.Unlock()
		return false
	}
	delete(r.hosts, entry.Key)
	total := len(r.hosts)
	r.mu.Unlock()

	r.directory.Release(ctx, entry.Key)
	obs.ActiveHosts.Set(float64(total))
	return true
}

// Keys returns the currently published keys, for directory refresh.
func (r *HostRegistry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.hosts))
	for key := range r.hosts {
		keys = append(keys, key)
	}
	return keys
}

// Snapshot counts published worlds per country for the analytics sink.
func (r *HostRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		Total:     len(r.hosts),
		ByCountry: make(map[string]int),
	}
	for _, entry := range r.hosts {
		if entry.Country != "" {
			snap.ByCountry[entry.Country]++
		}
	}
	return snap
}
