package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/registry"
)

// Tunnel is one joiner connection relayed to a host.
type Tunnel struct {
	ID      uint64
	Entry   *registry.HostEntry
	started time.Time

	joiner    net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// WriteToJoiner forwards host bytes to the joiner socket. Writes are
// serialized so interleaved frames for the same tunnel keep their order.
func (t *Tunnel) WriteToJoiner(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	n, err := t.joiner.Write(data)
	obs.BytesRelayedTotal.WithLabelValues("host_to_joiner").Add(float64(n))
	return err
}

// Close shuts the joiner socket down, once.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() { _ = t.joiner.Close() })
}

// BoundTo reports whether the tunnel belongs to ch. Proxy frames from a
// control session are honored only for its own tunnels.
func (t *Tunnel) BoundTo(ch registry.RelayChannel) bool {
	return t.Entry.Channel == ch
}

// Tracker indexes live tunnels by connection id.
type Tracker struct {
	mu      sync.Mutex
	tunnels map[uint64]*Tunnel
	nextID  uint64
	empty   chan struct{} // created by WaitEmpty, closed when the last tunnel goes
}

func NewTracker() *Tracker {
	return &Tracker{tunnels: make(map[uint64]*Tunnel)}
}

// Add registers a new tunnel and assigns it the next connection id.
func (tr *Tracker) Add(entry *registry.HostEntry, joiner net.Conn) *Tunnel {
	tr.mu.Lock()
	tunnel := &Tunnel{
		ID:      tr.nextID,
		Entry:   entry,
		started: time.Now(),
		joiner:  joiner,
	}
	tr.nextID++
	tr.tunnels[tunnel.ID] = tunnel
	total := len(tr.tunnels)
	tr.mu.Unlock()

	obs.ActiveTunnels.Set(float64(total))
	return tunnel
}

func (tr *Tracker) Get(id uint64) (*Tunnel, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tunnel, ok := tr.tunnels[id]
	return tunnel, ok
}

// Remove drops a tunnel from the index and returns it, or nil if another
// path already removed it. The caller decides whether to close the socket.
func (tr *Tracker) Remove(id uint64) *Tunnel {
	tr.mu.Lock()
	tunnel := tr.tunnels[id]
	delete(tr.tunnels, id)
	total := len(tr.tunnels)
	tr.notifyEmptyLocked()
	tr.mu.Unlock()

	obs.ActiveTunnels.Set(float64(total))
	return tunnel
}

// CloseChannel closes and removes every tunnel bound to ch. Used when a
// control session ends or its host entry is replaced.
func (tr *Tracker) CloseChannel(ch registry.RelayChannel) int {
	tr.mu.Lock()
	var doomed []*Tunnel
	for id, tunnel := range tr.tunnels {
		if tunnel.BoundTo(ch) {
			doomed = append(doomed, tunnel)
			delete(tr.tunnels, id)
		}
	}
	total := len(tr.tunnels)
	tr.notifyEmptyLocked()
	tr.mu.Unlock()

	for _, tunnel := range doomed {
		tunnel.Close()
	}
	obs.ActiveTunnels.Set(float64(total))
	return len(doomed)
}

func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tunnels)
}

// CloseAll force-closes every remaining tunnel.
func (tr *Tracker) CloseAll() {
	tr.mu.Lock()
	doomed := make([]*Tunnel, 0, len(tr.tunnels))
	for id, tunnel := range tr.tunnels {
		doomed = append(doomed, tunnel)
		delete(tr.tunnels, id)
	}
	tr.notifyEmptyLocked()
	tr.mu.Unlock()

	for _, tunnel := range doomed {
		tunnel.Close()
	}
	obs.ActiveTunnels.Set(0)
}

// notifyEmptyLocked wakes a pending WaitEmpty once the last tunnel is gone.
// Callers must hold tr.mu.
func (tr *Tracker) notifyEmptyLocked() {
	if len(tr.tunnels) == 0 && tr.empty != nil {
		close(tr.empty)
		tr.empty = nil
	}
}

// emptySignal returns a channel that is closed once the tracker has drained.
func (tr *Tracker) emptySignal() <-chan struct{} {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.tunnels) == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	if tr.empty == nil {
		tr.empty = make(chan struct{})
	}
	return tr.empty
}

// WaitEmpty blocks until every tunnel has drained or ctx expires. It reports
// whether the tracker emptied in time.
func (tr *Tracker) WaitEmpty(ctx context.Context) bool {
	select {
	case <-tr.emptySignal():
		return true
	case <-ctx.Done():
		return tr.Len() == 0
	}
}
