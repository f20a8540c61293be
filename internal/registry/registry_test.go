package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeChannel struct {
	closed atomic.Int64
}

func (f *fakeChannel) SendProxyConnect(uint64, string) error  { return nil }
func (f *fakeChannel) SendProxyPacket(uint64, []byte) error   { return nil }
func (f *fakeChannel) SendProxyDisconnect(uint64) error       { return nil }
func (f *fakeChannel) Close() error                           { f.closed.Add(1); return nil }

func newEntry(key string, owner uuid.UUID) (*HostEntry, *fakeChannel) {
	ch := &fakeChannel{}
	return &HostEntry{Key: key, Owner: owner, Channel: ch}, ch
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewHostRegistry(nil)
	owner := uuid.New()
	entry, _ := newEntry("MyWorld", owner)

	if err := r.Register(testContext(t), entry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Lookup("myworld")
	if !ok || got != entry {
		t.Fatal("lookup after register failed")
	}
	// Lookups are case-insensitive.
	if _, ok := r.Lookup("MYWORLD"); !ok {
		t.Error("uppercase lookup failed")
	}
	if _, ok := r.Lookup("other"); ok {
		t.Error("unexpected hit for an unknown key")
	}
}

func TestRegisterEmptyKey(t *testing.T) {
	r := NewHostRegistry(nil)
	entry, _ := newEntry("  ", uuid.New())
	if err := r.Register(testContext(t), entry); err == nil {
		t.Error("expected an error for an empty key")
	}
}

func TestRegisterReplacesSameOwner(t *testing.T) {
	r := NewHostRegistry(nil)
	owner := uuid.New()
	first, firstCh := newEntry("world", owner)
	second, secondCh := newEntry("world", owner)

	if err := r.Register(testContext(t), first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testContext(t), second); err != nil {
		t.Fatalf("re-register by the same owner: %v", err)
	}
	if n := firstCh.closed.Load(); n != 1 {
		t.Errorf("replaced channel closed %d times, want 1", n)
	}
	if secondCh.closed.Load() != 0 {
		t.Error("new channel must stay open")
	}
	got, _ := r.Lookup("world")
	if got != second {
		t.Error("lookup must return the new entry")
	}
}

func TestRegisterReplacesOtherOwner(t *testing.T) {
	r := NewHostRegistry(nil)
	first, firstCh := newEntry("world", uuid.New())
	if err := r.Register(testContext(t), first); err != nil {
		t.Fatal(err)
	}
	second, secondCh := newEntry("world", uuid.New())
	if err := r.Register(testContext(t), second); err != nil {
		t.Fatalf("register over another owner's key: %v", err)
	}

	// Last writer wins: the new host serves the key, the old channel closes.
	got, ok := r.Lookup("world")
	if !ok || got != second {
		t.Fatal("lookup must return the replacing entry")
	}
	if n := firstCh.closed.Load(); n != 1 {
		t.Errorf("replaced channel closed %d times, want 1", n)
	}
	if secondCh.closed.Load() != 0 {
		t.Error("winning channel must stay open")
	}

	// The loser's teardown must not evict the winner.
	if r.UnregisterEntry(testContext(t), first) {
		t.Error("stale entry cleanup evicted the replacement")
	}
	if r.Unregister(testContext(t), "world", first.Owner) {
		t.Error("unregister by the replaced owner must be a no-op")
	}
	if got, ok := r.Lookup("world"); !ok || got != second {
		t.Fatal("replacement lost to the replaced host's cleanup")
	}
}

func TestUnregisterOwnerChecked(t *testing.T) {
	r := NewHostRegistry(nil)
	owner := uuid.New()
	entry, ch := newEntry("world", owner)
	if err := r.Register(testContext(t), entry); err != nil {
		t.Fatal(err)
	}

	if r.Unregister(testContext(t), "world", uuid.New()) {
		t.Error("unregister by a non-owner must be a no-op")
	}
	if _, ok := r.Lookup("world"); !ok {
		t.Fatal("entry evicted by a non-owner")
	}

	if !r.Unregister(testContext(t), "WORLD", owner) {
		t.Error("unregister by the owner failed")
	}
	if _, ok := r.Lookup("world"); ok {
		t.Error("entry still present after unregister")
	}
	// Unregister withdraws the key but keeps the control channel alive.
	if ch.closed.Load() != 0 {
		t.Error("unregister must not close the channel")
	}
}

func TestUnregisterEntryIdentity(t *testing.T) {
	r := NewHostRegistry(nil)
	owner := uuid.New()
	stale, _ := newEntry("world", owner)
	if err := r.Register(testContext(t), stale); err != nil {
		t.Fatal(err)
	}
	fresh, _ := newEntry("world", owner)
	if err := r.Register(testContext(t), fresh); err != nil {
		t.Fatal(err)
	}

	// The stale session's cleanup must not evict the replacement.
	if r.UnregisterEntry(testContext(t), stale) {
		t.Error("stale entry cleanup evicted the fresh entry")
	}
	if got, ok := r.Lookup("world"); !ok || got != fresh {
		t.Fatal("fresh entry lost")
	}
	if !r.UnregisterEntry(testContext(t), fresh) {
		t.Error("fresh entry cleanup failed")
	}
}

func TestCloseChannelOnce(t *testing.T) {
	entry, ch := newEntry("world", uuid.New())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry.CloseChannel()
		}()
	}
	wg.Wait()
	if n := ch.closed.Load(); n != 1 {
		t.Errorf("channel closed %d times, want 1", n)
	}
}

func TestSnapshot(t *testing.T) {
	r := NewHostRegistry(nil)
	for i, country := range []string{"SE", "SE", "DE", ""} {
		entry, _ := newEntry(fmt.Sprintf("world%d", i), uuid.New())
		entry.Country = country
		if err := r.Register(testContext(t), entry); err != nil {
			t.Fatal(err)
		}
	}
	snap := r.Snapshot()
	if snap.Total != 4 {
		t.Errorf("total: got %d, want 4", snap.Total)
	}
	if snap.ByCountry["SE"] != 2 || snap.ByCountry["DE"] != 1 {
		t.Errorf("by country: got %v", snap.ByCountry)
	}
	if _, ok := snap.ByCountry[""]; ok {
		t.Error("unknown countries must not be counted")
	}
}

type failingDirectory struct {
	noopDirectory
	claims atomic.Int64
}

func (d *failingDirectory) Claim(context.Context, string, uuid.UUID) error {
	d.claims.Add(1)
	return fmt.Errorf("redis claim failed: connection refused")
}

func TestRegisterConsultsDirectory(t *testing.T) {
	dir := &failingDirectory{}
	r := NewHostRegistry(dir)
	entry, _ := newEntry("world", uuid.New())
	if err := r.Register(testContext(t), entry); err == nil {
		t.Fatal("expected directory failure to propagate")
	}
	if dir.claims.Load() != 1 {
		t.Error("directory not consulted")
	}
	if _, ok := r.Lookup("world"); ok {
		t.Error("entry must not be visible when the claim failed")
	}
}

type blockingDirectory struct {
	noopDirectory
	slow chan struct{}
}

func (d *blockingDirectory) Claim(_ context.Context, key string, _ uuid.UUID) error {
	if key == "slow" {
		<-d.slow
	}
	return nil
}

func TestLookupNotBlockedBySlowClaim(t *testing.T) {
	dir := &blockingDirectory{slow: make(chan struct{})}
	r := NewHostRegistry(dir)
	entry, _ := newEntry("other", uuid.New())
	if err := r.Register(testContext(t), entry); err != nil {
		t.Fatal(err)
	}

	registered := make(chan error, 1)
	go func() {
		slow, _ := newEntry("slow", uuid.New())
		registered <- r.Register(testContext(t), slow)
	}()

	// A claim stuck on the network must not stall reads of other keys.
	looked := make(chan struct{})
	go func() {
		defer close(looked)
		if _, ok := r.Lookup("other"); !ok {
			t.Error("pre-existing entry lost")
		}
	}()
	select {
	case <-looked:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup of an unrelated key blocked behind a slow directory claim")
	}

	close(dir.slow)
	if err := <-registered; err != nil {
		t.Fatalf("slow registration: %v", err)
	}
	if _, ok := r.Lookup("slow"); !ok {
		t.Error("slow registration not visible after the claim finished")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 36, maxGeneratedKey - 1} {
		key := FormatKey(id)
		if len(key) != 9 {
			t.Errorf("FormatKey(%d) = %q, want nine digits", id, key)
		}
		got, err := ParseKey(key)
		if err != nil {
			t.Errorf("ParseKey(%q): %v", key, err)
		}
		if got != id {
			t.Errorf("round trip %d: got %d", id, got)
		}
	}
	if _, err := ParseKey("short"); err == nil {
		t.Error("expected an error for a short key")
	}
	if _, err := ParseKey("!!!!!!!!!"); err == nil {
		t.Error("expected an error for non-base36 digits")
	}
	if _, err := ParseKey("zzzzzzzzz"); err == nil {
		t.Error("expected an error for an out-of-range id")
	}
}

func TestGenerateKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ParseKey(key); err != nil {
			t.Fatalf("generated key %q does not parse: %v", key, err)
		}
		seen[key] = true
	}
	if len(seen) < 100 {
		t.Error("generated keys collided suspiciously often")
	}
}

// testContext mirrors t.Context() from Go 1.24: a context canceled at test cleanup.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
