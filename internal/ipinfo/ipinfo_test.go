package ipinfo

import (
	"bytes"
	"compress/gzip"
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

const sampleCSV = `16777216,16777471,AU,,,,,-33.4940,143.2104
16778240,16779263,CN,,,,,34.7732,113.7220
3232235520,3232301055,SE,,,,,59.3294,18.0687
50511294496000416714471912900497768448,50511294496000416714471912900497772543,DE,,,,,51.2993,9.4910
99999,100000,XX,,,,,,
`

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func loadSample(t *testing.T) *Map {
	t.Helper()
	m := &Map{}
	if err := m.loadCSV(strings.NewReader(sampleCSV)); err != nil {
		t.Fatalf("loadCSV: %v", err)
	}
	m.finish()
	return m
}

func TestLookupV4(t *testing.T) {
	m := loadSample(t)
	// Rows without coordinates are skipped.
	if m.Len() != 4 {
		t.Fatalf("Len: got %d, want 4", m.Len())
	}

	info, ok := m.Lookup(netip.MustParseAddr("1.0.0.10"))
	if !ok {
		t.Fatal("expected a hit for 1.0.0.10")
	}
	if info.Country != "AU" {
		t.Errorf("country: got %q, want AU", info.Country)
	}
	if math.Abs(info.Location.Lat+33.4940) > 1e-9 {
		t.Errorf("latitude: got %f", info.Location.Lat)
	}

	if info, ok := m.Lookup(netip.MustParseAddr("192.168.0.1")); !ok || info.Country != "SE" {
		t.Errorf("192.168.0.1: got %+v, %v", info, ok)
	}
	// Gap between ranges.
	if _, ok := m.Lookup(netip.MustParseAddr("1.0.1.0")); ok {
		t.Error("expected a miss between ranges")
	}
}

func TestLookupV4MappedV6(t *testing.T) {
	m := loadSample(t)
	if info, ok := m.Lookup(netip.MustParseAddr("::ffff:1.0.0.10")); !ok || info.Country != "AU" {
		t.Errorf("v4-mapped lookup: got %+v, %v", info, ok)
	}
}

func TestLookupV6(t *testing.T) {
	m := loadSample(t)
	// The sample's v6 row covers 2600:1f18:: through 2600:1f18::fff.
	addr := netip.AddrFrom16([16]byte{0x26, 0x00, 0x1f, 0x18, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x08, 0x00})
	if info, ok := m.Lookup(addr); !ok || info.Country != "DE" {
		t.Errorf("v6 lookup: got %+v, %v", info, ok)
	}
	if _, ok := m.Lookup(netip.MustParseAddr("2001:db8::1")); ok {
		t.Error("expected a miss for an uncovered v6 address")
	}
}

func TestLoadFromURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipped(t, sampleCSV))
	}))
	defer srv.Close()

	m, err := LoadFromURLs(testContext(t), srv.Client(), []string{srv.URL})
	if err != nil {
		t.Fatalf("LoadFromURLs: %v", err)
	}
	if m.Len() != 4 {
		t.Errorf("Len: got %d, want 4", m.Len())
	}
}

func TestLoadFromURLsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := LoadFromURLs(testContext(t), srv.Client(), []string{srv.URL}); err == nil {
		t.Error("expected an error for a non-200 response")
	}
}

func TestHaversineDistance(t *testing.T) {
	stockholm := LatLong{59.3294, 18.0687}
	berlin := LatLong{52.5200, 13.4050}
	sydney := LatLong{-33.8688, 151.2093}

	if d := stockholm.HaversineDistance(stockholm); d != 0 {
		t.Errorf("zero distance: got %f", d)
	}
	near := stockholm.HaversineDistance(berlin)
	far := stockholm.HaversineDistance(sydney)
	if near >= far {
		t.Errorf("expected Berlin (%f) closer than Sydney (%f)", near, far)
	}
	if d := stockholm.HaversineDistance(berlin); math.Abs(d-berlin.HaversineDistance(stockholm)) > 1e-12 {
		t.Error("distance must be symmetric")
	}
}

// testContext mirrors t.Context() from Go 1.24: a context canceled at test cleanup.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
