// Package ipinfo maps remote addresses to a country code and a coarse
// location, loaded from numeric GeoLite2 city CSV files (gzip-compressed,
// fetched over HTTP at startup).
package ipinfo

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/netip"
	"sort"

	"github.com/worldhost/world-host-server/internal/obs"
)

// LatLong is a coarse geographic position in degrees.
type LatLong struct {
	Lat  float64
	Long float64
}

// HaversineDistance returns the central angle between two positions, in
// radians. Only relative comparisons matter, so the earth radius is omitted.
func (l LatLong) HaversineDistance(other LatLong) float64 {
	x1 := l.Lat * math.Pi / 180
	y1 := l.Long * math.Pi / 180
	x2 := other.Lat * math.Pi / 180
	y2 := other.Long * math.Pi / 180

	a := math.Pow(math.Sin((x2-x1)/2), 2) +
		math.Cos(x1)*math.Cos(x2)*math.Pow(math.Sin((y2-y1)/2), 2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Info is what the map knows about one address.
type Info struct {
	Country  string
	Location LatLong
}

type v4Range struct {
	start, end uint32
	info       Info
}

type v6Range struct {
	start, end [16]byte
	info       Info
}

// Map holds sorted, non-overlapping address ranges for IPv4 and IPv6.
type Map struct {
	v4 []v4Range
	v6 []v6Range
}

// Len reports the total number of loaded ranges.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.v4) + len(m.v6)
}

// Lookup returns the info for addr, if any range covers it.
func (m *Map) Lookup(addr netip.Addr) (Info, bool) {
	if m == nil {
		return Info{}, false
	}
	if addr.Is4() || addr.Is4In6() {
		key := ipv4Key(addr)
		i := sort.Search(len(m.v4), func(i int) bool { return m.v4[i].end >= key })
		if i < len(m.v4) && m.v4[i].start <= key {
			return m.v4[i].info, true
		}
		return Info{}, false
	}
	key := addr.As16()
	i := sort.Search(len(m.v6), func(i int) bool { return compare16(m.v6[i].end, key) >= 0 })
	if i < len(m.v6) && compare16(m.v6[i].start, key) <= 0 {
		return m.v6[i].info, true
	}
	return Info{}, false
}

func ipv4Key(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func compare16(a, b [16]byte) int {
	for i := 0; i < 16; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// LoadFromURLs downloads each gzip-compressed CSV and merges the ranges into
// one map. A nil client uses http.DefaultClient.
func LoadFromURLs(ctx context.Context, client *http.Client, urls []string) (*Map, error) {
	if client == nil {
		client = http.DefaultClient
	}
	m := &Map{}
	for _, url := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("ipinfo: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("ipinfo: fetch %s: %w", url, err)
		}
		err = func() error {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("ipinfo: fetch %s: status %s", url, resp.Status)
			}
			return m.loadCompressed(resp.Body)
		}()
		if err != nil {
			return nil, err
		}
	}
	m.finish()
	return m, nil
}

func (m *Map) loadCompressed(r io.Reader) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("ipinfo: %w", err)
	}
	defer gz.Close()
	return m.loadCSV(gz)
}

func (m *Map) loadCSV(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ipinfo: read record: %w", err)
		}
		if err := m.addRecord(record); err != nil {
			obs.Error("failed to parse ip info record", obs.Fields{"err": err.Error()})
		}
	}
}

var maxV4 = new(big.Int).SetUint64(math.MaxUint32)

// Record layout: numeric range start, range end, ISO country code, then four
// unused columns, then latitude and longitude. Rows missing a location are
// skipped.
func (m *Map) addRecord(record []string) error {
	if len(record) < 9 || record[7] == "" || record[8] == "" {
		return nil
	}
	start, ok := new(big.Int).SetString(record[0], 10)
	if !ok {
		return fmt.Errorf("bad range start %q", record[0])
	}
	end, ok := new(big.Int).SetString(record[1], 10)
	if !ok {
		return fmt.Errorf("bad range end %q", record[1])
	}
	country := record[2]
	if len(country) != 2 {
		return fmt.Errorf("bad country code %q", country)
	}
	var loc LatLong
	if _, err := fmt.Sscanf(record[7], "%f", &loc.Lat); err != nil {
		return fmt.Errorf("bad latitude %q", record[7])
	}
	if _, err := fmt.Sscanf(record[8], "%f", &loc.Long); err != nil {
		return fmt.Errorf("bad longitude %q", record[8])
	}
	info := Info{Country: country, Location: loc}

	if end.Cmp(maxV4) < 0 {
		m.v4 = append(m.v4, v4Range{
			start: uint32(start.Uint64()),
			end:   uint32(end.Uint64()),
			info:  info,
		})
		return nil
	}
	if start.BitLen() > 128 || end.BitLen() > 128 {
		return fmt.Errorf("range %s-%s does not fit an address", record[0], record[1])
	}
	var v6 v6Range
	start.FillBytes(v6.start[:])
	end.FillBytes(v6.end[:])
	v6.info = info
	m.v6 = append(m.v6, v6)
	return nil
}

func (m *Map) finish() {
	sort.Slice(m.v4, func(i, j int) bool { return m.v4[i].start < m.v4[j].start })
	sort.Slice(m.v6, func(i, j int) bool { return compare16(m.v6[i].start, m.v6[j].start) < 0 })
}
