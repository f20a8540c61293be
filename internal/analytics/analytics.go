// Package analytics appends periodic aggregate snapshots of the host
// registry to a CSV file.
package analytics

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/registry"
)

const header = "timestamp,total,countries\n"

// Writer appends one row per interval: an RFC 3339 timestamp, the number of
// published worlds, and per-country counts as "CC:n;CC:n" sorted by code.
type Writer struct {
	Path     string
	Snapshot func() registry.Snapshot
	Clock    clock.Clock
}

func NewWriter(path string, snapshot func() registry.Snapshot) *Writer {
	return &Writer{Path: path, Snapshot: snapshot, Clock: clock.New()}
}

// Run appends a row every interval until ctx is done. A zero interval
// disables analytics entirely.
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		obs.Info("analytics disabled by request", nil)
		return
	}
	obs.Info("starting analytics system", obs.Fields{"interval": interval.String(), "path": w.Path})
	ticker := w.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				obs.Error("failed to update analytics", obs.Fields{"err": err.Error(), "path": w.Path})
			}
		}
	}
}

// Flush appends a single snapshot row, creating the file and header first
// when needed.
func (w *Writer) Flush() error {
	if err := w.ensureHeader(); err != nil {
		return err
	}
	snap := w.Snapshot()

	f, err := os.OpenFile(w.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	row := fmt.Sprintf("%s,%d,%s\n",
		w.Clock.Now().Format(time.RFC3339),
		snap.Total,
		countryString(snap.ByCountry),
	)
	if _, err := f.WriteString(row); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) ensureHeader() error {
	stat, err := os.Stat(w.Path)
	if err == nil && stat.Size() > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	obs.Info("creating new analytics file", obs.Fields{"path": w.Path})
	return os.WriteFile(w.Path, []byte(header), 0o644)
}

func countryString(byCountry map[string]int) string {
	codes := make([]string, 0, len(byCountry))
	for code := range byCountry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	parts := make([]string, len(codes))
	for i, code := range codes {
		parts[i] = fmt.Sprintf("%s:%d", code, byCountry[code])
	}
	return strings.Join(parts, ";")
}
