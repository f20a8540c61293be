package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/worldhost/world-host-server/internal/obs"
)

// Directory is the cross-instance view of published keys. Claim takes the
// key over from any prior holder, mirroring the registry's last-writer-wins
// replacement; it fails only on infrastructure errors.
type Directory interface {
	Claim(ctx context.Context, key string, owner uuid.UUID) error
	Release(ctx context.Context, key string)
	// StartMaintenance keeps this instance's claims alive until ctx is done.
	StartMaintenance(ctx context.Context, keys func() []string)
	Close() error
}

type noopDirectory struct{}

// NoopDirectory is the single-instance directory: every claim succeeds.
func NoopDirectory() Directory { return noopDirectory{} }

func (noopDirectory) Claim(context.Context, string, uuid.UUID) error    { return nil }
func (noopDirectory) Release(context.Context, string)                   {}
func (noopDirectory) StartMaintenance(context.Context, func() []string) {}
func (noopDirectory) Close() error                                      { return nil }

// NewDirectory creates either a single-instance or Redis-backed directory
// based on configuration.
func NewDirectory(redisAddr, redisPassword string, redisDB int) (Directory, error) {
	if redisAddr == "" {
		obs.Info("directory backend", obs.Fields{"type": "in-memory"})
		return NoopDirectory(), nil
	}
	obs.Info("directory backend", obs.Fields{"type": "redis", "addr": redisAddr})
	return newRedisDirectory(redisAddr, redisPassword, redisDB)
}
