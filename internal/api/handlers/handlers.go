package handlers

import (
	"context"

	"github.com/bhandras/deltarun/internal/stats"
)

// Runtime is the view of the session runtime the HTTP surface needs.
type Runtime interface {
	IsReadyForConnections() (bool, string)
	ScriptRunsWithoutError(ctx context.Context) (bool, string)
	CachedMessage(hash string) ([]byte, error)
	IsActiveSession(id string) bool
	Stats() []stats.CacheStat
}
