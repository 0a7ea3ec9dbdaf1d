package push

import (
	"log/slog"
	"sync"
)

var (
	sharedMu sync.Mutex
	shared   *Transport
)

// Shared returns the process-wide transport, constructing it from cfg on the
// first call. Later calls return the same instance and ignore cfg.
func Shared(cfg Config, logger *slog.Logger) *Transport {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(cfg, logger)
	}
	return shared
}

// resetShared drops the process-wide transport. Tests only.
func resetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		shared.Close()
	}
	shared = nil
}
