package realtime

import (
	"log/slog"
	"sync"
)

var (
	sharedMu sync.Mutex
	shared   *Coordinator
)

// Shared returns the process-wide coordinator, building it on the first
// call. Later calls return the same instance and ignore their arguments.
func Shared(cfg Config, pushT PushTransport, pullT PullTransport, logger *slog.Logger) *Coordinator {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(cfg, pushT, pullT, logger)
	}
	return shared
}

// resetShared drops the process-wide coordinator. Tests only.
func resetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared != nil {
		shared.Close()
	}
	shared = nil
}
