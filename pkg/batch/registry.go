package batch

import (
	"sync"

	"github.com/fluxorio/buildqueue/pkg/core"
)

// Registry hands out one shared processor per key, typically the location
// of the tool its payloads wrap.
type Registry[P any] struct {
	logger core.Logger

	mu         sync.Mutex
	processors map[string]*Processor[P]
}

// NewRegistry creates an empty registry.
func NewRegistry[P any](logger core.Logger) *Registry[P] {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Registry[P]{logger: logger, processors: make(map[string]*Processor[P])}
}

// Get returns the processor registered under key, calling create to make it
// on first use.
func (r *Registry[P]) Get(key string, create func() *Processor[P]) *Processor[P] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.processors[key]; ok {
		return p
	}
	r.logger.Infof("batch processor for %s created", key)
	p := create()
	r.processors[key] = p
	return p
}

// Each calls fn for every registered processor.
func (r *Registry[P]) Each(fn func(key string, p *Processor[P])) {
	r.mu.Lock()
	snapshot := make(map[string]*Processor[P], len(r.processors))
	for k, p := range r.processors {
		snapshot[k] = p
	}
	r.mu.Unlock()

	for k, p := range snapshot {
		fn(k, p)
	}
}
