package hydrate

import "sync"

// IDPool tracks "ResourceType/id" keys already written for one task's
// output type, so a task doesn't redundantly re-download a resource that a
// previous run (or a concurrent worker resolving a different reference to
// the same target) has already fetched.
type IDPool struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newIDPool(seed map[string]bool) *IDPool {
	if seed == nil {
		seed = map[string]bool{}
	}
	return &IDPool{seen: seed}
}

// Has reports whether key is already in the pool.
func (p *IDPool) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[key]
}

// Add records key as resolved.
func (p *IDPool) Add(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[key] = true
}
