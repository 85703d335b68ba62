package cache

import (
	"container/list"
	"sort"
	"sync"
)

// EvictionPolicy decides which cached paths to sacrifice when the
// cache needs to free space, and tracks whatever per-path bookkeeping
// its strategy needs across accesses, insertions, and removals.
type EvictionPolicy interface {
	// SelectVictims returns paths to remove, in order, until at least
	// neededSpace bytes would be freed (it may return less if the
	// candidate pool is exhausted).
	SelectVictims(entries map[string]*Entry, neededSpace int64) []string
	OnAccess(path string)
	OnInsert(path string)
	OnRemove(path string)
	Protect(path string)
	Unprotect(path string)
}

// eligibleCandidates returns the snapshots of entries that are
// available for eviction under every policy's shared rules: not
// currently being promoted, not pinned, and not critical-priority.
func eligibleCandidates(entries map[string]*Entry, protected map[string]struct{}) []snapshot {
	candidates := make([]snapshot, 0, len(entries))
	for _, e := range entries {
		snap := e.snapshot()
		if snap.status == StatusCaching {
			continue
		}
		if _, pinned := protected[snap.path]; pinned {
			continue
		}
		if snap.priority == PriorityCritical {
			continue
		}
		candidates = append(candidates, snap)
	}
	return candidates
}

func takeUntilFreed(candidates []snapshot, neededSpace int64) []string {
	victims := make([]string, 0, len(candidates))
	var freed int64
	for _, c := range candidates {
		if freed >= neededSpace {
			break
		}
		victims = append(victims, c.path)
		freed += c.size
	}
	return victims
}

// protectedSet is embedded by every policy to share the pin-set logic.
type protectedSet struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

func newProtectedSet() protectedSet {
	return protectedSet{paths: make(map[string]struct{})}
}

func (p *protectedSet) Protect(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths[path] = struct{}{}
}

func (p *protectedSet) Unprotect(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paths, path)
}

func (p *protectedSet) snapshot() map[string]struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]struct{}, len(p.paths))
	for k := range p.paths {
		out[k] = struct{}{}
	}
	return out
}

// RecencyPolicy evicts by LRU score: the longest-idle, lowest-priority,
// least-frequently-accessed entries go first.
type RecencyPolicy struct {
	protectedSet
	mu     sync.Mutex
	order  *list.List
	lookup map[string]*list.Element
}

// NewRecencyPolicy creates an LRU eviction policy.
func NewRecencyPolicy() *RecencyPolicy {
	return &RecencyPolicy{
		protectedSet: newProtectedSet(),
		order:        list.New(),
		lookup:       make(map[string]*list.Element),
	}
}

func (p *RecencyPolicy) SelectVictims(entries map[string]*Entry, neededSpace int64) []string {
	candidates := eligibleCandidates(entries, p.snapshot())
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score // higher score evicted first
	})
	return takeUntilFreed(candidates, neededSpace)
}

func (p *RecencyPolicy) touch(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.lookup[path]; ok {
		p.order.MoveToFront(el)
		return
	}
	p.lookup[path] = p.order.PushFront(path)
}

func (p *RecencyPolicy) OnAccess(path string) { p.touch(path) }
func (p *RecencyPolicy) OnInsert(path string) { p.touch(path) }
func (p *RecencyPolicy) OnRemove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.lookup[path]; ok {
		p.order.Remove(el)
		delete(p.lookup, path)
	}
}

// FrequencyPolicy evicts the least frequently accessed entries first,
// breaking ties by priority then by recency.
type FrequencyPolicy struct {
	protectedSet
	mu     sync.Mutex
	counts map[string]int64
}

// NewFrequencyPolicy creates an LFU eviction policy.
func NewFrequencyPolicy() *FrequencyPolicy {
	return &FrequencyPolicy{
		protectedSet: newProtectedSet(),
		counts:       make(map[string]int64),
	}
}

func (p *FrequencyPolicy) countOf(path string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[path]
}

func (p *FrequencyPolicy) SelectVictims(entries map[string]*Entry, neededSpace int64) []string {
	candidates := eligibleCandidates(entries, p.snapshot())
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		fa, fb := p.countOf(a.path), p.countOf(b.path)
		if fa != fb {
			return fa < fb
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.score > b.score
	})
	return takeUntilFreed(candidates, neededSpace)
}

func (p *FrequencyPolicy) OnAccess(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[path]++
}

func (p *FrequencyPolicy) OnInsert(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[path] = 1
}

func (p *FrequencyPolicy) OnRemove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, path)
}

// ghostRing is a bounded set used by ArcPolicy to remember recently
// evicted paths without their data, tracking ARC's B1/B2 lists.
type ghostRing struct {
	order    *list.List
	lookup   map[string]*list.Element
	capacity int
}

func newGhostRing(capacity int) *ghostRing {
	return &ghostRing{order: list.New(), lookup: make(map[string]*list.Element), capacity: capacity}
}

func (g *ghostRing) setCapacity(capacity int) {
	g.capacity = capacity
	g.trim()
}

func (g *ghostRing) contains(path string) bool {
	_, ok := g.lookup[path]
	return ok
}

func (g *ghostRing) push(path string) {
	if el, ok := g.lookup[path]; ok {
		g.order.MoveToFront(el)
		return
	}
	g.lookup[path] = g.order.PushFront(path)
	g.trim()
}

func (g *ghostRing) remove(path string) bool {
	el, ok := g.lookup[path]
	if !ok {
		return false
	}
	g.order.Remove(el)
	delete(g.lookup, path)
	return true
}

func (g *ghostRing) trim() {
	for g.capacity > 0 && g.order.Len() > g.capacity {
		back := g.order.Back()
		if back == nil {
			return
		}
		g.order.Remove(back)
		delete(g.lookup, back.Value.(string))
	}
}

// liveRing tracks ARC's T1/T2 recency/frequency lists. capacity is
// recorded but not enforced: push never trims, so a live ring holds
// every path inserted into it until OnRemove takes it out.
type liveRing struct {
	order    *list.List
	lookup   map[string]*list.Element
	capacity int
}

func newLiveRing(capacity int) *liveRing {
	return &liveRing{order: list.New(), lookup: make(map[string]*list.Element), capacity: capacity}
}

func (r *liveRing) contains(path string) bool {
	_, ok := r.lookup[path]
	return ok
}

func (r *liveRing) push(path string) {
	if el, ok := r.lookup[path]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.lookup[path] = r.order.PushFront(path)
}

func (r *liveRing) get(path string) {
	if el, ok := r.lookup[path]; ok {
		r.order.MoveToFront(el)
	}
}

func (r *liveRing) remove(path string) bool {
	el, ok := r.lookup[path]
	if !ok {
		return false
	}
	r.order.Remove(el)
	delete(r.lookup, path)
	return true
}

// ArcPolicy is a simplified Adaptive Replacement Cache: T1 holds
// recently-seen paths, T2 holds frequently-seen paths promoted from
// T1, and the ghost lists B1/B2 record recent evictions from each so a
// re-access can adapt the live split between them.
type ArcPolicy struct {
	protectedSet
	mu       sync.Mutex
	t1, t2   *liveRing
	b1, b2   *ghostRing
	target   int
	capacity int
}

// NewArcPolicy creates an ARC eviction policy sized to capacity live
// entries per ring; the ghost rings track the same bound.
func NewArcPolicy(capacity int) *ArcPolicy {
	return &ArcPolicy{
		protectedSet: newProtectedSet(),
		t1:           newLiveRing(capacity),
		t2:           newLiveRing(capacity),
		b1:           newGhostRing(capacity),
		b2:           newGhostRing(capacity),
		capacity:     capacity,
	}
}

func (p *ArcPolicy) SelectVictims(entries map[string]*Entry, neededSpace int64) []string {
	p.mu.Lock()
	inT1 := make(map[string]bool, len(entries))
	for path := range entries {
		inT1[path] = p.t1.contains(path)
	}
	p.mu.Unlock()

	candidates := eligibleCandidates(entries, p.snapshot())
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if inT1[a.path] != inT1[b.path] {
			return inT1[a.path] // T1 members evicted first
		}
		return a.score > b.score
	})
	return takeUntilFreed(candidates, neededSpace)
}

func (p *ArcPolicy) OnAccess(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.t1.remove(path):
		p.t2.push(path)
	case p.t2.contains(path):
		p.t2.get(path)
	case p.b1.remove(path):
		p.t2.push(path)
		if p.target < p.capacity {
			p.target++
		}
	case p.b2.remove(path):
		p.t2.push(path)
		if p.target > 0 {
			p.target--
		}
	}
}

func (p *ArcPolicy) OnInsert(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t1.push(path)
}

func (p *ArcPolicy) OnRemove(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.t1.remove(path) {
		p.b1.push(path)
		return
	}
	if p.t2.remove(path) {
		p.b2.push(path)
	}
}

// NewEvictionPolicy builds the configured eviction strategy. capacity
// bounds ARC's live and ghost ring sizes; the other two policies
// ignore it.
func NewEvictionPolicy(name string, capacity int) EvictionPolicy {
	switch name {
	case "frequency":
		return NewFrequencyPolicy()
	case "adaptive-replacement":
		return NewArcPolicy(capacity)
	default:
		return NewRecencyPolicy()
	}
}
