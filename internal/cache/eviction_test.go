package cache

import "testing"

func cachedEntry(path string, size int64, priority Priority) *Entry {
	e := NewEntry(path, size).WithPriority(priority)
	e.StartCaching(size)
	e.CompleteCaching(size, "")
	return e
}

func TestRecencyPolicy_SelectsLeastRecentlyUsedFirst(t *testing.T) {
	t.Parallel()

	p := NewRecencyPolicy()
	entries := map[string]*Entry{
		"a": cachedEntry("a", 100, PriorityNormal),
		"b": cachedEntry("b", 100, PriorityNormal),
		"c": cachedEntry("c", 100, PriorityNormal),
	}
	p.OnInsert("a")
	p.OnInsert("b")
	p.OnInsert("c")
	// SelectVictims ranks by each entry's LRU score, not by these hooks;
	// "a" was created and cached first, so its last access is oldest.
	p.OnAccess("b")
	p.OnAccess("c")

	victims := p.SelectVictims(entries, 100)
	if len(victims) == 0 || victims[0] != "a" {
		t.Errorf("SelectVictims()[0] = %v, want %q", victims, "a")
	}
}

func TestRecencyPolicy_SkipsCriticalAndProtected(t *testing.T) {
	t.Parallel()

	p := NewRecencyPolicy()
	entries := map[string]*Entry{
		"critical": cachedEntry("critical", 100, PriorityCritical),
		"pinned":   cachedEntry("pinned", 100, PriorityNormal),
		"normal":   cachedEntry("normal", 100, PriorityNormal),
	}
	p.Protect("pinned")

	victims := p.SelectVictims(entries, 1000)
	for _, v := range victims {
		if v == "critical" || v == "pinned" {
			t.Errorf("SelectVictims() included protected/critical path %q", v)
		}
	}
	if len(victims) != 1 || victims[0] != "normal" {
		t.Errorf("SelectVictims() = %v, want [normal]", victims)
	}
}

func TestRecencyPolicy_SkipsInProgress(t *testing.T) {
	t.Parallel()

	p := NewRecencyPolicy()
	inProgress := NewEntry("inflight", 100)
	inProgress.StartCaching(100)

	entries := map[string]*Entry{
		"inflight": inProgress,
		"done":     cachedEntry("done", 100, PriorityNormal),
	}

	victims := p.SelectVictims(entries, 1000)
	for _, v := range victims {
		if v == "inflight" {
			t.Fatal("SelectVictims() selected an entry that is still caching")
		}
	}
}

func TestFrequencyPolicy_SelectsLeastFrequentlyUsedFirst(t *testing.T) {
	t.Parallel()

	p := NewFrequencyPolicy()
	entries := map[string]*Entry{
		"hot":  cachedEntry("hot", 100, PriorityNormal),
		"cold": cachedEntry("cold", 100, PriorityNormal),
	}
	p.OnInsert("hot")
	p.OnInsert("cold")
	p.OnAccess("hot")
	p.OnAccess("hot")
	p.OnAccess("hot")

	victims := p.SelectVictims(entries, 100)
	if len(victims) == 0 || victims[0] != "cold" {
		t.Errorf("SelectVictims()[0] = %v, want %q", victims, "cold")
	}
}

func TestArcPolicy_PromotesOnSecondAccess(t *testing.T) {
	t.Parallel()

	p := NewArcPolicy(8)
	p.OnInsert("a")
	if !p.t1.contains("a") {
		t.Fatal("expected a freshly inserted path to live in T1")
	}

	p.OnAccess("a")
	if p.t1.contains("a") {
		t.Error("expected a re-accessed path to leave T1")
	}
	if !p.t2.contains("a") {
		t.Error("expected a re-accessed path to be promoted into T2")
	}
}

func TestArcPolicy_GhostHitAdaptsTarget(t *testing.T) {
	t.Parallel()

	p := NewArcPolicy(8)
	p.OnInsert("a")
	p.OnRemove("a") // moves a into b1 ghost list

	if !p.b1.contains("a") {
		t.Fatal("expected removed T1 entry to land in the B1 ghost ring")
	}

	before := p.target
	p.OnAccess("a") // ghost hit in b1
	if p.target <= before {
		t.Errorf("target after B1 ghost hit = %d, want > %d", p.target, before)
	}
	if !p.t2.contains("a") {
		t.Error("expected a B1 ghost hit to land the path back in T2")
	}
}

func TestNewEvictionPolicy_Factory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want interface{}
	}{
		{"recency", &RecencyPolicy{}},
		{"frequency", &FrequencyPolicy{}},
		{"adaptive-replacement", &ArcPolicy{}},
		{"unknown-default-recency", &RecencyPolicy{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewEvictionPolicy(tt.name, 16)
			switch tt.want.(type) {
			case *RecencyPolicy:
				if _, ok := policy.(*RecencyPolicy); !ok {
					t.Errorf("NewEvictionPolicy(%q) = %T, want *RecencyPolicy", tt.name, policy)
				}
			case *FrequencyPolicy:
				if _, ok := policy.(*FrequencyPolicy); !ok {
					t.Errorf("NewEvictionPolicy(%q) = %T, want *FrequencyPolicy", tt.name, policy)
				}
			case *ArcPolicy:
				if _, ok := policy.(*ArcPolicy); !ok {
					t.Errorf("NewEvictionPolicy(%q) = %T, want *ArcPolicy", tt.name, policy)
				}
			}
		})
	}
}
