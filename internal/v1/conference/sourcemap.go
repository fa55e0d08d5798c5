package conference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// Source validation errors. Validation failures have no side effects.
var (
	ErrSSRCConflict   = errors.New("ssrc already in use in this conference")
	ErrNameConflict   = errors.New("source name already in use in this conference")
	ErrSSRCLimit      = errors.New("too many ssrcs for one participant")
	ErrSSRCGroupLimit = errors.New("too many ssrc groups for one participant")
	ErrSenderLimit    = errors.New("sender limit for this media type reached")
	ErrForceMuted     = errors.New("participant is force-muted in this media type")
)

// SourceLimits are the per-participant validation caps.
type SourceLimits struct {
	MaxSSRCsPerUser      int
	MaxSSRCGroupsPerUser int
}

// SourceMap is the conference-wide source registry. It enforces that the
// union of all participants' sources is disjoint by ssrc and by name.
// Mutations happen on the conference executor; the lock covers the snapshot
// reads invite goroutines take.
type SourceMap struct {
	mu      sync.RWMutex
	byOwner map[types.EndpointID]*jingle.SourceSet
	ssrcs   map[uint32]types.EndpointID
	names   map[string]types.EndpointID
}

func NewSourceMap() *SourceMap {
	return &SourceMap{
		byOwner: make(map[types.EndpointID]*jingle.SourceSet),
		ssrcs:   make(map[uint32]types.EndpointID),
		names:   make(map[string]types.EndpointID),
	}
}

// Add validates a source-add against the whole conference and commits it.
// On error nothing is modified.
func (m *SourceMap) Add(owner types.EndpointID, add *jingle.SourceSet, limits SourceLimits) error {
	if add == nil || add.IsEmpty() {
		return nil
	}
	if err := add.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, src := range add.Sources() {
		if holder, taken := m.ssrcs[src.SSRC]; taken && holder != owner {
			return fmt.Errorf("ssrc %d held by %s: %w", src.SSRC, holder, ErrSSRCConflict)
		}
		if src.Name != "" {
			if holder, taken := m.names[src.Name]; taken && holder != owner {
				return fmt.Errorf("name %q held by %s: %w", src.Name, holder, ErrNameConflict)
			}
		}
	}

	current := m.byOwner[owner]
	currentLen, currentGroups := 0, 0
	if current != nil {
		currentLen, currentGroups = current.Len(), current.GroupLen()
	}
	if limits.MaxSSRCsPerUser > 0 && currentLen+add.Len() > limits.MaxSSRCsPerUser {
		return ErrSSRCLimit
	}
	if limits.MaxSSRCGroupsPerUser > 0 && currentGroups+add.GroupLen() > limits.MaxSSRCGroupsPerUser {
		return ErrSSRCGroupLimit
	}

	if current == nil {
		current = &jingle.SourceSet{}
		m.byOwner[owner] = current
	}
	current.AddAll(add)
	for _, src := range add.Sources() {
		m.ssrcs[src.SSRC] = owner
		if src.Name != "" {
			m.names[src.Name] = owner
		}
	}
	return nil
}

// Remove drops the given sources from owner and returns what was actually
// removed (unknown ssrcs are ignored).
func (m *SourceMap) Remove(owner types.EndpointID, remove *jingle.SourceSet) *jingle.SourceSet {
	removed := &jingle.SourceSet{}
	if remove == nil || remove.IsEmpty() {
		return removed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.byOwner[owner]
	if current == nil {
		return removed
	}
	for _, src := range remove.Sources() {
		owned, ok := current.Get(src.SSRC)
		if !ok {
			continue
		}
		removed.Add(owned)
		current.Remove(src.SSRC)
		delete(m.ssrcs, src.SSRC)
		if owned.Name != "" {
			delete(m.names, owned.Name)
		}
	}
	if current.IsEmpty() {
		delete(m.byOwner, owner)
	}
	return removed
}

// RemoveOwner drops everything a participant advertised; sources die with
// their owner.
func (m *SourceMap) RemoveOwner(owner types.EndpointID) *jingle.SourceSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.byOwner[owner]
	if current == nil {
		return &jingle.SourceSet{}
	}
	delete(m.byOwner, owner)
	for _, src := range current.Sources() {
		delete(m.ssrcs, src.SSRC)
		if src.Name != "" {
			delete(m.names, src.Name)
		}
	}
	return current
}

// Of returns a copy of one participant's sources.
func (m *SourceMap) Of(owner types.EndpointID) *jingle.SourceSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if set, ok := m.byOwner[owner]; ok {
		return set.Clone()
	}
	return &jingle.SourceSet{}
}

// Snapshot copies the whole map keyed by owner, for offer building.
func (m *SourceMap) Snapshot(exclude types.EndpointID) map[string]*jingle.SourceSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*jingle.SourceSet, len(m.byOwner))
	for owner, set := range m.byOwner {
		if owner == exclude {
			continue
		}
		out[string(owner)] = set.Clone()
	}
	return out
}

// SenderCount counts participants currently advertising at least one source
// of the given media type.
func (m *SourceMap) SenderCount(media types.MediaType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.byOwner {
		if set.MediaCount(media) > 0 {
			n++
		}
	}
	return n
}

// OwnerOf reports which participant holds an ssrc.
func (m *SourceMap) OwnerOf(ssrc uint32) (types.EndpointID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.ssrcs[ssrc]
	return owner, ok
}
