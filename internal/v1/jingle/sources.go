package jingle

import (
	"fmt"
	"sort"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// Source is one media stream description. Within a conference a source is
// owned by exactly one participant and its SSRC is globally unique.
type Source struct {
	SSRC      uint32
	MediaType types.MediaType
	// Name is the signaled source name, unique per conference when present.
	Name string
	// MSID ties the source to a client-side MediaStream.
	MSID string
	// VideoType distinguishes camera from desktop capture; empty for audio.
	VideoType string
}

// SSRCGroup ties several SSRCs together (simulcast, FID retransmission).
type SSRCGroup struct {
	Semantics string
	SSRCs     []uint32
}

// SourceSet is one participant's sources and groups. The zero value is ready
// to use. SourceSet is not safe for concurrent use; owners serialize access.
type SourceSet struct {
	sources map[uint32]Source
	groups  []SSRCGroup
}

// NewSourceSet builds a set from the given sources.
func NewSourceSet(sources ...Source) *SourceSet {
	s := &SourceSet{}
	for _, src := range sources {
		s.Add(src)
	}
	return s
}

// Add inserts or replaces the source with the same SSRC.
func (s *SourceSet) Add(src Source) {
	if s.sources == nil {
		s.sources = make(map[uint32]Source)
	}
	s.sources[src.SSRC] = src
}

// AddGroup records an SSRC group.
func (s *SourceSet) AddGroup(g SSRCGroup) {
	s.groups = append(s.groups, g)
}

// Remove drops the source with the given SSRC and every group referencing it.
// Returns the removed source and whether it existed.
func (s *SourceSet) Remove(ssrc uint32) (Source, bool) {
	src, ok := s.sources[ssrc]
	if !ok {
		return Source{}, false
	}
	delete(s.sources, ssrc)

	kept := s.groups[:0]
	for _, g := range s.groups {
		references := false
		for _, member := range g.SSRCs {
			if member == ssrc {
				references = true
				break
			}
		}
		if !references {
			kept = append(kept, g)
		}
	}
	s.groups = kept
	return src, true
}

// Get looks up a source by SSRC.
func (s *SourceSet) Get(ssrc uint32) (Source, bool) {
	src, ok := s.sources[ssrc]
	return src, ok
}

// Has reports whether the SSRC is present.
func (s *SourceSet) Has(ssrc uint32) bool {
	_, ok := s.sources[ssrc]
	return ok
}

// HasName reports whether any source carries the given name.
func (s *SourceSet) HasName(name string) bool {
	if name == "" {
		return false
	}
	for _, src := range s.sources {
		if src.Name == name {
			return true
		}
	}
	return false
}

// Sources returns the sources ordered by SSRC for deterministic signaling.
func (s *SourceSet) Sources() []Source {
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}

// Groups returns the recorded SSRC groups.
func (s *SourceSet) Groups() []SSRCGroup {
	out := make([]SSRCGroup, len(s.groups))
	copy(out, s.groups)
	return out
}

// MediaCount counts sources of one media type.
func (s *SourceSet) MediaCount(media types.MediaType) int {
	n := 0
	for _, src := range s.sources {
		if src.MediaType == media {
			n++
		}
	}
	return n
}

// Len returns the number of sources.
func (s *SourceSet) Len() int {
	return len(s.sources)
}

// GroupLen returns the number of SSRC groups.
func (s *SourceSet) GroupLen() int {
	return len(s.groups)
}

// IsEmpty reports whether the set has neither sources nor groups.
func (s *SourceSet) IsEmpty() bool {
	return len(s.sources) == 0 && len(s.groups) == 0
}

// Clone returns an independent copy.
func (s *SourceSet) Clone() *SourceSet {
	out := &SourceSet{}
	for _, src := range s.sources {
		out.Add(src)
	}
	for _, g := range s.groups {
		members := make([]uint32, len(g.SSRCs))
		copy(members, g.SSRCs)
		out.AddGroup(SSRCGroup{Semantics: g.Semantics, SSRCs: members})
	}
	return out
}

// AddAll merges every source and group from other into s.
func (s *SourceSet) AddAll(other *SourceSet) {
	if other == nil {
		return
	}
	for _, src := range other.Sources() {
		s.Add(src)
	}
	for _, g := range other.Groups() {
		s.AddGroup(g)
	}
}

// RemoveAll drops every SSRC present in other. Returns the sources actually
// removed.
func (s *SourceSet) RemoveAll(other *SourceSet) *SourceSet {
	removed := &SourceSet{}
	if other == nil {
		return removed
	}
	for _, src := range other.Sources() {
		if got, ok := s.Remove(src.SSRC); ok {
			removed.Add(got)
		}
	}
	return removed
}

// StripSimulcast removes simulcast (SIM) groups and their secondary SSRCs,
// keeping the primary layer of each group. FID groups whose members vanished
// are dropped with them.
func (s *SourceSet) StripSimulcast() {
	var secondaries []uint32
	kept := s.groups[:0]
	for _, g := range s.groups {
		if g.Semantics == "SIM" && len(g.SSRCs) > 1 {
			secondaries = append(secondaries, g.SSRCs[1:]...)
			continue
		}
		kept = append(kept, g)
	}
	s.groups = kept
	for _, ssrc := range secondaries {
		s.Remove(ssrc)
	}
}

// Validate rejects structurally bad sets: zero SSRCs, unknown media types,
// or groups referencing SSRCs not in the set.
func (s *SourceSet) Validate() error {
	for ssrc, src := range s.sources {
		if ssrc == 0 {
			return fmt.Errorf("source ssrc cannot be zero")
		}
		if !src.MediaType.Valid() {
			return fmt.Errorf("source %d: %w", ssrc, types.ErrUnknownMediaType)
		}
	}
	for _, g := range s.groups {
		for _, member := range g.SSRCs {
			if _, ok := s.sources[member]; !ok {
				return fmt.Errorf("group %s references unknown ssrc %d", g.Semantics, member)
			}
		}
	}
	return nil
}
