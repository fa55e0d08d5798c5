package jingle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

func TestSourceSet_AddRemove(t *testing.T) {
	set := NewSourceSet(
		Source{SSRC: 1001, MediaType: types.MediaTypeAudio, Name: "p1-a0"},
		Source{SSRC: 2001, MediaType: types.MediaTypeVideo, Name: "p1-v0"},
	)

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Has(1001))
	assert.True(t, set.HasName("p1-v0"))
	assert.False(t, set.HasName("p2-v0"))

	removed, ok := set.Remove(1001)
	require.True(t, ok)
	assert.Equal(t, "p1-a0", removed.Name)
	assert.False(t, set.Has(1001))

	_, ok = set.Remove(1001)
	assert.False(t, ok, "second remove must be a no-op")
	assert.Equal(t, 1, set.Len())
}

func TestSourceSet_RemoveDropsReferencingGroups(t *testing.T) {
	set := NewSourceSet(
		Source{SSRC: 2001, MediaType: types.MediaTypeVideo},
		Source{SSRC: 2002, MediaType: types.MediaTypeVideo},
	)
	set.AddGroup(SSRCGroup{Semantics: "FID", SSRCs: []uint32{2001, 2002}})

	_, ok := set.Remove(2002)
	require.True(t, ok)
	assert.Empty(t, set.Groups(), "group referencing the removed ssrc must go with it")
}

func TestSourceSet_SourcesOrderedBySSRC(t *testing.T) {
	set := NewSourceSet(
		Source{SSRC: 30, MediaType: types.MediaTypeVideo},
		Source{SSRC: 10, MediaType: types.MediaTypeAudio},
		Source{SSRC: 20, MediaType: types.MediaTypeVideo},
	)

	var got []uint32
	for _, src := range set.Sources() {
		got = append(got, src.SSRC)
	}
	assert.Equal(t, []uint32{10, 20, 30}, got)
}

func TestSourceSet_MediaCount(t *testing.T) {
	set := NewSourceSet(
		Source{SSRC: 1, MediaType: types.MediaTypeAudio},
		Source{SSRC: 2, MediaType: types.MediaTypeVideo},
		Source{SSRC: 3, MediaType: types.MediaTypeVideo},
	)

	assert.Equal(t, 1, set.MediaCount(types.MediaTypeAudio))
	assert.Equal(t, 2, set.MediaCount(types.MediaTypeVideo))
}

func TestSourceSet_CloneIsIndependent(t *testing.T) {
	set := NewSourceSet(Source{SSRC: 1, MediaType: types.MediaTypeAudio})
	set.AddGroup(SSRCGroup{Semantics: "SIM", SSRCs: []uint32{1}})

	clone := set.Clone()
	clone.Add(Source{SSRC: 2, MediaType: types.MediaTypeVideo})
	clone.Remove(1)

	assert.True(t, set.Has(1))
	assert.False(t, set.Has(2))
	assert.Len(t, set.Groups(), 1)
}

func TestSourceSet_StripSimulcast(t *testing.T) {
	set := NewSourceSet(
		Source{SSRC: 100, MediaType: types.MediaTypeVideo},
		Source{SSRC: 101, MediaType: types.MediaTypeVideo},
		Source{SSRC: 102, MediaType: types.MediaTypeVideo},
		Source{SSRC: 200, MediaType: types.MediaTypeVideo},
	)
	set.AddGroup(SSRCGroup{Semantics: "SIM", SSRCs: []uint32{100, 101, 102}})
	set.AddGroup(SSRCGroup{Semantics: "FID", SSRCs: []uint32{100, 200}})

	set.StripSimulcast()

	assert.True(t, set.Has(100), "primary simulcast layer survives")
	assert.False(t, set.Has(101))
	assert.False(t, set.Has(102))
	require.Len(t, set.Groups(), 1)
	assert.Equal(t, "FID", set.Groups()[0].Semantics)
}

func TestSourceSet_Validate(t *testing.T) {
	tests := []struct {
		name    string
		build   func() *SourceSet
		wantErr bool
	}{
		{
			name: "valid",
			build: func() *SourceSet {
				s := NewSourceSet(Source{SSRC: 1, MediaType: types.MediaTypeAudio})
				return s
			},
		},
		{
			name: "zero ssrc",
			build: func() *SourceSet {
				return NewSourceSet(Source{SSRC: 0, MediaType: types.MediaTypeAudio})
			},
			wantErr: true,
		},
		{
			name: "unknown media",
			build: func() *SourceSet {
				return NewSourceSet(Source{SSRC: 1, MediaType: "application"})
			},
			wantErr: true,
		},
		{
			name: "group references unknown ssrc",
			build: func() *SourceSet {
				s := NewSourceSet(Source{SSRC: 1, MediaType: types.MediaTypeVideo})
				s.AddGroup(SSRCGroup{Semantics: "FID", SSRCs: []uint32{1, 2}})
				return s
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build().Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSourceSet_AddAllRemoveAll(t *testing.T) {
	set := NewSourceSet(Source{SSRC: 1, MediaType: types.MediaTypeAudio})
	other := NewSourceSet(
		Source{SSRC: 2, MediaType: types.MediaTypeVideo},
		Source{SSRC: 3, MediaType: types.MediaTypeVideo},
	)

	set.AddAll(other)
	assert.Equal(t, 3, set.Len())

	removed := set.RemoveAll(other)
	assert.Equal(t, 2, removed.Len())
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Has(1))
}
