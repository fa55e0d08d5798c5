package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/colibri"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/conference"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

// stubRoom satisfies conference.ChatRoom without a server.
type stubRoom struct {
	jid xmpp.JID
}

func (r *stubRoom) JID() xmpp.JID                            { return r.jid }
func (r *stubRoom) Nick() string                             { return "focus" }
func (r *stubRoom) Join(context.Context) error               { return nil }
func (r *stubRoom) Leave()                                   {}
func (r *stubRoom) AddListener(xmpp.OccupantListener)        {}
func (r *stubRoom) Occupants() []xmpp.Occupant               { return nil }
func (r *stubRoom) GrantOwner(context.Context, string) error { return nil }

// stubSessions satisfies conference.SessionManager; per-bridge occupancy is
// scripted for the mover tests.
type stubSessions struct {
	mu       sync.Mutex
	onBridge map[xmpp.JID][]types.EndpointID
}

func newStubSessions() *stubSessions {
	return &stubSessions{onBridge: make(map[xmpp.JID][]types.EndpointID)}
}

func (f *stubSessions) Allocate(context.Context, colibri.ParticipantAllocation) (*colibri.Allocation, error) {
	return &colibri.Allocation{BridgeSessionID: "bs", Bridge: "jvb"}, nil
}

func (f *stubSessions) UpdateParticipant(types.EndpointID, *jingle.IceUdpTransport, *jingle.SourceSet, bool) error {
	return nil
}

func (f *stubSessions) Mute([]types.EndpointID, bool, types.MediaType) bool { return true }
func (f *stubSessions) IsForceMuted(types.EndpointID, types.MediaType) bool { return false }
func (f *stubSessions) RemoveParticipant(types.EndpointID)                  {}
func (f *stubSessions) RemoveBridge(xmpp.JID) []types.EndpointID            { return nil }
func (f *stubSessions) Expire()                                             {}
func (f *stubSessions) BridgeSessionID(types.EndpointID) (string, bool)     { return "", false }
func (f *stubSessions) SessionCount() int                                   { return 0 }

func (f *stubSessions) EndpointsOn(jid xmpp.JID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onBridge[jid])
}

func (f *stubSessions) ParticipantsOn(jid xmpp.JID) []types.EndpointID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.EndpointID(nil), f.onBridge[jid]...)
}

type recordingListener struct {
	mu      sync.Mutex
	created []types.RoomID
	ended   []types.RoomID
}

func (l *recordingListener) ConferenceCreated(c *conference.Conference) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, c.Room())
}

func (l *recordingListener) ConferenceEnded(c *conference.Conference) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, c.Room())
}

type storeFixture struct {
	store    *Store
	clk      *testclock.FakeClock
	sessions *stubSessions
	creates  atomic.Int64
}

func newStoreFixture(t *testing.T, mutate func(*config.FocusConfig)) *storeFixture {
	t.Helper()
	cfg := config.DefaultFocusConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f := &storeFixture{
		clk:      testclock.NewFakeClock(time.Now()),
		sessions: newStubSessions(),
	}
	f.store = NewStore(Options{
		Config:   cfg,
		Clock:    f.clk,
		Signaler: &nopSignaler{},
		NewChatRoom: func(room types.RoomID) conference.ChatRoom {
			f.creates.Add(1)
			return &stubRoom{jid: xmpp.JID(room)}
		},
		NewSessions: func(SessionOptions) conference.SessionManager {
			return f.sessions
		},
	})
	t.Cleanup(func() { f.store.Shutdown("test over") })
	return f
}

type nopSignaler struct{}

func (nopSignaler) SendIQ(_ context.Context, iq *xmpp.IQ) (*xmpp.IQ, error) {
	return &xmpp.IQ{ID: iq.ID, Type: xmpp.IQTypeResult}, nil
}

func (nopSignaler) SendIQAsync(iq *xmpp.IQ, cb func(*xmpp.IQ, error)) {
	if cb != nil {
		cb(&xmpp.IQ{ID: iq.ID, Type: xmpp.IQTypeResult}, nil)
	}
}

const room = types.RoomID("orange@conference.example.com")

func TestStore_GetOrCreate_AtMostOneCreator(t *testing.T) {
	f := newStoreFixture(t, nil)

	const callers = 16
	var wg sync.WaitGroup
	var created atomic.Int64
	handles := make([]*conference.Conference, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, isNew, err := f.store.GetOrCreate(context.Background(), room)
			require.NoError(t, err)
			if isNew {
				created.Add(1)
			}
			handles[i] = c
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), created.Load(), "exactly one caller creates")
	assert.Equal(t, int64(1), f.creates.Load(), "one room joined")
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h, "every caller sees the same handle")
	}
	assert.Equal(t, 1, f.store.Count())
}

func TestStore_ConferenceEndedRemovesHandle(t *testing.T) {
	f := newStoreFixture(t, nil)
	listener := &recordingListener{}
	f.store.AddListener(listener)

	c, isNew, err := f.store.GetOrCreate(context.Background(), room)
	require.NoError(t, err)
	require.True(t, isNew)
	listener.mu.Lock()
	assert.Equal(t, []types.RoomID{room}, listener.created)
	listener.mu.Unlock()

	c.Stop("done")
	require.Eventually(t, func() bool {
		_, ok := f.store.Get(room)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.ended) == 1 && listener.ended[0] == room
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStore_PinHonoredUntilExpiry(t *testing.T) {
	f := newStoreFixture(t, nil)

	f.store.Pin(room, "2.1-135", 90*time.Second)
	assert.Equal(t, types.BridgeVersion("2.1-135"), f.store.PinnedVersion(room))
	assert.Len(t, f.store.Pins(), 1)

	f.clk.Step(89 * time.Second)
	assert.Equal(t, types.BridgeVersion("2.1-135"), f.store.PinnedVersion(room))

	f.clk.Step(2 * time.Second)
	assert.Equal(t, types.BridgeVersion(""), f.store.PinnedVersion(room))
	assert.Empty(t, f.store.Pins())
}

func TestStore_UnpinLiftsRestriction(t *testing.T) {
	f := newStoreFixture(t, nil)
	f.store.Pin(room, "2.1-135", time.Hour)
	f.store.Unpin(room)
	assert.Equal(t, types.BridgeVersion(""), f.store.PinnedVersion(room))
}

func TestStore_IdleConferenceExpires(t *testing.T) {
	f := newStoreFixture(t, func(cfg *config.FocusConfig) {
		cfg.Conference.InitialTimeout = 15
	})
	c, _, err := f.store.GetOrCreate(context.Background(), room)
	require.NoError(t, err)

	f.clk.Step(10 * time.Second)
	f.store.sweep()
	assert.Equal(t, conference.StateStarted, c.State(), "young rooms survive the sweep")

	f.clk.Step(6 * time.Second)
	f.store.sweep()
	assert.Equal(t, conference.StateTerminated, c.State())
	require.Eventually(t, func() bool { return f.store.Count() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestStore_MoverChecksBridgePlacement(t *testing.T) {
	f := newStoreFixture(t, nil)
	_, _, err := f.store.GetOrCreate(context.Background(), room)
	require.NoError(t, err)

	f.sessions.mu.Lock()
	f.sessions.onBridge["jvb1.example.com"] = []types.EndpointID{"p1", "p2"}
	f.sessions.mu.Unlock()

	on := f.store.ConferencesOn("jvb1.example.com")
	assert.Equal(t, map[types.RoomID]int{room: 2}, on)
	assert.Empty(t, f.store.ConferencesOn("jvb2.example.com"))

	// p1 sits on jvb1, so a move constrained to jvb2 must refuse.
	err = f.store.MoveEndpoint(room, "p1", "jvb2.example.com")
	assert.Error(t, err)

	assert.ErrorIs(t, f.store.MoveEndpoint("ghost@conference.example.com", "p1", ""),
		ErrConferenceNotFound)
}

func TestStore_RunSweepsOnTick(t *testing.T) {
	f := newStoreFixture(t, nil)
	f.store.Pin(room, "2.3.1", 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.store.Run(ctx)
		close(done)
	}()
	require.Eventually(t, f.clk.HasWaiters, time.Second, time.Millisecond,
		"sweep ticker never armed")

	f.clk.Step(expiryScanInterval + time.Second)
	require.Eventually(t, func() bool { return f.store.PinnedVersion(room) == "" },
		time.Second, time.Millisecond, "lapsed pin survived the sweep")

	cancel()
	<-done
}
