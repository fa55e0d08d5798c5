package conference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/colibri"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/xmpp"
)

const testRoom = types.RoomID("meeting@conference.example.com")

type fixture struct {
	conf     *Conference
	sessions *fakeSessions
	room     *fakeRoom
	sig      *fakeSignaler
	limiter  *fakeLimiter
	clk      *testclock.FakeClock
}

func newFixture(t *testing.T, mutate func(*config.FocusConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultFocusConfig()
	cfg.Conference.MinParticipants = 1
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{
		sessions: newFakeSessions(),
		room:     newFakeRoom(xmpp.JID(testRoom)),
		sig:      &fakeSignaler{},
		limiter:  &fakeLimiter{},
		clk:      testclock.NewFakeClock(time.Now()),
	}
	f.conf = NewConference(Options{
		Room:           testRoom,
		Config:         cfg,
		Conn:           f.sig,
		ChatRoom:       f.room,
		Sessions:       f.sessions,
		RestartLimiter: f.limiter,
		Clock:          f.clk,
	})
	require.NoError(t, f.conf.Start(context.Background()))
	t.Cleanup(func() { f.conf.Stop("test over") })
	return f
}

func (f *fixture) occupantJID(nick string) xmpp.JID {
	return xmpp.JID(testRoom).WithResource(nick)
}

// waitForInitiate blocks until one session-initiate reached the occupant
// and returns its jingle SID.
func (f *fixture) waitForInitiate(t *testing.T, nick string) string {
	t.Helper()
	var sid string
	require.Eventually(t, func() bool {
		offers := f.sig.jinglesByAction(f.occupantJID(nick), jingle.ActionSessionInitiate)
		if len(offers) == 0 {
			return false
		}
		sid = offers[len(offers)-1].SID
		return sid != ""
	}, 2*time.Second, 5*time.Millisecond, "no session-initiate for %s", nick)
	return sid
}

// accept joins an occupant, waits for its offer and acks it, optionally
// with an initial batch of sources.
func (f *fixture) accept(t *testing.T, nick string, sources *jingle.SourceSet) string {
	t.Helper()
	sid := f.waitForInitiate(t, nick)
	var contents []jingle.Content
	if sources != nil {
		contents = jingle.ContentsFromSourceSet(sources, "")
	}
	stanzaErr := f.conf.HandleJingle(f.occupantJID(nick), &jingle.Jingle{
		Action:   jingle.ActionSessionAccept,
		SID:      sid,
		Contents: contents,
	})
	require.Nil(t, stanzaErr)
	return sid
}

func audioSource(ssrc uint32, name string) *jingle.SourceSet {
	return jingle.NewSourceSet(jingle.Source{SSRC: ssrc, MediaType: types.MediaTypeAudio, Name: name})
}

func TestConference_InvitesOnJoin(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))

	sid := f.waitForInitiate(t, "p1")
	assert.NotEmpty(t, sid)
	assert.Equal(t, 1, f.sessions.allocCount())

	offers := f.sig.jinglesByAction(f.occupantJID("p1"), jingle.ActionSessionInitiate)
	require.NotNil(t, offers[0].BridgeSession)
	assert.Equal(t, "bs-1", offers[0].BridgeSession.ID)
	assert.Equal(t, xmpp.JID(testRoom).WithResource("focus").String(), offers[0].Initiator)
}

func TestConference_RegionAndStatsIDFromPresence(t *testing.T) {
	f := newFixture(t, nil)
	o := occupant("p1")
	o.Presence = &xmpp.Presence{
		From: f.occupantJID("p1"),
		Raw: []byte(`<presence from="` + f.occupantJID("p1").String() + `">` +
			`<jitsi_participant_region>eu-west-1</jitsi_participant_region>` +
			`<stats-id>Alice-x1</stats-id></presence>`),
	}
	f.room.join(o)
	f.waitForInitiate(t, "p1")

	// The client's presence hints travel into the bridge allocation.
	assert.Equal(t, types.Region("eu-west-1"), f.sessions.allocRegion("p1"))
	assert.Equal(t, types.StatsID("Alice-x1"), f.sessions.allocStatsID("p1"))
}

func TestConference_DeferredUntilMinParticipants(t *testing.T) {
	f := newFixture(t, func(cfg *config.FocusConfig) {
		cfg.Conference.MinParticipants = 2
	})

	f.room.join(occupant("p1"))
	// Snapshot routes through the executor, so once it returns the join
	// above has been fully processed.
	snap := f.conf.Snapshot(true)
	assert.Equal(t, 1, len(snap.Participants))
	assert.Equal(t, 0, f.sessions.allocCount(), "no invite below the participant floor")

	f.room.join(occupant("p2"))
	f.waitForInitiate(t, "p1")
	f.waitForInitiate(t, "p2")
	assert.Equal(t, 2, f.sessions.allocCount())
}

func TestConference_AutoOwnerGrantedToFirstParticipant(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))

	require.Eventually(t, func() bool {
		f.room.mu.Lock()
		defer f.room.mu.Unlock()
		return len(f.room.granted) == 1 && f.room.granted[0] == "p1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConference_SessionAcceptPropagatesSources(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.room.join(occupant("p2"))

	f.accept(t, "p2", nil)
	f.accept(t, "p1", audioSource(100, "p1-a0"))

	// The bridge saw p1's sources.
	require.Eventually(t, func() bool {
		f.sessions.mu.Lock()
		defer f.sessions.mu.Unlock()
		for _, u := range f.sessions.updates {
			if u.id == "p1" && u.sources != nil && u.sources.Has(100) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The accepted peer got a source-add carrying ssrc 100.
	require.Eventually(t, func() bool {
		for _, j := range f.sig.jinglesByAction(f.occupantJID("p2"), jingle.ActionSourceAdd) {
			set, err := jingle.SourceSetFromContents(j.Contents)
			if err == nil && set.Has(100) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The owner never hears about its own sources.
	assert.Empty(t, f.sig.jinglesByAction(f.occupantJID("p1"), jingle.ActionSourceAdd))
}

func TestConference_SourceDisjointnessEnforced(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.room.join(occupant("p2"))
	f.accept(t, "p1", audioSource(100, "p1-a0"))
	f.accept(t, "p2", nil)

	stanzaErr := f.conf.HandleJingle(f.occupantJID("p2"), &jingle.Jingle{
		Action:   jingle.ActionSourceAdd,
		Contents: jingle.ContentsFromSourceSet(audioSource(100, "p2-a0"), ""),
	})
	require.NotNil(t, stanzaErr, "an ssrc owned by another participant must be rejected")
	assert.Equal(t, xmpp.CondBadRequest, stanzaErr.Condition())

	stanzaErr = f.conf.HandleJingle(f.occupantJID("p2"), &jingle.Jingle{
		Action:   jingle.ActionSourceAdd,
		Contents: jingle.ContentsFromSourceSet(audioSource(200, "p1-a0"), ""),
	})
	require.NotNil(t, stanzaErr, "a source name owned by another participant must be rejected")
	assert.Equal(t, xmpp.CondBadRequest, stanzaErr.Condition())
}

func TestConference_ForceMutedSourceAddRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.room.join(occupant("p2"))
	f.accept(t, "p1", nil)
	f.accept(t, "p2", nil)

	f.sessions.Mute([]types.EndpointID{"p1"}, true, types.MediaTypeAudio)
	updatesBefore := f.sessions.updateCount()

	stanzaErr := f.conf.HandleJingle(f.occupantJID("p1"), &jingle.Jingle{
		Action:   jingle.ActionSourceAdd,
		Contents: jingle.ContentsFromSourceSet(audioSource(300, "p1-a0"), ""),
	})
	require.NotNil(t, stanzaErr)
	assert.Equal(t, xmpp.CondNotAcceptable, stanzaErr.Condition())

	// Nothing changed, nobody was told.
	assert.Equal(t, updatesBefore, f.sessions.updateCount())
	assert.Empty(t, f.sig.jinglesByAction(f.occupantJID("p2"), jingle.ActionSourceAdd))
}

func TestConference_MutePermissions(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(moderator("mod"))
	f.room.join(occupant("p2"))
	f.accept(t, "mod", nil)
	f.accept(t, "p2", nil)

	// A plain participant cannot mute someone else.
	stanzaErr := f.conf.HandleMuteRequest(f.occupantJID("p2"), "mod", true, types.MediaTypeAudio)
	require.NotNil(t, stanzaErr)
	assert.Equal(t, xmpp.CondForbidden, stanzaErr.Condition())

	// A moderator can.
	require.Nil(t, f.conf.HandleMuteRequest(f.occupantJID("mod"), "p2", true, types.MediaTypeAudio))
	assert.True(t, f.conf.IsForceMuted("p2", types.MediaTypeAudio))

	// Force-muted participants cannot lift the mute themselves.
	stanzaErr = f.conf.HandleMuteRequest(f.occupantJID("p2"), "", false, types.MediaTypeAudio)
	require.NotNil(t, stanzaErr)
	assert.Equal(t, xmpp.CondForbidden, stanzaErr.Condition())

	// Muting yourself is always allowed.
	require.Nil(t, f.conf.HandleMuteRequest(f.occupantJID("p2"), "", true, types.MediaTypeVideo))
}

func TestConference_RestartRequestRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	sid := f.accept(t, "p1", nil)

	f.limiter.mu.Lock()
	f.limiter.err = assert.AnError
	f.limiter.mu.Unlock()

	stanzaErr := f.conf.HandleJingle(f.occupantJID("p1"), &jingle.Jingle{
		Action: jingle.ActionSessionTerminate,
		SID:    sid,
		Reason: &jingle.Reason{Condition: "restart"},
	})
	require.NotNil(t, stanzaErr)
	assert.Equal(t, xmpp.CondResourceConstraint, stanzaErr.Condition())
	assert.Empty(t, f.sessions.removedIDs(), "a throttled restart must not touch the session")

	f.limiter.mu.Lock()
	f.limiter.err = nil
	f.limiter.mu.Unlock()

	require.Nil(t, f.conf.HandleJingle(f.occupantJID("p1"), &jingle.Jingle{
		Action: jingle.ActionSessionTerminate,
		SID:    sid,
		Reason: &jingle.Reason{Condition: "restart"},
	}))
	assert.Contains(t, f.sessions.removedIDs(), types.EndpointID("p1"))
	require.Eventually(t, func() bool {
		return f.sessions.allocCount() == 2
	}, 2*time.Second, 5*time.Millisecond, "restart should allocate a fresh bridge session")
}

func TestConference_MemberLeftTearsDownSession(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.room.join(occupant("p2"))
	f.accept(t, "p1", nil)
	f.accept(t, "p2", audioSource(400, "p2-a0"))

	f.room.leave("p2")

	require.Eventually(t, func() bool {
		for _, id := range f.sessions.removedIDs() {
			if id == "p2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The surviving participant is told p2's sources are gone.
	require.Eventually(t, func() bool {
		for _, j := range f.sig.jinglesByAction(f.occupantJID("p1"), jingle.ActionSourceRemove) {
			set, err := jingle.SourceSetFromContents(j.Contents)
			if err == nil && set.Has(400) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateStarted, f.conf.State())
}

func TestConference_LastParticipantLeaving_EndsConference(t *testing.T) {
	ended := make(chan struct{})
	f := newFixture(t, func(cfg *config.FocusConfig) {
		cfg.Conference.MinParticipants = 2
	})
	// Installed after construction so the fixture's Options stay simple.
	f.conf.onEnded = func(*Conference) { close(ended) }

	f.room.join(occupant("p1"))
	f.room.join(occupant("p2"))
	f.waitForInitiate(t, "p1")
	f.room.leave("p1")
	f.room.leave("p2")

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("conference did not end after the last participant left")
	}
	assert.Equal(t, StateTerminated, f.conf.State())
	f.sessions.mu.Lock()
	assert.True(t, f.sessions.expired)
	f.sessions.mu.Unlock()
	f.room.mu.Lock()
	assert.True(t, f.room.left)
	f.room.mu.Unlock()
}

func TestConference_SingleParticipantTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *config.FocusConfig) {
		cfg.Conference.SingleParticipantTimeout = 20
	})
	f.room.join(occupant("p1"))
	f.waitForInitiate(t, "p1")

	require.Eventually(t, f.clk.HasWaiters, 2*time.Second, 5*time.Millisecond,
		"the lone-participant timer should be armed")
	f.clk.Step(21 * time.Second)

	require.Eventually(t, func() bool {
		return f.conf.State() == StateTerminated
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConference_StaleTransportInfoDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.accept(t, "p1", nil)
	before := f.sessions.updateCount()

	stanzaErr := f.conf.HandleJingle(f.occupantJID("p1"), &jingle.Jingle{
		Action:        jingle.ActionTransportInfo,
		SID:           "whatever",
		BridgeSession: &jingle.BridgeSession{ID: "a-session-long-gone"},
		Contents:      []jingle.Content{{Name: "audio", Transport: &jingle.IceUdpTransport{Ufrag: "late"}}},
	})
	assert.Nil(t, stanzaErr, "stale updates are acked and dropped")
	assert.Equal(t, before, f.sessions.updateCount())
}

func TestConference_UnknownSenderRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.waitForInitiate(t, "p1")

	stanzaErr := f.conf.HandleJingle(f.occupantJID("ghost"), &jingle.Jingle{
		Action: jingle.ActionSourceAdd,
	})
	require.NotNil(t, stanzaErr)
	assert.Equal(t, xmpp.CondItemNotFound, stanzaErr.Condition())
}

func TestConference_RejectedInviteRemovesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.sig.mu.Lock()
	f.sig.rejectIQ = true
	f.sig.mu.Unlock()

	f.room.join(occupant("p1"))
	require.Eventually(t, func() bool {
		for _, id := range f.sessions.removedIDs() {
			if id == "p1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "a refused offer must release the bridge session")
}

func TestConference_SelectionFailureQueuesUntilFleetChanges(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.mu.Lock()
	f.sessions.allocErr = &colibri.AllocationError{Reason: colibri.ReasonSelectionFailed}
	f.sessions.mu.Unlock()

	f.room.join(occupant("p1"))
	require.Eventually(t, func() bool {
		snap := f.conf.Snapshot(true)
		return len(snap.Participants) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool {
		return f.sessions.allocCount() > 0
	}, 100*time.Millisecond, 10*time.Millisecond, "no bridge means no allocation")

	// A new bridge registered.
	f.conf.RetryQueuedInvites()
	f.waitForInitiate(t, "p1")
	assert.Equal(t, 1, f.sessions.allocCount())
}

func TestConference_BridgeFailureReinvitesDisplaced(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.accept(t, "p1", nil)

	f.sessions.mu.Lock()
	f.sessions.onBridge["jvb1.example.com"] = []types.EndpointID{"p1"}
	f.sessions.mu.Unlock()

	f.conf.BridgeSessionFailed("jvb1.example.com", colibri.ReasonTimeout)

	// transport-replace keeps the jingle session and replaces the transport.
	require.Eventually(t, func() bool {
		return len(f.sig.jinglesByAction(f.occupantJID("p1"), jingle.ActionTransportReplace)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.sessions.removedIDs(), types.EndpointID("p1"))
}

func TestConference_SnapshotReportsSources(t *testing.T) {
	f := newFixture(t, nil)
	f.room.join(occupant("p1"))
	f.accept(t, "p1", audioSource(500, "p1-a0"))

	// The invite ack lands on the executor asynchronously with the accept.
	require.Eventually(t, func() bool {
		snap := f.conf.Snapshot(true)
		if len(snap.Participants) != 1 {
			return false
		}
		p := snap.Participants[0]
		return p.ID == "p1" && p.Accepted && p.Sources == 1 && p.BridgeSessionID == "bs-1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConference_ServiceOccupantsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	jibri := occupant("jibri")
	jibri.Presence = &xmpp.Presence{Payload: []byte(`<stats xmlns="http://jitsi.org/protocol/colibri"/>`)}
	f.room.join(jibri)
	f.room.join(occupant("p1"))

	f.waitForInitiate(t, "p1")
	snap := f.conf.Snapshot(true)
	assert.Len(t, snap.Participants, 1, "service members never become participants")
	assert.Equal(t, 1, f.sessions.allocCount())
}
