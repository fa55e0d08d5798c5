package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/config"
)

func sessionsFixture(lifetimeSeconds int) (*Sessions, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Now())
	s := NewSessions(config.AuthConfig{AuthenticationLifetime: lifetimeSeconds}, clk)
	return s, clk
}

func TestSessions_LoginReusesByMachineUID(t *testing.T) {
	s, _ := sessionsFixture(3600)

	first := s.Login("machine-1", Identity{Subject: "user-1"})
	second := s.Login("machine-1", Identity{Subject: "user-1"})
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.Count())

	other := s.Login("machine-2", Identity{Subject: "user-2"})
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, s.Count())
}

func TestSessions_GetRenews(t *testing.T) {
	s, clk := sessionsFixture(60)

	sess := s.Login("machine-1", Identity{Subject: "user-1"})

	// Keep touching the session just inside the lifetime; it must survive
	// well past a single lifetime from login.
	for i := 0; i < 5; i++ {
		clk.Step(45 * time.Second)
		_, ok := s.Get(sess.ID)
		require.True(t, ok)
	}

	clk.Step(61 * time.Second)
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)
}

func TestSessions_SweepDropsExpired(t *testing.T) {
	s, clk := sessionsFixture(60)

	s.Login("machine-1", Identity{Subject: "user-1"})
	clk.Step(30 * time.Second)
	kept := s.Login("machine-2", Identity{Subject: "user-2"})

	clk.Step(45 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Count())

	_, ok := s.Get(kept.ID)
	assert.True(t, ok)

	// The expired machine uid gets a fresh session on its next login.
	again := s.Login("machine-1", Identity{Subject: "user-1"})
	assert.NotEmpty(t, again.ID)
}

func TestSessions_Destroy(t *testing.T) {
	s, _ := sessionsFixture(0)

	sess := s.Login("machine-1", Identity{Subject: "user-1"})
	s.Destroy(sess.ID)
	_, ok := s.Get(sess.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Count())

	// Zero lifetime means sessions never expire on their own.
	sess = s.Login("machine-1", Identity{Subject: "user-1"})
	assert.Equal(t, 0, s.Sweep())
	_, ok = s.Get(sess.ID)
	assert.True(t, ok)
}

func TestSessions_RunSweepsOnTick(t *testing.T) {
	s, clk := sessionsFixture(60)
	s.Login("machine-1", Identity{Subject: "user-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond,
		"sweep ticker never armed")

	clk.Step(61 * time.Second)
	clk.Step(sessionSweepInterval)
	require.Eventually(t, func() bool { return s.Count() == 0 },
		time.Second, time.Millisecond, "expired session survived the sweep")

	cancel()
	<-done
}
