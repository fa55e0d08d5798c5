package conference

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches []sourceBatch
}

func (r *batchRecorder) deliver(b sourceBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *batchRecorder) last() sourceBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[len(r.batches)-1]
}

func constDelay(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestPropagator_ZeroDelayDeliversSynchronously(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(0), rec.deliver)

	p.Add("p1", audioSource(1, "a"))

	require.Equal(t, 1, rec.count())
	assert.True(t, rec.last().adds["p1"].Has(1))
}

func TestPropagator_BatchesWithinWindow(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(time.Second), rec.deliver)

	p.Add("p1", audioSource(1, "a"))
	p.Add("p2", audioSource(2, "b"))
	assert.Equal(t, 0, rec.count(), "nothing leaves before the window closes")

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)
	batch := rec.last()
	assert.True(t, batch.adds["p1"].Has(1))
	assert.True(t, batch.adds["p2"].Has(2))
}

func TestPropagator_RemoveCancelsQueuedAdd(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(time.Second), rec.deliver)

	p.Add("p1", audioSource(1, "a"))
	p.Remove("p1", audioSource(1, "a"))

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)

	// Nobody ever saw the source, so nothing is delivered at all.
	assert.Never(t, func() bool { return rec.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestPropagator_ReAddFlushesQueuedRemoveFirst(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(time.Second), rec.deliver)

	p.Remove("p1", audioSource(1, "a"))
	p.Add("p1", audioSource(1, "a"))

	// The boundary flush carries the remove; the fresh add waits for its
	// own window so the remove can never be reordered after it.
	require.Equal(t, 1, rec.count())
	first := rec.last()
	assert.True(t, first.removes["p1"].Has(1))
	assert.Empty(t, first.adds)

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)
	assert.True(t, rec.last().adds["p1"].Has(1))
}

func TestPropagator_FlushDeliversImmediately(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(time.Minute), rec.deliver)

	p.Add("p1", audioSource(1, "a"))
	p.Flush()

	require.Equal(t, 1, rec.count())
	assert.True(t, rec.last().adds["p1"].Has(1))

	// The window timer was disarmed with the flush.
	p.Flush()
	assert.Equal(t, 1, rec.count())
}

func TestPropagator_StopDropsQueued(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(time.Second), rec.deliver)

	p.Add("p1", audioSource(1, "a"))
	p.Stop()
	p.Add("p1", audioSource(2, "b"))
	p.Flush()

	assert.Equal(t, 0, rec.count())
}

func TestPropagator_MergesRepeatedAddsForOneOwner(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	rec := &batchRecorder{}
	p := newPropagator(clk, constDelay(time.Second), rec.deliver)

	p.Add("p1", audioSource(1, "a"))
	p.Add("p1", jingle.NewSourceSet(jingle.Source{SSRC: 2, MediaType: types.MediaTypeVideo, Name: "v"}))
	p.Flush()

	require.Equal(t, 1, rec.count())
	set := rec.last().adds[types.EndpointID("p1")]
	require.NotNil(t, set)
	assert.True(t, set.Has(1))
	assert.True(t, set.Has(2))
}
