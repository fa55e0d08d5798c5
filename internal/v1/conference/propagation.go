package conference

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/RoseWrightdev/Conference-Focus/internal/v1/jingle"
	"github.com/RoseWrightdev/Conference-Focus/internal/v1/types"
)

// sourceBatch is one flushed propagation window.
type sourceBatch struct {
	adds    map[types.EndpointID]*jingle.SourceSet
	removes map[types.EndpointID]*jingle.SourceSet
}

func (b sourceBatch) empty() bool {
	return len(b.adds) == 0 && len(b.removes) == 0
}

// propagator batches source notifications so large conferences do not see a
// signaling storm on every join. The delay comes from a step function over
// the conference size.
//
// Ordering guarantee: an add for a source is never delivered after its
// matching remove. A remove arriving while the add is still queued cancels
// both; a re-add after a queued remove flushes the window first.
type propagator struct {
	clk      clock.Clock
	delayFor func() time.Duration
	deliver  func(batch sourceBatch)

	mu      sync.Mutex
	adds    map[types.EndpointID]*jingle.SourceSet
	removes map[types.EndpointID]*jingle.SourceSet
	timer   clock.Timer
	stopped bool
}

func newPropagator(clk clock.Clock, delayFor func() time.Duration, deliver func(sourceBatch)) *propagator {
	return &propagator{
		clk:      clk,
		delayFor: delayFor,
		deliver:  deliver,
		adds:     make(map[types.EndpointID]*jingle.SourceSet),
		removes:  make(map[types.EndpointID]*jingle.SourceSet),
	}
}

// Add queues a source-add for propagation.
func (p *propagator) Add(owner types.EndpointID, set *jingle.SourceSet) {
	if set == nil || set.IsEmpty() {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	// Re-adding a source whose remove is still queued would let one window
	// carry both sides of the boundary; flush the window first.
	var boundary sourceBatch
	if pending, ok := p.removes[owner]; ok {
		for _, src := range set.Sources() {
			if pending.Has(src.SSRC) {
				boundary = p.takeLocked()
				break
			}
		}
	}
	merge(p.adds, owner, set)
	immediate := p.scheduleLocked()
	p.mu.Unlock()

	if !boundary.empty() {
		p.deliver(boundary)
	}
	if !immediate.empty() {
		p.deliver(immediate)
	}
}

// Remove queues a source-remove. A still-queued add for the same source is
// cancelled instead: nobody ever saw the source, so nothing is delivered.
func (p *propagator) Remove(owner types.EndpointID, set *jingle.SourceSet) {
	if set == nil || set.IsEmpty() {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	queued := p.adds[owner]
	toRemove := &jingle.SourceSet{}
	for _, src := range set.Sources() {
		if queued != nil && queued.Has(src.SSRC) {
			queued.Remove(src.SSRC)
			continue
		}
		toRemove.Add(src)
	}
	if queued != nil && queued.IsEmpty() {
		delete(p.adds, owner)
	}
	if !toRemove.IsEmpty() {
		merge(p.removes, owner, toRemove)
	}
	immediate := p.scheduleLocked()
	p.mu.Unlock()

	if !immediate.empty() {
		p.deliver(immediate)
	}
}

// Flush delivers whatever is queued right now.
func (p *propagator) Flush() {
	p.mu.Lock()
	batch := p.takeLocked()
	p.mu.Unlock()
	if !batch.empty() {
		p.deliver(batch)
	}
}

// Stop drops queued notifications and disarms the timer.
func (p *propagator) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.adds = make(map[types.EndpointID]*jingle.SourceSet)
	p.removes = make(map[types.EndpointID]*jingle.SourceSet)
}

// scheduleLocked arms the window timer. With a zero delay the batch is
// returned for synchronous delivery instead.
func (p *propagator) scheduleLocked() sourceBatch {
	if p.timer != nil {
		return sourceBatch{}
	}
	d := p.delayFor()
	if d <= 0 {
		return p.takeLocked()
	}
	t := p.clk.NewTimer(d)
	p.timer = t
	go func() {
		<-t.C()
		p.fire()
	}()
	return sourceBatch{}
}

func (p *propagator) fire() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	batch := p.takeLocked()
	p.mu.Unlock()
	if !batch.empty() {
		p.deliver(batch)
	}
}

func (p *propagator) takeLocked() sourceBatch {
	batch := sourceBatch{adds: p.adds, removes: p.removes}
	p.adds = make(map[types.EndpointID]*jingle.SourceSet)
	p.removes = make(map[types.EndpointID]*jingle.SourceSet)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return batch
}

func merge(into map[types.EndpointID]*jingle.SourceSet, owner types.EndpointID, set *jingle.SourceSet) {
	if existing, ok := into[owner]; ok {
		existing.AddAll(set)
		return
	}
	into[owner] = set.Clone()
}
