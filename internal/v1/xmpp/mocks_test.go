package xmpp

import (
	"io"
	"sync"
)

// fakeTransport is an in-memory Transport: tests inject inbound stanzas and
// observe written ones.
type fakeTransport struct {
	in      chan []byte
	written chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 16),
	}
}

func (t *fakeTransport) WriteStanza(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return io.ErrClosedPipe
	}
	t.mu.Unlock()
	t.written <- data
	return nil
}

func (t *fakeTransport) ReadStanza() ([]byte, error) {
	data, ok := <-t.in
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
	}
	return nil
}

func (t *fakeTransport) inject(stanza string) {
	t.in <- []byte(stanza)
}

// recordingListener collects occupant events on channels so tests can wait
// for asynchronous dispatch.
type recordingListener struct {
	joined    chan Occupant
	updated   chan Occupant
	left      chan Occupant
	destroyed chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		joined:    make(chan Occupant, 16),
		updated:   make(chan Occupant, 16),
		left:      make(chan Occupant, 16),
		destroyed: make(chan struct{}, 1),
	}
}

func (l *recordingListener) OccupantJoined(o Occupant)  { l.joined <- o }
func (l *recordingListener) OccupantUpdated(o Occupant) { l.updated <- o }
func (l *recordingListener) OccupantLeft(o Occupant)    { l.left <- o }
func (l *recordingListener) RoomDestroyed()             { l.destroyed <- struct{}{} }
