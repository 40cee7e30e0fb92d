package browser

import (
	"sync"

	"github.com/pkg/errors"
)

// pipeDepth bounds each direction of a pipe, and the idle-browser queue.
const pipeDepth = 4096

var errPipeClosed = errors.New("pipe closed")

// frame is one WebSocket message crossing a pipe.
type frame struct {
	kind int
	data []byte
}

// pipeEnd is one side of a full-duplex in-memory channel between a client
// handler and a browser handler. Ends are symmetric; each side sends on its
// own channel and observes the peer's liveness, so neither can block forever
// against a handler that already went away.
type pipeEnd struct {
	out   chan frame
	in    chan frame
	local chan struct{}
	peer  chan struct{}
	once  *sync.Once
}

func newPipe() (*pipeEnd, *pipeEnd) {
	ab := make(chan frame, pipeDepth)
	ba := make(chan frame, pipeDepth)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &pipeEnd{out: ab, in: ba, local: aDone, peer: bDone, once: new(sync.Once)}
	b := &pipeEnd{out: ba, in: ab, local: bDone, peer: aDone, once: new(sync.Once)}
	return a, b
}

// close marks this end dead. The peer's pending and future send/recv calls
// fail immediately.
func (e *pipeEnd) close() {
	e.once.Do(func() { close(e.local) })
}

func (e *pipeEnd) send(f frame) error {
	select {
	case <-e.peer:
		return errPipeClosed
	default:
	}
	select {
	case e.out <- f:
		return nil
	case <-e.peer:
		return errPipeClosed
	}
}

func (e *pipeEnd) recv() (frame, error) {
	select {
	case <-e.peer:
		return frame{}, errPipeClosed
	default:
	}
	select {
	case f := <-e.in:
		return f, nil
	case <-e.peer:
		return frame{}, errPipeClosed
	}
}
