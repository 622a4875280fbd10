package bus

import (
	"time"

	"n54flash/internal/frame"
)

func init() {
	Register("mock", func(cfg Config) (frame.Bus, error) {
		return NewMock(), nil
	})
}

// Mock is an in-process frame.Bus backed by a channel pair, used by the
// bus and isotp tests and registered as the "mock" backend to exercise
// the protocol stack without real hardware. Frames written with Push are what Recv
// returns; frames written with Send land in Sent for the other side
// (or a test) to consume.
type Mock struct {
	Sent   chan frame.Frame
	inbox  chan frame.Frame
	closed chan struct{}
}

// NewMock returns a ready-to-use Mock bus.
func NewMock() *Mock {
	return &Mock{
		Sent:   make(chan frame.Frame, 64),
		inbox:  make(chan frame.Frame, 64),
		closed: make(chan struct{}),
	}
}

// Send places f on Sent for a peer (or test) to observe.
func (m *Mock) Send(f frame.Frame) error {
	select {
	case m.Sent <- f:
		return nil
	case <-m.closed:
		return frame.ErrBusClosed
	}
}

// Push injects a frame that a subsequent Recv will return, simulating
// an incoming frame from the peer ECU.
func (m *Mock) Push(f frame.Frame) {
	select {
	case m.inbox <- f:
	case <-m.closed:
	}
}

// Recv waits up to timeout for a frame pushed via Push.
func (m *Mock) Recv(timeout time.Duration) (*frame.Frame, error) {
	select {
	case f := <-m.inbox:
		return &f, nil
	case <-m.closed:
		return nil, frame.ErrBusClosed
	case <-time.After(timeout):
		return nil, nil
	}
}

// Shutdown closes the bus. Safe to call once.
func (m *Mock) Shutdown() error {
	close(m.closed)
	return nil
}
