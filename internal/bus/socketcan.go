package bus

import (
	"time"

	"github.com/brutella/can"

	"n54flash/internal/frame"
)

func init() {
	Register("socketcan", func(cfg Config) (frame.Bus, error) {
		return newSocketCANBus(cfg)
	})
}

// socketCANBus wraps a brutella/can.Bus, the same library and dispatch
// style the teacher's main.go uses directly (NewBusForInterfaceWithName,
// Subscribe, Publish).
type socketCANBus struct {
	bus    *can.Bus
	frames chan can.Frame
}

type frameHandler struct {
	out chan<- can.Frame
}

func (h *frameHandler) Handle(f can.Frame) {
	h.out <- f
}

func newSocketCANBus(cfg Config) (frame.Bus, error) {
	iface := cfg.Address
	if iface == "" {
		iface = "can0"
	}
	canBus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, err
	}
	frames := make(chan can.Frame, 64)
	canBus.Subscribe(&frameHandler{out: frames})
	go func() {
		_ = canBus.ConnectAndPublish()
	}()
	return &socketCANBus{bus: canBus, frames: frames}, nil
}

func (s *socketCANBus) Send(f frame.Frame) error {
	var data [8]byte
	copy(data[:], f.Data)
	return s.bus.Publish(can.Frame{
		ID:     f.ID,
		Length: uint8(len(f.Data)),
		Data:   data,
	})
}

func (s *socketCANBus) Recv(timeout time.Duration) (*frame.Frame, error) {
	select {
	case cf := <-s.frames:
		data := make([]byte, len(cf.Data))
		copy(data, cf.Data[:])
		f := frame.New(cf.ID, data)
		return &f, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (s *socketCANBus) Shutdown() error {
	return s.bus.Disconnect()
}
