package bus

import (
	"time"

	"n54flash/internal/capture"
	"n54flash/internal/frame"
)

// Capturing wraps a frame.Bus and mirrors every frame that crosses it
// into a capture.Recorder, so a flash or backup run against real
// hardware can be replayed later against the mock backend.
type Capturing struct {
	inner    frame.Bus
	recorder *capture.Recorder
}

// NewCapturing returns a frame.Bus that behaves exactly like inner but
// additionally records every sent and received frame via recorder.
// recorder must already be started (recorder.Start()).
func NewCapturing(inner frame.Bus, recorder *capture.Recorder) *Capturing {
	return &Capturing{inner: inner, recorder: recorder}
}

// Send implements frame.Bus.
func (c *Capturing) Send(f frame.Frame) error {
	err := c.inner.Send(f)
	if err == nil {
		c.recorder.Record(capture.Frame{
			Timestamp: time.Now(),
			Type:      "ISO-TP-TX",
			ID:        f.ID,
			Data:      append([]byte(nil), f.Data...),
		})
	}
	return err
}

// Recv implements frame.Bus.
func (c *Capturing) Recv(timeout time.Duration) (*frame.Frame, error) {
	f, err := c.inner.Recv(timeout)
	if err == nil && f != nil {
		c.recorder.Record(capture.Frame{
			Timestamp: time.Now(),
			Type:      "ISO-TP-RX",
			ID:        f.ID,
			Data:      append([]byte(nil), f.Data...),
		})
	}
	return f, err
}

// Shutdown implements frame.Bus, stopping the recorder (which flushes
// the session to disk) after the underlying bus closes.
func (c *Capturing) Shutdown() error {
	err := c.inner.Shutdown()
	if stopErr := c.recorder.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

var _ frame.Bus = (*Capturing)(nil)
