// Package isotp implements the ISO 15765-2 segmented transport used to
// carry KWP2000 payloads over the 8-byte CAN frame substrate, following
// the subset of the protocol MSD80/81 actually speaks.
package isotp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"n54flash/internal/frame"
)

// PCI type nibbles (high nibble of the first frame byte).
const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

// ErrNoFlowControl is returned when the peer does not answer a First
// Frame with a FlowControl frame.
var ErrNoFlowControl = errors.New("isotp: no flow control frame received")

// ErrConsecutiveTimeout is returned when a Consecutive Frame fails to
// arrive before the transport's timeout while reassembling a multi-frame
// payload.
var ErrConsecutiveTimeout = errors.New("isotp: timed out waiting for consecutive frame")

// ErrProtocolViolation is returned when a frame received where a
// Single or First frame was expected carries an unexpected PCI type.
var ErrProtocolViolation = errors.New("isotp: unexpected frame type")

// TransportError wraps a FrameBus failure (send/receive error or
// timeout) with the operation that triggered it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("isotp: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport reassembles and segments payloads of 1..4095 bytes over a
// frame.Bus between a fixed tester (tx) and ECU (rx) identifier.
type Transport struct {
	bus     frame.Bus
	txID    uint32
	rxID    uint32
	timeout time.Duration
}

// New returns a Transport bound to bus, sending on txID and filtering
// received frames to rxID.
func New(bus frame.Bus, txID, rxID uint32, timeout time.Duration) *Transport {
	return &Transport{bus: bus, txID: txID, rxID: rxID, timeout: timeout}
}

// Request sends payload and, if expectResponse is true, waits for and
// reassembles the peer's response. It returns nil, nil when
// expectResponse is false.
func (t *Transport) Request(ctx context.Context, payload []byte, expectResponse bool) ([]byte, error) {
	if err := t.send(payload); err != nil {
		return nil, err
	}
	if !expectResponse {
		return nil, nil
	}
	return t.recv(ctx)
}

func (t *Transport) send(payload []byte) error {
	if len(payload) <= 7 {
		data := append([]byte{byte(len(payload))}, payload...)
		if err := t.bus.Send(frame.New(t.txID, data)); err != nil {
			return &TransportError{Op: "send single frame", Err: err}
		}
		return nil
	}

	total := len(payload)
	ff := make([]byte, 0, 8)
	ff = append(ff, byte(pciFirst<<4)|byte((total>>8)&0x0F), byte(total&0xFF))
	ff = append(ff, payload[:6]...)
	if err := t.bus.Send(frame.New(t.txID, ff)); err != nil {
		return &TransportError{Op: "send first frame", Err: err}
	}

	bs, stMin, err := t.recvFlowControl()
	if err != nil {
		return err
	}

	offset, seq, sentInBlock := 6, uint8(1), uint8(0)
	for offset < total {
		end := offset + 7
		if end > total {
			end = total
		}
		chunk := payload[offset:end]
		cf := append([]byte{byte(pciConsecutive<<4) | (seq & 0x0F)}, chunk...)
		if err := t.bus.Send(frame.New(t.txID, cf)); err != nil {
			return &TransportError{Op: "send consecutive frame", Err: err}
		}
		offset = end
		seq = (seq + 1) & 0x0F
		sentInBlock++

		if bs != 0 && sentInBlock >= bs && offset < total {
			sentInBlock = 0
			bs, stMin, err = t.recvFlowControl()
			if err != nil {
				return err
			}
		}
		if stMin <= 0x7F {
			time.Sleep(time.Duration(stMin) * time.Millisecond)
		}
	}
	return nil
}

// recvFlowControl waits for a FlowControl frame and returns its Block
// Size and STmin.
func (t *Transport) recvFlowControl() (blockSize uint8, stMin uint8, err error) {
	f, err := t.recvFiltered()
	if err != nil {
		return 0, 0, err
	}
	if f == nil || len(f.Data) < 3 || f.Data[0]>>4 != pciFlowControl {
		return 0, 0, ErrNoFlowControl
	}
	return f.Data[1], f.Data[2], nil
}

func (t *Transport) recvFiltered() (*frame.Frame, error) {
	for {
		f, err := t.bus.Recv(t.timeout)
		if err != nil {
			return nil, &TransportError{Op: "recv", Err: err}
		}
		if f == nil {
			return nil, nil
		}
		if f.ID != t.rxID {
			continue
		}
		return f, nil
	}
}

func (t *Transport) recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := t.recvFiltered()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, &TransportError{Op: "recv", Err: context.DeadlineExceeded}
	}
	if len(f.Data) == 0 {
		return nil, ErrProtocolViolation
	}

	switch f.Data[0] >> 4 {
	case pciSingle:
		length := int(f.Data[0] & 0x0F)
		if length > len(f.Data)-1 {
			length = len(f.Data) - 1
		}
		return append([]byte(nil), f.Data[1:1+length]...), nil

	case pciFirst:
		total := (int(f.Data[0]&0x0F) << 8) | int(f.Data[1])
		buf := make([]byte, 0, total)
		buf = append(buf, f.Data[2:8]...)

		fc := frame.New(t.txID, []byte{byte(pciFlowControl << 4), 0x00, 0x00})
		if err := t.bus.Send(fc); err != nil {
			return nil, &TransportError{Op: "send flow control", Err: err}
		}

		for len(buf) < total {
			cf, err := t.recvFiltered()
			if err != nil {
				return nil, err
			}
			if cf == nil {
				return nil, ErrConsecutiveTimeout
			}
			if len(cf.Data) == 0 || cf.Data[0]>>4 != pciConsecutive {
				return nil, ErrProtocolViolation
			}
			remaining := total - len(buf)
			data := cf.Data[1:]
			if len(data) > remaining {
				data = data[:remaining]
			}
			buf = append(buf, data...)
		}
		return buf[:total], nil

	default:
		return nil, ErrProtocolViolation
	}
}
