// Package simulator implements a cooperative mock MSD80/81 ECU: a
// frame.Bus that speaks the ISO-TP segmentation and KWP2000 service
// subset from the ECU side, backed by an in-memory 1 MiB flash image.
// It exists so internal/flasher's tests (and the standalone
// testing/cmd/mockecu demo binary) can exercise the full protocol stack
// without real hardware, the same role the teacher's own
// testing/simulator package fills for OBD2 telemetry.
package simulator

import (
	"encoding/binary"
	"sync"
	"time"

	"n54flash/internal/frame"
	"n54flash/internal/image"
)

const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

const (
	sidStartDiagnosticSession = 0x10
	sidSecurityAccess         = 0x27
	sidTesterPresent          = 0x3E
	sidReadECUIdentification  = 0x1A
	sidReadMemoryByAddress    = 0x23
	sidRoutineControl         = 0x31
	sidRequestDownload        = 0x34
	sidTransferData           = 0x36
	sidRequestTransferExit    = 0x37
)

const maxTransferBlock = 0x0800

// ecuTxID is the arbitration identifier every ECU-side frame is sent on.
const ecuTxID = 0x6F9

var _ frame.Bus = (*ECU)(nil)

// ECU is a frame.Bus that plays the ECU side of the KWP2000/ISO-TP
// conversation: it reassembles whatever the tester segments, dispatches
// the decoded service request against its in-memory flash, and
// segments its own reply back out, all synchronously inside Send so no
// extra goroutine or scheduling is needed to keep up with a real
// isotp.Transport driving it.
type ECU struct {
	mu sync.Mutex

	flash     []byte
	seed      uint16
	unlocked  bool
	idents    map[byte][]byte
	xferAddr  uint32
	xferLen   uint32
	xferAt    uint32
	inRx      *reassembly
	pendingTx *segmentedReply
	outbox    chan frame.Frame
}

type reassembly struct {
	total int
	buf   []byte
}

type segmentedReply struct {
	data []byte
	seq  uint8
}

// NewECU returns a mock ECU preloaded with flash (which must be exactly
// image.FlashSize bytes) and a fixed seed for the security-access
// challenge.
func NewECU(flash []byte, seed uint16) *ECU {
	data := append([]byte(nil), flash...)
	return &ECU{
		flash: data,
		seed:  seed,
		idents: map[byte][]byte{
			0x90: []byte("MSD81_HW_REV_3"),
			0x92: []byte("MSD81_SW_1.0.0"),
			0x94: []byte("CAL_N54_STAGE2"),
			0x97: []byte("2026-01-01"),
		},
		outbox: make(chan frame.Frame, 4096),
	}
}

// Flash returns a copy of the ECU's current flash contents.
func (e *ECU) Flash() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.flash...)
}

// Send implements frame.Bus: it feeds f into the ECU-side ISO-TP
// state machine, dispatching a completed request and queuing the
// (possibly segmented) response for Recv to drain.
func (e *ECU) Send(f frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(f.Data) == 0 {
		return nil
	}
	switch f.Data[0] >> 4 {
	case pciSingle:
		length := int(f.Data[0] & 0x0F)
		e.dispatch(f.Data[1 : 1+length])
	case pciFirst:
		total := (int(f.Data[0]&0x0F) << 8) | int(f.Data[1])
		e.inRx = &reassembly{total: total, buf: append([]byte(nil), f.Data[2:8]...)}
		e.outbox <- frame.New(ecuTxID, []byte{byte(pciFlowControl << 4), 0x00, 0x00})
	case pciConsecutive:
		if e.inRx == nil {
			return nil
		}
		remaining := e.inRx.total - len(e.inRx.buf)
		data := f.Data[1:]
		if len(data) > remaining {
			data = data[:remaining]
		}
		e.inRx.buf = append(e.inRx.buf, data...)
		if len(e.inRx.buf) >= e.inRx.total {
			payload := e.inRx.buf[:e.inRx.total]
			e.inRx = nil
			e.dispatch(payload)
		}
	case pciFlowControl:
		e.continueSegmentedReply()
	}
	return nil
}

// Recv drains the ECU's outbound queue, blocking up to timeout the way
// a real bus blocks on a CAN read.
func (e *ECU) Recv(timeout time.Duration) (*frame.Frame, error) {
	select {
	case f := <-e.outbox:
		return &f, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

// Shutdown is a no-op: the ECU has no driver resources to release.
func (e *ECU) Shutdown() error { return nil }

func (e *ECU) dispatch(req []byte) {
	if len(req) == 0 {
		return
	}
	sid := req[0]
	payload := req[1:]
	switch sid {
	case sidStartDiagnosticSession:
		e.reply([]byte{sid + 0x40, payload[0]})
	case sidSecurityAccess:
		e.handleSecurityAccess(payload)
	case sidTesterPresent:
		e.reply([]byte{sid + 0x40, 0x00})
	case sidReadECUIdentification:
		e.handleReadIdent(payload)
	case sidReadMemoryByAddress:
		e.handleReadMemory(payload)
	case sidRoutineControl:
		e.flash = make([]byte, image.FlashSize)
		for i := range e.flash {
			e.flash[i] = 0xFF
		}
		e.reply([]byte{sid + 0x40, payload[0]})
	case sidRequestDownload:
		e.handleRequestDownload(payload)
	case sidTransferData:
		e.handleTransferData(payload)
	case sidRequestTransferExit:
		e.reply([]byte{sid + 0x40})
	default:
		e.negative(sid)
	}
}

func (e *ECU) handleSecurityAccess(payload []byte) {
	if len(payload) == 0 {
		e.negative(sidSecurityAccess)
		return
	}
	switch payload[0] {
	case 0x01:
		resp := []byte{sidSecurityAccess + 0x40, 0x01, byte(e.seed >> 8), byte(e.seed)}
		e.reply(resp)
	case 0x02:
		if len(payload) < 3 {
			e.negative(sidSecurityAccess)
			return
		}
		key := uint16(payload[1])<<8 | uint16(payload[2])
		want := (e.seed ^ 0x5A3C) + 0x7F1B
		if key != want {
			e.negative(sidSecurityAccess)
			return
		}
		e.unlocked = true
		e.reply([]byte{sidSecurityAccess + 0x40, 0x02})
	default:
		e.negative(sidSecurityAccess)
	}
}

func (e *ECU) handleReadIdent(payload []byte) {
	if len(payload) == 0 {
		e.negative(sidReadECUIdentification)
		return
	}
	data, ok := e.idents[payload[0]]
	if !ok {
		e.negative(sidReadECUIdentification)
		return
	}
	resp := append([]byte{sidReadECUIdentification + 0x40, payload[0]}, data...)
	e.reply(resp)
}

func (e *ECU) handleReadMemory(payload []byte) {
	if len(payload) < 10 {
		e.negative(sidReadMemoryByAddress)
		return
	}
	addr := binary.BigEndian.Uint32(payload[1:5])
	length := binary.BigEndian.Uint32(payload[6:10])
	if int(addr+length) > len(e.flash) {
		e.negative(sidReadMemoryByAddress)
		return
	}
	resp := append([]byte{sidReadMemoryByAddress + 0x40}, e.flash[addr:addr+length]...)
	e.reply(resp)
}

func (e *ECU) handleRequestDownload(payload []byte) {
	if len(payload) < 10 {
		e.negative(sidRequestDownload)
		return
	}
	e.xferAddr = binary.BigEndian.Uint32(payload[2:6])
	e.xferLen = binary.BigEndian.Uint32(payload[6:10])
	e.xferAt = 0
	resp := []byte{sidRequestDownload + 0x40, 0x02, byte(maxTransferBlock >> 8), byte(maxTransferBlock & 0xFF)}
	e.reply(resp)
}

func (e *ECU) handleTransferData(payload []byte) {
	if len(payload) < 1 {
		e.negative(sidTransferData)
		return
	}
	counter := payload[0]
	block := payload[1:]
	start := e.xferAddr + e.xferAt
	if e.xferAt+uint32(len(block)) > e.xferLen || int(start)+len(block) > len(e.flash) {
		e.negative(sidTransferData)
		return
	}
	copy(e.flash[start:], block)
	e.xferAt += uint32(len(block))
	e.reply([]byte{sidTransferData + 0x40, counter})
}

func (e *ECU) negative(sid byte) {
	e.reply([]byte{0x7F, sid, 0x11})
}

// reply segments resp the way a real ECU's ISO-TP sender would: a
// Single Frame if it fits in 7 bytes, otherwise a First Frame followed
// by Consecutive Frames released once the tester's Flow Control frame
// arrives (assumed, as this stack always replies, BS=0/STmin=0).
func (e *ECU) reply(resp []byte) {
	if len(resp) <= 7 {
		e.outbox <- frame.New(ecuTxID, append([]byte{byte(len(resp))}, resp...))
		return
	}
	total := len(resp)
	ff := append([]byte{byte(pciFirst<<4) | byte((total>>8)&0x0F), byte(total & 0xFF)}, resp[:6]...)
	e.outbox <- frame.New(ecuTxID, ff)
	e.pendingTx = &segmentedReply{data: resp, seq: 1}
}

// continueSegmentedReply flushes the remainder of a pending segmented
// reply once the tester's Flow Control frame is observed. Block size is
// not honored: this stack's own isotp.Transport always grants BS=0.
func (e *ECU) continueSegmentedReply() {
	pt := e.pendingTx
	if pt == nil {
		return
	}
	e.pendingTx = nil
	offset := 6
	for offset < len(pt.data) {
		end := offset + 7
		if end > len(pt.data) {
			end = len(pt.data)
		}
		cf := append([]byte{byte(pciConsecutive<<4) | (pt.seq & 0x0F)}, pt.data[offset:end]...)
		e.outbox <- frame.New(ecuTxID, cf)
		offset = end
		pt.seq = (pt.seq + 1) & 0x0F
	}
}
