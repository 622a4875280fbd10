// Package flasher implements the high-level N54/MSD80 workflows: enter
// the programming session, unlock it, read ECU identity, back up the
// full flash, and program + verify a new image, with a concurrent
// tester-present heartbeat running for the duration of a flash.
package flasher

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"n54flash/internal/image"
	"n54flash/internal/kwp"
)

// SessionState tracks where the ECU conversation currently stands.
type SessionState int

const (
	Disconnected SessionState = iota
	SessionActive
	Unlocked
	Transferring
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case SessionActive:
		return "SessionActive"
	case Unlocked:
		return "Unlocked"
	case Transferring:
		return "Transferring"
	default:
		return "Unknown"
	}
}

// SessionError is returned when a workflow is invoked in the wrong
// session state.
type SessionError struct {
	Want SessionState
	Got  SessionState
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("flasher: expected state %s, got %s", e.Want, e.Got)
}

// VerificationMismatch is returned when a post-program verify pass
// finds flash content that doesn't match the programmed image.
type VerificationMismatch struct {
	Address uint32
}

func (e *VerificationMismatch) Error() string {
	return fmt.Sprintf("flasher: verification mismatch at 0x%06X", e.Address)
}

const (
	defaultBackupChunk = 0x0400
	defaultFlashChunk  = 0x0800
	programmingSession = 0x85
	routineEraseAll    = 0xFF00
)

// ProgressFunc is invoked with (bytesDone, total) at most once per
// chunk during backup, flash transfer, and verify.
type ProgressFunc func(done, total int)

// client is the subset of *kwp.Client the Flasher needs, guarded by a
// mutex so the heartbeat goroutine and the main workflow never
// interleave a request/response exchange on the wire.
type client struct {
	mu sync.Mutex
	kw *kwp.Client
}

// Flasher runs the high-level N54/MSD80 workflows against a single KWP
// client, serializing access between the calling goroutine and the
// tester-present heartbeat.
type Flasher struct {
	c     *client
	state SessionState
}

// New returns a Flasher bound to the given KWP client. Session state
// starts Disconnected.
func New(kw *kwp.Client) *Flasher {
	return &Flasher{c: &client{kw: kw}, state: Disconnected}
}

// State returns the current session state.
func (f *Flasher) State() SessionState { return f.state }

// EnterSession starts the programming diagnostic session.
func (f *Flasher) EnterSession(ctx context.Context) error {
	f.c.mu.Lock()
	_, err := f.c.kw.StartDiagnosticSession(ctx, programmingSession)
	f.c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("enter session: %w", err)
	}
	f.state = SessionActive
	return nil
}

// SecurityUnlock performs the seed/key challenge and advances the
// session to Unlocked.
func (f *Flasher) SecurityUnlock(ctx context.Context) error {
	if f.state != SessionActive {
		return &SessionError{Want: SessionActive, Got: f.state}
	}

	f.c.mu.Lock()
	seedResp, err := f.c.kw.RequestSeed(ctx)
	f.c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("security unlock: %w", err)
	}
	if len(seedResp) < 4 {
		return fmt.Errorf("security unlock: seed response too short")
	}
	seed := binary.BigEndian.Uint16(seedResp[2:4])
	key := computeKey(seed)

	f.c.mu.Lock()
	_, err = f.c.kw.SendKey(ctx, byte(key>>8), byte(key))
	f.c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("security unlock: %w", err)
	}
	f.state = Unlocked
	return nil
}

// computeKey implements the MSD80/81 16-bit seed/key algorithm:
// key = ((seed XOR 0x5A3C) + 0x7F1B) mod 2^16.
func computeKey(seed uint16) uint16 {
	return (seed ^ 0x5A3C) + 0x7F1B
}

// ECUIdentifiers are the identification blocks read by ReadECUID.
var ECUIdentifiers = []byte{0x90, 0x92, 0x94, 0x97}

// ReadECUID reads each identifier in ECUIdentifiers and returns the
// payload bytes keyed by identifier label. Identifiers returning a
// negative response are omitted, not fatal.
func (f *Flasher) ReadECUID(ctx context.Context) (map[string][]byte, error) {
	result := make(map[string][]byte)
	for _, ident := range ECUIdentifiers {
		f.c.mu.Lock()
		resp, err := f.c.kw.ReadECUIdentification(ctx, ident)
		f.c.mu.Unlock()
		if err != nil {
			continue
		}
		label := fmt.Sprintf("0x%02X", ident)
		result[label] = append([]byte(nil), resp[2:]...)
	}
	return result, nil
}

// Backup reads the full flash in chunk-sized strides and returns it.
// Requires SessionActive and Unlocked.
func (f *Flasher) Backup(ctx context.Context, chunk int, progress ProgressFunc) ([]byte, error) {
	if f.state != Unlocked {
		return nil, &SessionError{Want: Unlocked, Got: f.state}
	}
	if chunk <= 0 {
		chunk = defaultBackupChunk
	}

	out := make([]byte, 0, image.FlashSize)
	for addr := 0; addr < image.FlashSize; addr += chunk {
		length := chunk
		if addr+length > image.FlashSize {
			length = image.FlashSize - addr
		}
		data, err := f.readBlock(ctx, uint32(addr), uint32(length))
		if err != nil {
			return nil, fmt.Errorf("backup: %w", err)
		}
		out = append(out, data...)
		if progress != nil {
			progress(len(out), image.FlashSize)
		}
	}
	if len(out) != image.FlashSize {
		return nil, fmt.Errorf("backup: got %d bytes, want %d", len(out), image.FlashSize)
	}
	return out, nil
}

func (f *Flasher) readBlock(ctx context.Context, addr, length uint32) ([]byte, error) {
	f.c.mu.Lock()
	resp, err := f.c.kw.ReadMemoryByAddress(ctx, addr, length)
	f.c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return resp[1:], nil
}

// FlashOptions configures a Flash operation. ChunkSize of 0 selects
// defaultFlashChunk (subject to the ECU's own max-transfer-size cap).
// Profile carries optional hardware-configuration metadata for the
// flash event; Flash itself neither reads nor records it, and it has no
// effect on the wire protocol.
type FlashOptions struct {
	ChunkSize int
	Profile   Profile
}

// Profile records free-form hardware configuration notes for a flash
// event (TMAP, ethanol content, O2 sensor, coil setup), mirroring the
// reference tool's CLI prompts. Purely informational.
type Profile struct {
	TMAP    string
	Ethanol string
	O2      string
	Coils   string
	Notes   string
}

// Flash erases, programs, and verifies the full flash with the supplied
// image, running a tester-present heartbeat for the duration of the
// transfer. Requires SessionActive and Unlocked; len(img) must equal
// image.FlashSize.
func (f *Flasher) Flash(ctx context.Context, img []byte, opts FlashOptions, progress ProgressFunc) error {
	if f.state != Unlocked {
		return &SessionError{Want: Unlocked, Got: f.state}
	}
	if len(img) != image.FlashSize {
		return fmt.Errorf("flash: image must be exactly %d bytes, got %d", image.FlashSize, len(img))
	}

	if err := f.eraseAll(ctx); err != nil {
		return fmt.Errorf("flash: %w", err)
	}

	maxChunk, err := f.requestDownload(ctx, 0, uint32(len(img)))
	if err != nil {
		return fmt.Errorf("flash: %w", err)
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultFlashChunk
	}
	if maxChunk > 0 && maxChunk < chunkSize {
		chunkSize = maxChunk
	}

	f.state = Transferring
	hb := startHeartbeat(f.c)
	defer hb.stop()

	if err := f.transferData(ctx, img, chunkSize, progress); err != nil {
		return fmt.Errorf("flash: %w", err)
	}

	f.c.mu.Lock()
	_, err = f.c.kw.RequestTransferExit(ctx)
	f.c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("flash: transfer exit: %w", err)
	}

	hb.stop()
	f.state = Unlocked

	if err := f.Verify(ctx, img, defaultBackupChunk, progress); err != nil {
		return err
	}
	return nil
}

func (f *Flasher) eraseAll(ctx context.Context) error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	_, err := f.c.kw.RoutineControlStart(ctx, routineEraseAll)
	return err
}

// requestDownload returns the ECU-reported max transfer block size, or
// 0 if the response declares no limit.
func (f *Flasher) requestDownload(ctx context.Context, addr, length uint32) (int, error) {
	f.c.mu.Lock()
	resp, err := f.c.kw.RequestDownload(ctx, addr, length)
	f.c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, nil
	}
	maxLenLen := int(resp[1])
	if maxLenLen == 0 || len(resp) < 2+maxLenLen {
		return 0, nil
	}
	var maxLen uint32
	for _, b := range resp[2 : 2+maxLenLen] {
		maxLen = (maxLen << 8) | uint32(b)
	}
	return int(maxLen), nil
}

func (f *Flasher) transferData(ctx context.Context, img []byte, chunkSize int, progress ProgressFunc) error {
	counter := byte(1)
	total := len(img)
	for offset := 0; offset < total; {
		end := offset + chunkSize
		if end > total {
			end = total
		}
		block := img[offset:end]

		f.c.mu.Lock()
		_, err := f.c.kw.TransferData(ctx, counter, block)
		f.c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("transfer data at block %d: %w", counter, err)
		}

		offset = end
		counter++ // wraps modulo 256 via byte overflow
		if progress != nil {
			progress(offset, total)
		}
	}
	return nil
}

// Verify reads back the full flash and compares it byte-for-byte
// against img, failing with *VerificationMismatch at the first
// differing address.
func (f *Flasher) Verify(ctx context.Context, img []byte, chunk int, progress ProgressFunc) error {
	if chunk <= 0 {
		chunk = defaultBackupChunk
	}
	for addr := 0; addr < len(img); addr += chunk {
		length := chunk
		if addr+length > len(img) {
			length = len(img) - addr
		}
		data, err := f.readBlock(ctx, uint32(addr), uint32(length))
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		for i, b := range data {
			if b != img[addr+i] {
				return &VerificationMismatch{Address: uint32(addr + i)}
			}
		}
		if progress != nil {
			progress(addr+length, len(img))
		}
	}
	return nil
}
