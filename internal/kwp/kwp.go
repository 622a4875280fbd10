// Package kwp implements the KWP2000 service subset MSD80/81 exposes,
// built on top of an isotp.Transport. Each method serializes one
// service request and validates that the response carries the expected
// positive echo.
package kwp

import (
	"context"
	"fmt"

	"n54flash/internal/isotp"
)

// Service identifiers used by this ECU family.
const (
	SIDStartDiagnosticSession byte = 0x10
	SIDECUReset               byte = 0x11
	SIDSecurityAccess         byte = 0x27
	SIDTesterPresent          byte = 0x3E
	SIDReadECUIdentification  byte = 0x1A
	SIDReadMemoryByAddress    byte = 0x23
	SIDRoutineControl         byte = 0x31
	SIDRequestDownload        byte = 0x34
	SIDTransferData           byte = 0x36
	SIDRequestTransferExit    byte = 0x37
)

const negativeResponse byte = 0x7F
const positiveResponseOffset byte = 0x40

// ProtocolError is returned when a response is missing, truncated, a
// negative response (0x7F), or does not echo the requested service with
// the positive-response offset set.
type ProtocolError struct {
	Service  string
	Response []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Response) == 0 {
		return fmt.Sprintf("kwp: %s: no response", e.Service)
	}
	if e.Response[0] == negativeResponse && len(e.Response) >= 3 {
		return fmt.Sprintf("kwp: %s: negative response, NRC 0x%02X", e.Service, e.Response[2])
	}
	return fmt.Sprintf("kwp: %s: unexpected response % X", e.Service, e.Response)
}

// Requester is the capability kwp.Client needs from the transport layer:
// a request/response exchange over ISO-TP.
type Requester interface {
	Request(ctx context.Context, payload []byte, expectResponse bool) ([]byte, error)
}

// Client issues KWP2000 service requests and validates their responses.
// It holds no session state of its own — that belongs to the Flasher.
type Client struct {
	tp Requester
}

// New returns a Client built on the given transport.
func New(tp Requester) *Client {
	return &Client{tp: tp}
}

var _ Requester = (*isotp.Transport)(nil)

// call sends sid||payload and checks that the response begins with
// sid+0x40. It returns the full response, including that echo byte.
func (c *Client) call(ctx context.Context, sid byte, payload []byte, serviceName string) ([]byte, error) {
	req := append([]byte{sid}, payload...)
	resp, err := c.tp.Request(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 || resp[0] != sid+positiveResponseOffset {
		return nil, &ProtocolError{Service: serviceName, Response: resp}
	}
	return resp, nil
}

// StartDiagnosticSession requests the given session type (0x85 for the
// programming session) and returns the raw positive response.
func (c *Client) StartDiagnosticSession(ctx context.Context, sessionType byte) ([]byte, error) {
	return c.call(ctx, SIDStartDiagnosticSession, []byte{sessionType}, "StartDiagnosticSession")
}

// ECUReset issues an ECU reset of the given type.
func (c *Client) ECUReset(ctx context.Context, resetType byte) ([]byte, error) {
	return c.call(ctx, SIDECUReset, []byte{resetType}, "ECUReset")
}

// RequestSeed asks the ECU for a security-access seed.
func (c *Client) RequestSeed(ctx context.Context) ([]byte, error) {
	return c.call(ctx, SIDSecurityAccess, []byte{0x01}, "SecurityAccess(requestSeed)")
}

// SendKey submits the computed 16-bit key (high byte, low byte).
func (c *Client) SendKey(ctx context.Context, keyHigh, keyLow byte) ([]byte, error) {
	return c.call(ctx, SIDSecurityAccess, []byte{0x02, keyHigh, keyLow}, "SecurityAccess(sendKey)")
}

// TesterPresent issues the keep-alive service call.
func (c *Client) TesterPresent(ctx context.Context) ([]byte, error) {
	return c.call(ctx, SIDTesterPresent, []byte{0x00}, "TesterPresent")
}

// ReadECUIdentification reads the ECU identification block identified
// by ident (e.g. 0x90, 0x92, 0x94, 0x97).
func (c *Client) ReadECUIdentification(ctx context.Context, ident byte) ([]byte, error) {
	return c.call(ctx, SIDReadECUIdentification, []byte{ident}, "ReadECUIdentification")
}

// ReadMemoryByAddress reads length bytes starting at addr.
func (c *Client) ReadMemoryByAddress(ctx context.Context, addr uint32, length uint32) ([]byte, error) {
	payload := make([]byte, 0, 10)
	payload = append(payload, 0x24)
	payload = append(payload, be32(addr)...)
	payload = append(payload, 0x24)
	payload = append(payload, be32(length)...)
	return c.call(ctx, SIDReadMemoryByAddress, payload, "ReadMemoryByAddress")
}

// RoutineControlStart starts the routine identified by routineID.
func (c *Client) RoutineControlStart(ctx context.Context, routineID uint16) ([]byte, error) {
	payload := []byte{0x01, byte(routineID >> 8), byte(routineID)}
	return c.call(ctx, SIDRoutineControl, payload, "RoutineControl")
}

// RequestDownload initiates a download of length bytes starting at addr
// and returns the raw positive response (caller parses max block size).
func (c *Client) RequestDownload(ctx context.Context, addr uint32, length uint32) ([]byte, error) {
	payload := make([]byte, 0, 10)
	payload = append(payload, 0x00, 0x44)
	payload = append(payload, be32(addr)...)
	payload = append(payload, be32(length)...)
	return c.call(ctx, SIDRequestDownload, payload, "RequestDownload")
}

// TransferData sends one block of data tagged with the given sequence
// counter.
func (c *Client) TransferData(ctx context.Context, counter byte, block []byte) ([]byte, error) {
	payload := append([]byte{counter}, block...)
	return c.call(ctx, SIDTransferData, payload, "TransferData")
}

// RequestTransferExit closes out the transfer.
func (c *Client) RequestTransferExit(ctx context.Context) ([]byte, error) {
	return c.call(ctx, SIDRequestTransferExit, nil, "RequestTransferExit")
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
