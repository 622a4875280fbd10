package kwp

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// fakeRequester answers a single Request call with a canned response,
// recording the payload it was given.
type fakeRequester struct {
	resp []byte
	err  error
	sent []byte
}

func (f *fakeRequester) Request(ctx context.Context, payload []byte, expectResponse bool) ([]byte, error) {
	f.sent = append([]byte(nil), payload...)
	return f.resp, f.err
}

func TestStartDiagnosticSessionPositive(t *testing.T) {
	fr := &fakeRequester{resp: []byte{0x50, 0x85}}
	c := New(fr)
	resp, err := c.StartDiagnosticSession(context.Background(), 0x85)
	if err != nil {
		t.Fatalf("StartDiagnosticSession: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x50, 0x85}) {
		t.Fatalf("resp = % X, want 50 85", resp)
	}
	if !bytes.Equal(fr.sent, []byte{0x10, 0x85}) {
		t.Fatalf("sent = % X, want 10 85", fr.sent)
	}
}

func TestNegativeResponseIsProtocolError(t *testing.T) {
	fr := &fakeRequester{resp: []byte{0x7F, 0x10, 0x11}}
	c := New(fr)
	_, err := c.StartDiagnosticSession(context.Background(), 0x85)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	if pe.Service != "StartDiagnosticSession" {
		t.Fatalf("Service = %q, want StartDiagnosticSession", pe.Service)
	}
}

func TestEmptyResponseIsProtocolError(t *testing.T) {
	fr := &fakeRequester{resp: nil}
	c := New(fr)
	_, err := c.TesterPresent(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestReadMemoryByAddressEncoding(t *testing.T) {
	fr := &fakeRequester{resp: []byte{0x63, 0xAB}}
	c := New(fr)
	_, err := c.ReadMemoryByAddress(context.Background(), 0x00010000, 0x00000400)
	if err != nil {
		t.Fatalf("ReadMemoryByAddress: %v", err)
	}
	want := []byte{0x23, 0x24, 0x00, 0x01, 0x00, 0x00, 0x24, 0x00, 0x00, 0x04, 0x00}
	if !bytes.Equal(fr.sent, want) {
		t.Fatalf("sent = % X, want % X", fr.sent, want)
	}
}

func TestRequestDownloadEncoding(t *testing.T) {
	fr := &fakeRequester{resp: []byte{0x74, 0x02, 0x08, 0x00}}
	c := New(fr)
	resp, err := c.RequestDownload(context.Background(), 0, 0x100000)
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	wantSent := []byte{0x34, 0x00, 0x44, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00}
	if !bytes.Equal(fr.sent, wantSent) {
		t.Fatalf("sent = % X, want % X", fr.sent, wantSent)
	}
	if !bytes.Equal(resp, []byte{0x74, 0x02, 0x08, 0x00}) {
		t.Fatalf("resp = % X", resp)
	}
}

func TestTransferDataEncodesSequenceAndBlock(t *testing.T) {
	fr := &fakeRequester{resp: []byte{0x76, 0xFF}}
	c := New(fr)
	_, err := c.TransferData(context.Background(), 0xFF, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("TransferData: %v", err)
	}
	want := []byte{0x36, 0xFF, 0x01, 0x02}
	if !bytes.Equal(fr.sent, want) {
		t.Fatalf("sent = % X, want % X", fr.sent, want)
	}
}

func TestRequestTransferExitSendsEmptyPayload(t *testing.T) {
	fr := &fakeRequester{resp: []byte{0x77}}
	c := New(fr)
	if _, err := c.RequestTransferExit(context.Background()); err != nil {
		t.Fatalf("RequestTransferExit: %v", err)
	}
	if !bytes.Equal(fr.sent, []byte{0x37}) {
		t.Fatalf("sent = % X, want 37", fr.sent)
	}
}
