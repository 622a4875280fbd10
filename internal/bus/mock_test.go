package bus

import (
	"testing"
	"time"

	"n54flash/internal/frame"
)

func TestMockSendRecvRoundTrip(t *testing.T) {
	m := NewMock()
	defer m.Shutdown()

	want := frame.New(0x6F1, []byte{0x02, 0x10, 0x85})
	if err := m.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-m.Sent:
		if got.ID != want.ID {
			t.Fatalf("ID = 0x%X, want 0x%X", got.ID, want.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sent frame")
	}
}

func TestMockRecvTimesOutWithoutError(t *testing.T) {
	m := NewMock()
	defer m.Shutdown()

	got, err := m.Recv(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil frame on timeout, got %v", got)
	}
}

func TestMockPushThenRecv(t *testing.T) {
	m := NewMock()
	defer m.Shutdown()

	pushed := frame.New(0x6F9, []byte{0x06, 0x50, 0x85})
	m.Push(pushed)

	got, err := m.Recv(time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got == nil || got.ID != pushed.ID {
		t.Fatalf("got = %v, want ID 0x%X", got, pushed.ID)
	}
}

func TestNewDispatchesToMock(t *testing.T) {
	b, err := New(Config{Type: "mock"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown transport type")
	}
}
