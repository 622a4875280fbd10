package simulator

import (
	"context"
	"testing"
	"time"

	"n54flash/internal/image"
	"n54flash/internal/isotp"
	"n54flash/internal/kwp"
)

func newFlasherClient(ecu *ECU) *kwp.Client {
	tp := isotp.New(ecu, 0x6F1, 0x6F9, time.Second)
	return kwp.New(tp)
}

func TestECUEnterSessionAndUnlock(t *testing.T) {
	flash := make([]byte, image.FlashSize)
	ecu := NewECU(flash, 0x1234)
	c := newFlasherClient(ecu)
	ctx := context.Background()

	if _, err := c.StartDiagnosticSession(ctx, 0x85); err != nil {
		t.Fatalf("StartDiagnosticSession: %v", err)
	}
	seedResp, err := c.RequestSeed(ctx)
	if err != nil {
		t.Fatalf("RequestSeed: %v", err)
	}
	seed := uint16(seedResp[2])<<8 | uint16(seedResp[3])
	if seed != 0x1234 {
		t.Fatalf("seed = 0x%04X, want 0x1234", seed)
	}
	key := (seed ^ 0x5A3C) + 0x7F1B
	if _, err := c.SendKey(ctx, byte(key>>8), byte(key)); err != nil {
		t.Fatalf("SendKey: %v", err)
	}
}

func TestECURejectsWrongKey(t *testing.T) {
	flash := make([]byte, image.FlashSize)
	ecu := NewECU(flash, 0x1234)
	c := newFlasherClient(ecu)
	ctx := context.Background()

	if _, err := c.RequestSeed(ctx); err != nil {
		t.Fatalf("RequestSeed: %v", err)
	}
	if _, err := c.SendKey(ctx, 0x00, 0x00); err == nil {
		t.Fatal("expected SendKey with wrong key to fail")
	}
}

func TestECUReadMemoryByAddressServesLargeBlock(t *testing.T) {
	flash := make([]byte, image.FlashSize)
	for i := range flash[:0x0400] {
		flash[i] = byte(i)
	}
	ecu := NewECU(flash, 0x1234)
	c := newFlasherClient(ecu)

	resp, err := c.ReadMemoryByAddress(context.Background(), 0, 0x0400)
	if err != nil {
		t.Fatalf("ReadMemoryByAddress: %v", err)
	}
	data := resp[1:]
	if len(data) != 0x0400 {
		t.Fatalf("len(data) = %d, want 0x400", len(data))
	}
	for i, b := range data {
		if b != byte(i) {
			t.Fatalf("byte %d = 0x%02X, want 0x%02X", i, b, byte(i))
		}
	}
}
