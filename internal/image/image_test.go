package image

import (
	"encoding/binary"
	"errors"
	"testing"
)

func newFilledImage(fill byte) *Image {
	data := make([]byte, FlashSize)
	for i := range data {
		data[i] = fill
	}
	return New(data, "MSD81")
}

func TestValidateAcceptsWellFormedImage(t *testing.T) {
	img := newFilledImage(0x00)
	img.Data[0] = 0x12 // make sure the first 32 bytes aren't blank
	ok, msg := Validate(img)
	if !ok {
		t.Fatalf("Validate() ok = false, msg = %q", msg)
	}
	if msg != "Image validated successfully" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestValidateRejectsWrongSize(t *testing.T) {
	img := New(make([]byte, FlashSize-1), "MSD81")
	ok, msg := Validate(img)
	if ok {
		t.Fatal("Validate() should reject undersized image")
	}
	want := "Image must be exactly 1 MiB (1048576 bytes), got 1048575"
	if msg != want {
		t.Fatalf("msg = %q, want %q", msg, want)
	}
}

func TestValidateRejectsOversize(t *testing.T) {
	img := New(make([]byte, FlashSize+1), "MSD81")
	ok, _ := Validate(img)
	if ok {
		t.Fatal("Validate() should reject oversized image")
	}
}

func TestValidateRejectsBlankImage(t *testing.T) {
	img := newFilledImage(0xFF)
	ok, msg := Validate(img)
	if ok {
		t.Fatal("Validate() should reject blank image")
	}
	if msg != "Image appears to be blank" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestPatchVINRejectsWrongLength(t *testing.T) {
	img := newFilledImage(0x00)
	err := PatchVIN(img, "TOOSHORT", "WBAAB1234567890XX")
	if !errors.Is(err, ErrInvalidVin) {
		t.Fatalf("err = %v, want ErrInvalidVin", err)
	}
}

func TestPatchVINNotFound(t *testing.T) {
	img := newFilledImage(0x00)
	err := PatchVIN(img, "WBAAB1234567890XX", "WBAAB1234567890XY")
	if !errors.Is(err, ErrVinNotFound) {
		t.Fatalf("err = %v, want ErrVinNotFound", err)
	}
}

func TestPatchVINReplacesAndFixesChecksum(t *testing.T) {
	img := newFilledImage(0x00)
	oldVIN := "WBAAB1234567890XX"
	copy(img.Data[CALStart+0x100:], oldVIN)
	fixCALChecksum(img.Data)

	newVIN := "WBAAB1234567890YY"
	if err := PatchVIN(img, oldVIN, newVIN); err != nil {
		t.Fatalf("PatchVIN: %v", err)
	}

	got := string(img.Data[CALStart+0x100 : CALStart+0x100+17])
	if got != newVIN {
		t.Fatalf("VIN at patch offset = %q, want %q", got, newVIN)
	}

	assertCALChecksumZero(t, img.Data)
}

func TestFixCALChecksumWorkedExample(t *testing.T) {
	data := make([]byte, FlashSize)
	cal := data[CALStart:CALEnd]
	for i := 0; i+1 < len(cal)-2; i += 2 {
		binary.BigEndian.PutUint16(cal[i:i+2], 0x0001)
	}
	fixCALChecksum(data)
	assertCALChecksumZero(t, data)
}

func assertCALChecksumZero(t *testing.T, data []byte) {
	t.Helper()
	cal := data[CALStart:CALEnd]
	var sum uint16
	for i := 0; i < len(cal); i += 2 {
		sum += binary.BigEndian.Uint16(cal[i : i+2])
	}
	if sum != 0 {
		t.Fatalf("CAL additive checksum = 0x%04X, want 0", sum)
	}
}
