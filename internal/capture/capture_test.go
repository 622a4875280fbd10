package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSession(t *testing.T) {
	ecuInfo := "MSD81_STAGE2"
	session := NewSession("backup", ecuInfo)

	if session.ECUInfo != ecuInfo {
		t.Errorf("Expected ECU info %s, got %s", ecuInfo, session.ECUInfo)
	}
	if session.Operation != "backup" {
		t.Errorf("Expected operation backup, got %s", session.Operation)
	}
	if session.StartTime.IsZero() {
		t.Error("Expected start time to be set")
	}
	if len(session.Frames) != 0 {
		t.Error("Expected empty frames slice")
	}
}

func TestAddFrame(t *testing.T) {
	session := NewSession("backup", "MSD81_STAGE2")
	frame := Frame{
		Timestamp: time.Now(),
		Type:      "ISO-TP-TX",
		ID:        0x6F1,
		Data:      []byte{0x01, 0x02, 0x03},
	}

	session.AddFrame(frame)

	if len(session.Frames) != 1 {
		t.Error("Expected one frame in session")
	}
	if session.Frames[0].Type != frame.Type {
		t.Errorf("Expected frame type %s, got %s", frame.Type, session.Frames[0].Type)
	}
}

func TestSaveSessionWritesUnderOperationDir(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "capture_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	session := NewSession("backup", "MSD81_STAGE2")
	session.dir = tempDir

	session.AddFrame(Frame{
		Timestamp: time.Now(),
		Type:      "ISO-TP-RX",
		ID:        0x6F9,
		Data:      []byte{0x01, 0x02, 0x03},
	})

	if err := session.Save(); err != nil {
		t.Fatalf("Failed to save session: %v", err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one capture file, got %d", len(entries))
	}
	wantPrefix := session.StartTime.Format("20060102_150405")
	if filepath.Ext(entries[0].Name()) != ".json" {
		t.Errorf("expected .json file, got %s", entries[0].Name())
	}
	if len(entries[0].Name()) < len(wantPrefix) || entries[0].Name()[:len(wantPrefix)] != wantPrefix {
		t.Errorf("expected filename to start with %s, got %s", wantPrefix, entries[0].Name())
	}
}

func TestSavePrunesOldestBeyondRetentionLimit(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "capture_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	// Pre-populate more capture files than the retention limit allows,
	// named so they sort oldest-first.
	extra := 3
	for i := 0; i < maxRetainedSessions+extra; i++ {
		name := fmt.Sprintf("202601010000%02d_seed.json", i)
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}

	session := NewSession("backup", "MSD81_STAGE2")
	session.dir = tempDir
	session.StartTime = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := session.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != maxRetainedSessions {
		t.Fatalf("expected %d retained files, got %d", maxRetainedSessions, len(entries))
	}
}

func TestRecorder(t *testing.T) {
	recorder := NewRecorder("backup", "MSD81_STAGE2")

	if err := recorder.Start(); err != nil {
		t.Fatalf("Failed to start recorder: %v", err)
	}
	if !recorder.IsRunning() {
		t.Error("Expected recorder to be running")
	}

	frame := Frame{
		Timestamp: time.Now(),
		Type:      "ISO-TP-TX",
		ID:        0x6F1,
		Data:      []byte{0x02, 0x10, 0x85},
	}
	if err := recorder.Record(frame); err != nil {
		t.Errorf("Failed to record frame: %v", err)
	}

	recorder.session.dir = t.TempDir()
	if err := recorder.Stop(); err != nil {
		t.Errorf("Failed to stop recorder: %v", err)
	}
	if recorder.IsRunning() {
		t.Error("Expected recorder to be stopped")
	}
	if len(recorder.session.Frames) != 1 {
		t.Fatalf("expected 1 recorded frame, got %d", len(recorder.session.Frames))
	}
	decoded := recorder.session.Frames[0].Decoded
	if decoded == nil || decoded.Service != "StartDiagnosticSession" {
		t.Errorf("expected StartDiagnosticSession decode, got %+v", decoded)
	}
}

func TestDecodeServiceSingleFrameRequest(t *testing.T) {
	// Single Frame, length 3: SID 0x27 SecurityAccess, sub-function 0x01.
	d := decodeService([]byte{0x03, 0x27, 0x01})
	if d == nil || d.SID != 0x27 || d.Service != "SecurityAccess" || d.Positive || d.Negative {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestDecodeServicePositiveResponse(t *testing.T) {
	// Single Frame, length 2: SID 0x37+0x40 RequestTransferExit positive echo.
	d := decodeService([]byte{0x02, 0x77})
	if d == nil || d.SID != 0x37 || d.Service != "RequestTransferExit" || !d.Positive {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestDecodeServiceNegativeResponse(t *testing.T) {
	// Single Frame, length 3: 0x7F, requested SID 0x34, NRC 0x11.
	d := decodeService([]byte{0x03, 0x7F, 0x34, 0x11})
	if d == nil || !d.Negative || d.SID != 0x34 || d.NRC != 0x11 || d.Service != "RequestDownload" {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestDecodeServiceFirstFrame(t *testing.T) {
	// First Frame carrying a 1024-byte ReadMemoryByAddress positive response.
	d := decodeService([]byte{0x14, 0x00, 0x63, 0xAA, 0xBB, 0xCC, 0xDD})
	if d == nil || d.SID != 0x23 || d.Service != "ReadMemoryByAddress" || !d.Positive {
		t.Fatalf("unexpected decode: %+v", d)
	}
}

func TestDecodeServiceConsecutiveFrameHasNoService(t *testing.T) {
	if d := decodeService([]byte{0x21, 0xAA, 0xBB, 0xCC}); d != nil {
		t.Fatalf("expected nil decode for Consecutive Frame, got %+v", d)
	}
}
