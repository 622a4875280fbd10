package capture

import (
	"fmt"
	"sync"

	"n54flash/internal/kwp"
)

// Recorder handles the recording of frames to a session
type Recorder struct {
	session  *Session
	running  bool
	mu       sync.Mutex
	handlers map[string]FrameHandler
}

// FrameHandler is an interface for handling different types of frames
type FrameHandler interface {
	HandleFrame(frame Frame) error
	Type() string
}

// NewRecorder creates a new recorder instance for operation (e.g.
// "backup" or "flash"), labeled with ecuInfo.
func NewRecorder(operation, ecuInfo string) *Recorder {
	return &Recorder{
		session:  NewSession(operation, ecuInfo),
		handlers: make(map[string]FrameHandler),
	}
}

// RegisterHandler adds a frame handler for a specific frame type
func (r *Recorder) RegisterHandler(handler FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.Type()] = handler
}

// Start begins the recording session
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("recorder is already running")
	}

	r.running = true
	return nil
}

// Stop ends the recording session and saves the data
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("recorder is not running")
	}

	r.running = false
	return r.session.Save()
}

// Record adds a frame to the current session, decoding the KWP2000
// service it carries (if any) into frame.Decoded before storing it.
func (r *Recorder) Record(frame Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("recorder is not running")
	}

	if frame.Decoded == nil {
		frame.Decoded = decodeService(frame.Data)
	}

	// Process frame with appropriate handler if available
	if handler, ok := r.handlers[frame.Type]; ok {
		if err := handler.HandleFrame(frame); err != nil {
			return fmt.Errorf("handler error: %w", err)
		}
	}

	r.session.AddFrame(frame)
	return nil
}

// SetMetadata adds metadata to the session
func (r *Recorder) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.SetMetadata(key, value)
}

// IsRunning returns the current recording state
func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// DecodedService summarizes the KWP2000 service a captured ISO-TP frame
// carries. Consecutive Frames and Flow Control frames carry no service
// byte of their own and decode to nil.
type DecodedService struct {
	SID      byte   `json:"sid"`
	Service  string `json:"service"`
	Positive bool   `json:"positive,omitempty"`
	Negative bool   `json:"negative,omitempty"`
	NRC      byte   `json:"nrc,omitempty"`
}

const (
	isoTPSingleFrame = 0x00
	isoTPFirstFrame  = 0x10
	isoTPTypeMask    = 0xF0
	kwpNegative      = 0x7F
	kwpPositiveBit   = 0x40
)

var serviceNames = map[byte]string{
	kwp.SIDStartDiagnosticSession: "StartDiagnosticSession",
	kwp.SIDECUReset:               "ECUReset",
	kwp.SIDSecurityAccess:         "SecurityAccess",
	kwp.SIDTesterPresent:          "TesterPresent",
	kwp.SIDReadECUIdentification:  "ReadECUIdentification",
	kwp.SIDReadMemoryByAddress:    "ReadMemoryByAddress",
	kwp.SIDRoutineControl:         "RoutineControl",
	kwp.SIDRequestDownload:        "RequestDownload",
	kwp.SIDTransferData:           "TransferData",
	kwp.SIDRequestTransferExit:    "RequestTransferExit",
}

// decodeService extracts the KWP2000 service identifier from a raw
// ISO-TP frame payload, when the frame is a Single Frame or First
// Frame — the only PCI types that carry a service byte.
func decodeService(data []byte) *DecodedService {
	if len(data) < 2 {
		return nil
	}

	var sid byte
	switch data[0] & isoTPTypeMask {
	case isoTPSingleFrame:
		sid = data[1]
	case isoTPFirstFrame:
		if len(data) < 3 {
			return nil
		}
		sid = data[2]
	default:
		return nil
	}

	if sid == kwpNegative {
		var reqSID, nrc byte
		if len(data) >= 3 {
			reqSID = data[2]
		}
		if len(data) >= 4 {
			nrc = data[3]
		}
		return &DecodedService{SID: reqSID, Service: serviceNames[reqSID], Negative: true, NRC: nrc}
	}
	if name, ok := serviceNames[sid]; ok {
		return &DecodedService{SID: sid, Service: name}
	}
	if sid >= kwpPositiveBit {
		if name, ok := serviceNames[sid-kwpPositiveBit]; ok {
			return &DecodedService{SID: sid - kwpPositiveBit, Service: name, Positive: true}
		}
	}
	return nil
}
