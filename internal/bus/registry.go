// Package bus provides concrete frame.Bus backends — a slcan-style
// serial adapter for K+DCAN cables, a SocketCAN backend for Linux CAN
// interfaces, and an in-process mock for tests and the simulator — and
// a small constructor registry so callers select a backend by name the
// way the teacher's transport package selects by Config.Type.
package bus

import (
	"fmt"

	"n54flash/internal/frame"
)

// Config mirrors the teacher's transport.Config shape, generalized from
// OBD-II connection parameters to the CAN backends this module speaks.
type Config struct {
	Type     string // "serial", "socketcan", or "mock"
	Address  string // serial device path or SocketCAN interface name
	BaudRate int    // only used by the serial backend
}

// Constructor builds a frame.Bus from a Config.
type Constructor func(cfg Config) (frame.Bus, error)

var registry = map[string]Constructor{}

// Register adds a named backend constructor. Called from each backend's
// init() so New only ever sees backends actually compiled in.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New dispatches to the registered constructor for cfg.Type.
func New(cfg Config) (frame.Bus, error) {
	ctor, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("bus: unsupported transport type %q", cfg.Type)
	}
	return ctor(cfg)
}
