package bus

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"n54flash/internal/frame"
)

func init() {
	Register("serial", func(cfg Config) (frame.Bus, error) {
		return newSerialBus(cfg)
	})
}

// serialBus speaks the Lawicel/slcan ASCII line protocol that K+DCAN
// and similar USB-to-CAN cables expose over a serial port: a standard
// (11-bit ID) transmit frame is a line "tIIILDD...\r" (III = 3 hex digit ID, L = 1
// hex digit length, DD = hex data bytes), and incoming frames arrive in
// the same shape.
type serialBus struct {
	port   *serial.Port
	reader *bufio.Reader
}

func newSerialBus(cfg Config) (frame.Bus, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Address,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: open serial port %s: %w", cfg.Address, err)
	}
	return &serialBus{port: port, reader: bufio.NewReader(port)}, nil
}

func (s *serialBus) Send(f frame.Frame) error {
	length := len(f.Data)
	if length > 8 {
		length = 8
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "t%03X%X", f.ID, length)
	for _, b := range f.Data[:length] {
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte('\r')
	_, err := s.port.Write([]byte(sb.String()))
	if err != nil {
		return fmt.Errorf("bus: serial write: %w", err)
	}
	return nil
}

// Recv reads one slcan line. Lines that are not transmit-frame
// notifications ('t' prefix) are discarded; timeout is approximated by
// the port's configured ReadTimeout, since tarm/serial offers no
// per-call deadline.
func (s *serialBus) Recv(timeout time.Duration) (*frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		line, err := s.reader.ReadString('\r')
		if err != nil {
			continue
		}
		line = strings.TrimSpace(line)
		if len(line) < 5 || line[0] != 't' {
			continue
		}
		id, err := strconv.ParseUint(line[1:4], 16, 32)
		if err != nil {
			continue
		}
		length, err := strconv.ParseUint(line[4:5], 16, 8)
		if err != nil {
			continue
		}
		data := make([]byte, 0, length)
		for i := 0; i < int(length); i++ {
			start := 5 + i*2
			if start+2 > len(line) {
				break
			}
			b, err := strconv.ParseUint(line[start:start+2], 16, 8)
			if err != nil {
				break
			}
			data = append(data, byte(b))
		}
		f := frame.New(uint32(id), data)
		return &f, nil
	}
	return nil, nil
}

func (s *serialBus) Shutdown() error {
	return s.port.Close()
}
