// Package transport owns the serial line to the dispenser: opening it
// at 9600 8N1 with DTR/RTS asserted, writing a request frame, and
// reading a response bounded by a total deadline and an inter-byte
// silence gate. It never interprets frame bytes — that is the
// protocol package's job.
package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// minUsefulResponse is the early-stop threshold of the read loop: once
// at least this many bytes have accumulated, SendAndReceive returns
// without waiting out the full deadline. It holds a whole S frame (7
// bytes) but is shorter than an L/R (15), C (16) or T (27) frame, so
// those are complete only when the bytes read so far already include
// the whole frame.
const minUsefulResponse = 14

// Port is the subset of go.bug.st/serial.Port that the transport
// depends on, so tests can supply a fake without opening a real line.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
}

// PortOpenError wraps a failure to open the serial device.
type PortOpenError struct {
	Port string
	Err  error
}

func (e *PortOpenError) Error() string {
	return fmt.Sprintf("open serial port %s: %v", e.Port, e.Err)
}

func (e *PortOpenError) Unwrap() error { return e.Err }

// Transport owns the open serial handle for one dispenser line.
type Transport struct {
	port Port
}

// Open configures the named serial device at baud (default callers
// pass 9600), 8 data bits, no parity, 1 stop bit, no flow control,
// with DTR and RTS asserted, and purges any stale RX/TX bytes.
func Open(portName string, baud int) (*Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &PortOpenError{Port: portName, Err: err}
	}
	if err := p.SetDTR(true); err != nil {
		p.Close()
		return nil, &PortOpenError{Port: portName, Err: err}
	}
	if err := p.SetRTS(true); err != nil {
		p.Close()
		return nil, &PortOpenError{Port: portName, Err: err}
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, &PortOpenError{Port: portName, Err: err}
	}
	if err := p.ResetOutputBuffer(); err != nil {
		p.Close()
		return nil, &PortOpenError{Port: portName, Err: err}
	}
	return &Transport{port: p}, nil
}

// OpenWithPort wraps an already-configured Port, used by tests and by
// callers that need a non-standard transport (e.g. a mock line).
func OpenWithPort(p Port) *Transport {
	return &Transport{port: p}
}

// SendAndReceive writes cmd in full, then reads until either the
// accumulated buffer reaches minUsefulResponse bytes or totalTimeout
// elapses. interByteTimeout is applied to each underlying read so a
// silence gap mid-frame does not block the whole call. A read
// timeout is not an error: it returns whatever accumulated, which may
// be empty. If forceClear is set, the input buffer is purged before
// writing, discarding any stale bytes left over from a prior attempt.
func (t *Transport) SendAndReceive(cmd []byte, totalTimeout, interByteTimeout time.Duration, forceClear bool) []byte {
	if forceClear {
		t.port.ResetInputBuffer()
	}

	if _, err := t.port.Write(cmd); err != nil {
		return nil
	}

	if err := t.port.SetReadTimeout(interByteTimeout); err != nil {
		return nil
	}

	deadline := time.Now().Add(totalTimeout)
	buf := make([]byte, 0, minUsefulResponse)
	chunk := make([]byte, 64)

	for len(buf) < minUsefulResponse && time.Now().Before(deadline) {
		n, err := t.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			// A read error on a silence-timeout line just means no
			// bytes arrived in the inter-byte window; keep polling
			// until the overall deadline.
			continue
		}
	}

	return buf
}

// Close releases the underlying handle. It is safe to call more than
// once.
func (t *Transport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}
