// Serial transport for the EBB.
//
// Wraps go.bug.st/serial with the line discipline the board expects: raw
// 8N1, commands terminated by CR, responses terminated by CR or LF. ReadLine
// reports timeouts with os.ErrDeadlineExceeded so the protocol engine can
// distinguish silence from transport failure.
package serial

import (
	"os"
	"strings"
	"time"

	bserial "go.bug.st/serial"

	"axiplot/pkg/errors"
	"axiplot/pkg/log"
)

// DefaultBaud is the EBB's fixed USB-CDC baud rate.
const DefaultBaud = 9600

// DefaultTimeout is the read timeout used when a config leaves it zero.
const DefaultTimeout = 2 * time.Second

// Config selects the device and line parameters for Open.
type Config struct {
	// Port is the device path, e.g. /dev/tty.usbmodem14101.
	Port string

	// Baud is the line speed; zero means DefaultBaud.
	Baud int

	// ReadTimeout is the default probe/read timeout; zero means
	// DefaultTimeout.
	ReadTimeout time.Duration
}

// Port is an open line-oriented serial connection.
type Port struct {
	port    bserial.Port
	path    string
	timeout time.Duration
	logger  *log.Logger
}

// Open opens the device in raw 8N1 mode.
func Open(cfg Config) (*Port, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	timeout := cfg.ReadTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	mode := &bserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bserial.NoParity,
		StopBits: bserial.OneStopBit,
	}
	p, err := bserial.Open(cfg.Port, mode)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTransport,
			"open %s at %d baud failed", cfg.Port, baud)
	}
	return wrap(p, cfg.Port, timeout), nil
}

func wrap(p bserial.Port, path string, timeout time.Duration) *Port {
	return &Port{
		port:    p,
		path:    path,
		timeout: timeout,
		logger:  log.GetLogger("serial"),
	}
}

// Close closes the underlying device.
func (s *Port) Close() error {
	if err := s.port.Close(); err != nil {
		return errors.Wrap(err, errors.ErrTransport, "close %s failed", s.path)
	}
	return nil
}

// WriteLine transmits an ASCII line with the trailing CR the EBB expects.
func (s *Port) WriteLine(line string) error {
	data := []byte(line + "\r")
	for len(data) > 0 {
		n, err := s.port.Write(data)
		if err != nil {
			return errors.Wrap(err, errors.ErrTransport, "write to %s failed", s.path)
		}
		data = data[n:]
	}
	return nil
}

// ReadLine reads one line terminated by CR or LF, without the terminator.
// Blank separator lines (the LF of a CRLF pair) are skipped. Returns
// os.ErrDeadlineExceeded when no complete line arrives within the timeout.
func (s *Port) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", os.ErrDeadlineExceeded
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return "", errors.Wrap(err, errors.ErrTransport,
				"set read timeout on %s failed", s.path)
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrTransport, "read from %s failed", s.path)
		}
		if n == 0 {
			return "", os.ErrDeadlineExceeded
		}
		switch buf[0] {
		case '\r', '\n':
			if sb.Len() == 0 {
				continue
			}
			return sb.String(), nil
		default:
			sb.WriteByte(buf[0])
		}
	}
}

// FlushInput discards any pending unread input.
func (s *Port) FlushInput() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return errors.Wrap(err, errors.ErrTransport, "flush %s failed", s.path)
	}
	return nil
}

// Probe flushes stale input, sends a version query and returns the firmware
// line. Used to confirm an EBB is on the other end before taking ownership.
func (s *Port) Probe() (string, error) {
	if err := s.FlushInput(); err != nil {
		return "", err
	}
	if err := s.WriteLine("V"); err != nil {
		return "", err
	}
	version, err := s.ReadLine(s.timeout)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrTransport,
			"no version response from %s", s.path)
	}
	s.logger.Debug("probe %s: %s", s.path, version)
	return version, nil
}

// ListPorts returns the system's serial device paths.
func ListPorts() ([]string, error) {
	ports, err := bserial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTransport, "enumerate serial ports failed")
	}
	return ports, nil
}

// GuessPort picks the first port that looks like an EBB's USB-CDC device
// (usbmodem on macOS, ttyACM on Linux). Returns "" when nothing matches.
func GuessPort() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if strings.Contains(p, "usbmodem") || strings.Contains(p, "ttyACM") {
			return p, nil
		}
	}
	return "", nil
}
