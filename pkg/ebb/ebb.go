// EBB (EiBotBoard) protocol engine.
//
// The EBB speaks a line-oriented ASCII protocol: the host writes a command
// line terminated by CR, the board answers with "OK", or one data line
// followed by "OK", or an error line beginning with "ERR" or "!". The engine
// frames commands, validates parameters before transmission, and classifies
// responses with a bounded read loop. It assumes exclusive ownership of the
// transport for the duration of one exchange; callers serialize access.
package ebb

import (
	goerrors "errors"
	"os"
	"strings"
	"time"

	"axiplot/pkg/errors"
	"axiplot/pkg/log"
	"axiplot/pkg/metrics"
)

var (
	exchangesTotal = metrics.Default().CounterVec(
		"axiplot_exchanges_total", "Serial exchanges by result.", "result")
	exchangeSeconds = metrics.Default().Histogram(
		"axiplot_exchange_seconds", "Serial exchange round-trip time.",
		[]float64{0.001, 0.005, 0.02, 0.1, 0.5, 2})
)

// maxReadAttempts bounds the response loop for one exchange.
const maxReadAttempts = 8

// DefaultTimeout is the per-read response timeout used by NewEngine.
const DefaultTimeout = 2 * time.Second

// Transport is the line-oriented byte channel the engine drives. WriteLine
// appends the trailing CR itself. ReadLine returns one line without its
// CR/LF terminator, or os.ErrDeadlineExceeded when no line arrives within
// the timeout.
type Transport interface {
	WriteLine(line string) error
	ReadLine(timeout time.Duration) (string, error)
}

// exchangeState tracks one request/response exchange. Modelling the loop as
// an explicit state machine keeps the termination conditions testable.
type exchangeState int

const (
	stateWaitLine exchangeState = iota
	stateGotData
	stateDone
	stateFailed
)

// Engine issues commands and queries over a Transport.
type Engine struct {
	transport Transport
	timeout   time.Duration
	logger    *log.Logger
}

// NewEngine binds an engine to a transport with the default response timeout.
func NewEngine(t Transport) *Engine {
	return &Engine{
		transport: t,
		timeout:   DefaultTimeout,
		logger:    log.GetLogger("ebb"),
	}
}

// SetTimeout overrides the per-read response timeout.
func (e *Engine) SetTimeout(d time.Duration) {
	e.timeout = d
}

// exchange writes one command line and runs the bounded response loop.
// When wantData is true the first non-status line is captured as the query
// payload and "OK" without prior data is an error.
func (e *Engine) exchange(line string, wantData bool) (string, error) {
	started := time.Now()
	defer func() {
		exchangeSeconds.Observe(time.Since(started).Seconds())
	}()

	e.logger.Debug("→ %s", line)
	if err := e.transport.WriteLine(line); err != nil {
		exchangesTotal.With("error").Inc()
		return "", errors.Wrap(err, errors.ErrTransport, "write %q failed", line)
	}

	state := stateWaitLine
	var data string
	var failure error

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		resp, err := e.transport.ReadLine(e.timeout)
		if err != nil {
			if goerrors.Is(err, os.ErrDeadlineExceeded) {
				failure = errors.New(errors.ErrProtoNoResponse, "no response to %q", line)
			} else {
				failure = errors.Wrap(err, errors.ErrTransport, "read after %q failed", line)
			}
			state = stateFailed
			break
		}
		resp = strings.TrimSuffix(resp, "\r")
		e.logger.Debug("← %s", resp)

		if resp == "OK" {
			if wantData && state != stateGotData {
				failure = errors.New(errors.ErrProtoMissingData,
					"%q acknowledged without a data line", line)
				state = stateFailed
			} else {
				state = stateDone
			}
			break
		}
		if strings.HasPrefix(resp, "ERR") || strings.HasPrefix(resp, "!") {
			failure = errors.New(errors.ErrProtoDevice,
				"device rejected %q", line).SetDetail(resp)
			state = stateFailed
			break
		}
		if wantData && state == stateWaitLine {
			data = resp
			state = stateGotData
			continue
		}
		// Unexpected info line; keep waiting for OK.
	}

	switch state {
	case stateDone:
		exchangesTotal.With("ok").Inc()
		return data, nil
	case stateFailed:
		exchangesTotal.With("error").Inc()
		return "", failure
	default:
		exchangesTotal.With("error").Inc()
		return "", errors.New(errors.ErrProtoNoAck,
			"no acknowledgment for %q after %d lines", line, maxReadAttempts)
	}
}

// SendCommand transmits a command line and waits for its "OK".
func (e *Engine) SendCommand(line string) error {
	_, err := e.exchange(line, false)
	return err
}

// SendQuery transmits a query line and returns its data payload.
func (e *Engine) SendQuery(line string) (string, error) {
	return e.exchange(line, true)
}
