package ebb

import (
	"strings"

	"axiplot/pkg/errors"
)

// MotionStatus is the decoded QM response.
type MotionStatus struct {
	// CommandActive reports whether a motion command is executing.
	CommandActive bool

	// Motor1Active and Motor2Active report per-motor movement.
	Motor1Active bool
	Motor2Active bool

	// FIFOPending reports a non-empty motion FIFO (firmware ≥ 2.4.4;
	// older firmware omits the field and it reads false).
	FIFOPending bool
}

// StatusSnapshot aggregates the individual status queries. A snapshot is
// only valid as a whole; CollectStatus never returns a partial one.
type StatusSnapshot struct {
	Motion     MotionStatus
	Steps1     int32
	Steps2     int32
	PenUp      bool
	ServoPower bool
	Firmware   string
}

// QueryMotion issues QM and decodes the motion flags. The response may carry
// an optional leading "QM," echo and three or four comma-separated fields.
func (e *Engine) QueryMotion() (MotionStatus, error) {
	data, err := e.SendQuery("QM")
	if err != nil {
		return MotionStatus{}, err
	}

	payload := data
	if strings.HasPrefix(payload, "QM") {
		payload = strings.TrimPrefix(payload, "QM")
		payload = strings.TrimPrefix(payload, ",")
	}

	fields := strings.Split(payload, ",")
	if len(fields) < 3 || len(fields) > 4 {
		return MotionStatus{}, errors.New(errors.ErrProtoParse,
			"QM expects three or four fields").SetDetail(data)
	}
	values := make([]int32, len(fields))
	for i, f := range fields {
		v, err := parseInt32(f)
		if err != nil {
			return MotionStatus{}, err
		}
		values[i] = v
	}

	status := MotionStatus{
		CommandActive: values[0] != 0,
		Motor1Active:  values[1] != 0,
		Motor2Active:  values[2] != 0,
	}
	if len(values) == 4 {
		status.FIFOPending = values[3] != 0
	}
	return status, nil
}

// CollectStatus issues QM, QS, QP, QR and V in order, short-circuiting on
// the first failure.
func (e *Engine) CollectStatus() (StatusSnapshot, error) {
	var snap StatusSnapshot
	var err error

	if snap.Motion, err = e.QueryMotion(); err != nil {
		return StatusSnapshot{}, err
	}
	if snap.Steps1, snap.Steps2, err = e.QuerySteps(); err != nil {
		return StatusSnapshot{}, err
	}
	if snap.PenUp, err = e.QueryPen(); err != nil {
		return StatusSnapshot{}, err
	}
	if snap.ServoPower, err = e.QueryServoPower(); err != nil {
		return StatusSnapshot{}, err
	}
	if snap.Firmware, err = e.QueryVersion(); err != nil {
		return StatusSnapshot{}, err
	}
	return snap, nil
}
