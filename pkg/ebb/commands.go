package ebb

import (
	"fmt"
	"strconv"
	"strings"

	"axiplot/pkg/errors"
)

// MotorMode selects a motor's microstep resolution for EM. A disabled motor
// freewheels.
type MotorMode int

const (
	MotorDisabled MotorMode = 0
	MotorStep16   MotorMode = 1
	MotorStep8    MotorMode = 2
	MotorStep4    MotorMode = 3
	MotorStep2    MotorMode = 4
	MotorStepFull MotorMode = 5
)

// ClearFlag selects which step accumulators LM/LT reset before moving.
// ClearUnset omits the parameter entirely.
type ClearFlag int

const (
	ClearUnset ClearFlag = -1
	ClearNone  ClearFlag = 0
	ClearAxis1 ClearFlag = 1
	ClearAxis2 ClearFlag = 2
	ClearBoth  ClearFlag = 3
)

// Command parameter bounds from the EBB firmware documentation.
const (
	maxMoveDuration = 16777215
	maxMoveSteps    = 16777215
	maxLowLevelRate = 2147483647
	maxHomePosition = 4294967
)

func validClearFlag(f ClearFlag) bool {
	return f == ClearUnset || (f >= ClearNone && f <= ClearBoth)
}

// EnableMotors issues EM, selecting the microstep mode per motor.
func (e *Engine) EnableMotors(motor1, motor2 MotorMode) error {
	if motor1 < MotorDisabled || motor1 > MotorStepFull ||
		motor2 < MotorDisabled || motor2 > MotorStepFull {
		return errors.New(errors.ErrProtoValidation,
			"EM modes out of range: %d, %d", motor1, motor2)
	}
	return e.SendCommand(fmt.Sprintf("EM,%d,%d", motor1, motor2))
}

// DisableMotors issues EM,0,0, freeing both motors.
func (e *Engine) DisableMotors() error {
	return e.EnableMotors(MotorDisabled, MotorDisabled)
}

// MoveSteps issues SM, a timed straight move in motor steps.
func (e *Engine) MoveSteps(durationMS uint32, steps1, steps2 int32) error {
	if durationMS == 0 || durationMS > maxMoveDuration {
		return errors.New(errors.ErrProtoValidation,
			"SM duration out of range: %d", durationMS)
	}
	if steps1 < -maxMoveSteps || steps1 > maxMoveSteps ||
		steps2 < -maxMoveSteps || steps2 > maxMoveSteps {
		return errors.New(errors.ErrProtoValidation,
			"SM steps out of range: %d, %d", steps1, steps2)
	}
	return e.SendCommand(fmt.Sprintf("SM,%d,%d,%d", durationMS, steps1, steps2))
}

// MoveMixed issues XM, a timed move in mixed A/B channel steps.
func (e *Engine) MoveMixed(durationMS uint32, stepsA, stepsB int32) error {
	if durationMS == 0 || durationMS > maxMoveDuration {
		return errors.New(errors.ErrProtoValidation,
			"XM duration out of range: %d", durationMS)
	}
	if stepsA < -maxMoveSteps || stepsA > maxMoveSteps ||
		stepsB < -maxMoveSteps || stepsB > maxMoveSteps {
		return errors.New(errors.ErrProtoValidation,
			"XM steps out of range: %d, %d", stepsA, stepsB)
	}
	return e.SendCommand(fmt.Sprintf("XM,%d,%d,%d", durationMS, stepsA, stepsB))
}

// PenSet issues SP. settleMS adds a pause before the next command; portBPin
// selects an alternate RB output pin, -1 for the default.
func (e *Engine) PenSet(penUp bool, settleMS, portBPin int) error {
	if settleMS < 0 || settleMS > 65535 {
		return errors.New(errors.ErrProtoValidation,
			"SP settle delay out of range: %d", settleMS)
	}
	if portBPin < -1 || portBPin > 7 {
		return errors.New(errors.ErrProtoValidation,
			"SP port B pin out of range: %d", portBPin)
	}
	state := 0
	if penUp {
		state = 1
	}
	switch {
	case portBPin >= 0:
		return e.SendCommand(fmt.Sprintf("SP,%d,%d,%d", state, settleMS, portBPin))
	case settleMS > 0:
		return e.SendCommand(fmt.Sprintf("SP,%d,%d", state, settleMS))
	default:
		return e.SendCommand(fmt.Sprintf("SP,%d", state))
	}
}

// PenUp raises the pen with no extra parameters.
func (e *Engine) PenUp() error {
	return e.PenSet(true, 0, -1)
}

// PenDown lowers the pen with no extra parameters.
func (e *Engine) PenDown() error {
	return e.PenSet(false, 0, -1)
}

// MoveLowLevelSteps issues LM, the step-limited low-level move with explicit
// rates and accelerations per axis. An all-zero request is rejected.
func (e *Engine) MoveLowLevelSteps(rate1 uint32, steps1, accel1 int32,
	rate2 uint32, steps2, accel2 int32, clear ClearFlag) error {
	if rate1 > maxLowLevelRate || rate2 > maxLowLevelRate {
		return errors.New(errors.ErrProtoValidation,
			"LM rates out of range: %d, %d", rate1, rate2)
	}
	if !validClearFlag(clear) {
		return errors.New(errors.ErrProtoValidation,
			"LM clear flags invalid: %d", clear)
	}
	if rate1 == 0 && rate2 == 0 && steps1 == 0 && steps2 == 0 && accel1 == 0 && accel2 == 0 {
		return errors.New(errors.ErrProtoValidation, "LM with no motion")
	}
	if clear >= 0 {
		return e.SendCommand(fmt.Sprintf("LM,%d,%d,%d,%d,%d,%d,%d",
			rate1, steps1, accel1, rate2, steps2, accel2, clear))
	}
	return e.SendCommand(fmt.Sprintf("LM,%d,%d,%d,%d,%d,%d",
		rate1, steps1, accel1, rate2, steps2, accel2))
}

// MoveLowLevelTime issues LT, the time-limited low-level move. intervals is
// the duration in 40 µs units.
func (e *Engine) MoveLowLevelTime(intervals uint32, rate1, accel1, rate2, accel2 int32,
	clear ClearFlag) error {
	if intervals == 0 {
		return errors.New(errors.ErrProtoValidation, "LT needs a positive duration")
	}
	if !validClearFlag(clear) {
		return errors.New(errors.ErrProtoValidation,
			"LT clear flags invalid: %d", clear)
	}
	if rate1 == 0 && rate2 == 0 && accel1 == 0 && accel2 == 0 {
		return errors.New(errors.ErrProtoValidation, "LT with no motion")
	}
	if clear >= 0 {
		return e.SendCommand(fmt.Sprintf("LT,%d,%d,%d,%d,%d,%d",
			intervals, rate1, accel1, rate2, accel2, clear))
	}
	return e.SendCommand(fmt.Sprintf("LT,%d,%d,%d,%d,%d",
		intervals, rate1, accel1, rate2, accel2))
}

// HomeMove issues HM: home to zero, or to an absolute step position when
// target is given. Positions come as a pair or not at all.
func (e *Engine) HomeMove(stepRate uint32, target *[2]int32) error {
	if stepRate < 2 || stepRate > 25000 {
		return errors.New(errors.ErrProtoValidation,
			"HM step rate out of range: %d", stepRate)
	}
	if target == nil {
		return e.SendCommand(fmt.Sprintf("HM,%d", stepRate))
	}
	if target[0] < -maxHomePosition || target[0] > maxHomePosition ||
		target[1] < -maxHomePosition || target[1] > maxHomePosition {
		return errors.New(errors.ErrProtoValidation,
			"HM position out of range: %d, %d", target[0], target[1])
	}
	return e.SendCommand(fmt.Sprintf("HM,%d,%d,%d", stepRate, target[0], target[1]))
}

// ClearSteps issues CS, zeroing the global step counters.
func (e *Engine) ClearSteps() error {
	return e.SendCommand("CS")
}

// EmergencyStop issues ES, aborting all motion immediately.
func (e *Engine) EmergencyStop() error {
	return e.SendCommand("ES")
}

// ConfigureMode issues SC, setting one firmware mode parameter.
func (e *Engine) ConfigureMode(paramID, value int) error {
	if paramID < 0 || paramID > 255 {
		return errors.New(errors.ErrProtoValidation,
			"SC parameter id out of range: %d", paramID)
	}
	if value < 0 || value > 65535 {
		return errors.New(errors.ErrProtoValidation,
			"SC value out of range: %d", value)
	}
	return e.SendCommand(fmt.Sprintf("SC,%d,%d", paramID, value))
}

// SetServoPowerTimeout issues SR. powerState -1 leaves the power state
// unchanged, 0 switches the servo off, 1 on.
func (e *Engine) SetServoPowerTimeout(timeoutMS uint32, powerState int) error {
	if powerState < -1 || powerState > 1 {
		return errors.New(errors.ErrProtoValidation,
			"SR power state invalid: %d", powerState)
	}
	if powerState >= 0 {
		return e.SendCommand(fmt.Sprintf("SR,%d,%d", timeoutMS, powerState))
	}
	return e.SendCommand(fmt.Sprintf("SR,%d", timeoutMS))
}

// parseInt32 parses one strictly numeric field. A trailing CR is the only
// non-digit tolerated.
func parseInt32(field string) (int32, error) {
	field = strings.TrimSuffix(field, "\r")
	v, err := strconv.ParseInt(field, 10, 32)
	if err != nil {
		return 0, errors.New(errors.ErrProtoParse,
			"bad numeric field").SetDetail(field)
	}
	return int32(v), nil
}

// QuerySteps issues QS and returns the global step counters.
func (e *Engine) QuerySteps() (steps1, steps2 int32, err error) {
	data, err := e.SendQuery("QS")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Split(data, ",")
	if len(fields) != 2 {
		return 0, 0, errors.New(errors.ErrProtoParse,
			"QS expects two fields").SetDetail(data)
	}
	if steps1, err = parseInt32(fields[0]); err != nil {
		return 0, 0, err
	}
	if steps2, err = parseInt32(fields[1]); err != nil {
		return 0, 0, err
	}
	return steps1, steps2, nil
}

// QueryPen issues QP and reports whether the pen is up.
func (e *Engine) QueryPen() (bool, error) {
	data, err := e.SendQuery("QP")
	if err != nil {
		return false, err
	}
	v, err := parseInt32(data)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// QueryServoPower issues QR and reports whether the servo is powered.
func (e *Engine) QueryServoPower() (bool, error) {
	data, err := e.SendQuery("QR")
	if err != nil {
		return false, err
	}
	v, err := parseInt32(data)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// QueryVersion issues V and returns the firmware version line verbatim.
func (e *Engine) QueryVersion() (string, error) {
	data, err := e.SendQuery("V")
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(data, "\r"), nil
}
