package device

import (
	"math"
	"time"

	"axiplot/pkg/ebb"
	"axiplot/pkg/errors"
)

// MMToSteps converts a distance to motor steps using the model's
// steps-per-mm factor, saturating at the int32 range.
func (d *Device) MMToSteps(mm float64) (int32, error) {
	if !(d.settings.StepsPerMM > 0) {
		return 0, errors.New(errors.ErrDeviceState, "steps per mm not configured")
	}
	if math.IsInf(mm, 0) || math.IsNaN(mm) {
		return 0, errors.New(errors.ErrDeviceState, "invalid distance %g mm", mm)
	}
	scaled := math.Round(mm * d.settings.StepsPerMM)
	if scaled > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	if scaled < math.MinInt32 {
		return math.MinInt32, nil
	}
	return int32(scaled), nil
}

// DurationForMove returns the SM duration for a distance at a speed,
// clamped to the firmware's 1..16777215 ms range.
func DurationForMove(distanceMM, speedMMS float64) uint32 {
	if !(distanceMM > 0) || !(speedMMS > 0) {
		return 1
	}
	ms := math.Ceil(distanceMM / speedMMS * 1000.0)
	if ms < 1 {
		ms = 1
	}
	if ms > maxDuration {
		ms = maxDuration
	}
	return uint32(ms)
}

// PenUp raises the pen and waits out the configured settle delay.
func (d *Device) PenUp() error {
	return d.execPen(true)
}

// PenDown lowers the pen and waits out the configured settle delay.
func (d *Device) PenDown() error {
	return d.execPen(false)
}

func (d *Device) execPen(penUp bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.waitSlot(); err != nil {
		return err
	}
	delay := d.settings.PenDownDelay
	if penUp {
		delay = d.settings.PenUpDelay
	}
	if delay < 0 {
		delay = 0
	}
	delayMS := int(delay / time.Millisecond)
	d.logger.Debug("pen %v delay=%dms", penUp, delayMS)
	if err := d.engine.PenSet(penUp, delayMS, -1); err != nil {
		return err
	}
	d.markDispatched()
	return nil
}

// MoveXY issues a timed SM move in motor steps.
func (d *Device) MoveXY(durationMS uint32, stepsX, stepsY int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.waitSlot(); err != nil {
		return err
	}
	if err := d.engine.MoveSteps(durationMS, stepsX, stepsY); err != nil {
		return err
	}
	d.markDispatched()
	return nil
}

// MoveMixed issues a timed XM move in mixed A/B channel steps.
func (d *Device) MoveMixed(durationMS uint32, stepsA, stepsB int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.waitSlot(); err != nil {
		return err
	}
	if err := d.engine.MoveMixed(durationMS, stepsA, stepsB); err != nil {
		return err
	}
	d.markDispatched()
	return nil
}

// MoveLowLevel issues an LM move with explicit per-axis rate, step count
// and acceleration.
func (d *Device) MoveLowLevel(rate1 uint32, steps1, accel1 int32,
	rate2 uint32, steps2, accel2 int32, clear ebb.ClearFlag) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.waitSlot(); err != nil {
		return err
	}
	if err := d.engine.MoveLowLevelSteps(rate1, steps1, accel1,
		rate2, steps2, accel2, clear); err != nil {
		return err
	}
	d.markDispatched()
	return nil
}

// MoveLowLevelTime issues an LT move lasting a fixed number of 40 µs
// intervals.
func (d *Device) MoveLowLevelTime(intervals uint32, rate1, accel1, rate2, accel2 int32,
	clear ebb.ClearFlag) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.waitSlot(); err != nil {
		return err
	}
	if err := d.engine.MoveLowLevelTime(intervals, rate1, accel1, rate2, accel2, clear); err != nil {
		return err
	}
	d.markDispatched()
	return nil
}

// MoveMM moves a relative distance in mm at the given speed; zero speed
// falls back to the configured motion speed.
func (d *Device) MoveMM(dxMM, dyMM, speedMMS float64) error {
	speed := speedMMS
	if !(speed > 0) {
		speed = d.settings.Speed
	}
	if !(speed > 0) {
		speed = 75.0
	}
	stepsX, err := d.MMToSteps(dxMM)
	if err != nil {
		return err
	}
	stepsY, err := d.MMToSteps(dyMM)
	if err != nil {
		return err
	}
	duration := DurationForMove(math.Hypot(dxMM, dyMM), speed)
	return d.MoveXY(duration, stepsX, stepsY)
}

// Home issues HM back to the step origin at the given rate.
func (d *Device) Home(stepRate uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.waitSlot(); err != nil {
		return err
	}
	if err := d.engine.HomeMove(stepRate, nil); err != nil {
		return err
	}
	d.markDispatched()
	return nil
}

// WaitIdle polls motion status until the FIFO drains and all motion stops,
// or the timeout elapses.
func (d *Device) WaitIdle(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	start := d.now()
	for {
		status, err := d.engine.QueryMotion()
		if err != nil {
			return err
		}
		if !status.CommandActive && !status.FIFOPending &&
			!status.Motor1Active && !status.Motor2Active {
			d.pending = 0
			return nil
		}
		if d.now().Sub(start) >= timeout {
			return errors.New(errors.ErrDeviceBusy, "still moving after %s", timeout)
		}
		d.sleep(fifoPollInterval)
	}
}

// EmergencyStop aborts all motion and resets the queue estimate.
func (d *Device) EmergencyStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	if err := d.engine.EmergencyStop(); err != nil {
		return err
	}
	d.pending = 0
	d.lastCmd = time.Time{}
	d.logger.Warn("emergency stop executed")
	return nil
}

// EnableMotors powers both steppers at 1/16 microstepping.
func (d *Device) EnableMotors() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	return d.engine.EnableMotors(ebb.MotorStep16, ebb.MotorStep16)
}

// DisableMotors releases both steppers.
func (d *Device) DisableMotors() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	return d.engine.DisableMotors()
}

// Status returns the full aggregated device status.
func (d *Device) Status() (ebb.StatusSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return ebb.StatusSnapshot{}, err
	}
	return d.engine.CollectStatus()
}
