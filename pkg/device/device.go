// Device session management for an AxiDraw-class plotter.
//
// Device owns one serial connection and the protocol engine on top of it,
// and adds the policy the bare protocol does not have: settings sync after
// connect, FIFO occupancy tracking so the board's small motion queue never
// overflows, a minimum spacing between commands, and pen settle delays.
// All entry points serialize on one mutex; the engine requires exclusive
// transport ownership per exchange.
package device

import (
	"math"
	"sync"
	"time"

	"axiplot/pkg/config"
	"axiplot/pkg/ebb"
	"axiplot/pkg/errors"
	"axiplot/pkg/log"
	"axiplot/pkg/metrics"
	"axiplot/pkg/serial"
)

var (
	commandsTotal = metrics.Default().Counter(
		"axiplot_commands_total", "Motion and pen commands dispatched.")
	fifoPending = metrics.Default().Gauge(
		"axiplot_fifo_pending", "Estimated motion commands queued on the board.")
)

// Servo pulse range for the pen lift, in 83.3 ns units.
const (
	servoMin        = 7500
	servoMax        = 28000
	servoSpeedScale = 5
)

// maxDuration is the largest move duration the firmware accepts, in ms.
const maxDuration = 16777215

// fifoPollInterval is the delay between QM polls while the queue is full.
const fifoPollInterval = 5 * time.Millisecond

// Settings is the device-level tuning applied on connect. Negative pen
// values mean "leave the firmware default".
type Settings struct {
	MinCmdInterval time.Duration
	FIFOLimit      int
	Timeout        time.Duration

	PenUpPos     int
	PenDownPos   int
	PenUpSpeed   int
	PenDownSpeed int
	PenUpDelay   time.Duration
	PenDownDelay time.Duration

	ServoTimeout time.Duration

	Speed      float64
	Accel      float64
	StepsPerMM float64
}

// SettingsFromConfig maps the host configuration onto device settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MinCmdInterval: time.Duration(cfg.Device.MinCmdIntervalMS * float64(time.Millisecond)),
		FIFOLimit:      cfg.Device.FIFOLimit,
		Timeout:        cfg.Device.ReadTimeout(),
		PenUpPos:       cfg.Pen.UpPosition,
		PenDownPos:     cfg.Pen.DownPosition,
		PenUpSpeed:     cfg.Pen.UpSpeed,
		PenDownSpeed:   cfg.Pen.DownSpeed,
		PenUpDelay:     time.Duration(cfg.Pen.UpDelayMS) * time.Millisecond,
		PenDownDelay:   time.Duration(cfg.Pen.DownDelayMS) * time.Millisecond,
		ServoTimeout:   time.Duration(cfg.Pen.ServoTimeoutS) * time.Second,
		Speed:          cfg.Motion.Speed,
		Accel:          cfg.Motion.Accel,
		StepsPerMM:     cfg.Device.StepsPerMM,
	}
}

// Device is one connected plotter.
type Device struct {
	// mu serializes all entry points; the engine requires exclusive
	// transport ownership per exchange.
	mu sync.Mutex

	engine    *ebb.Engine
	closer    interface{ Close() error }
	settings  Settings
	connected bool

	// FIFO occupancy estimate and rate-limit bookkeeping.
	pending int
	lastCmd time.Time

	logger *log.Logger

	// Stubbed in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// Connect opens the configured port, probes for an EBB and syncs settings.
// An empty port triggers device autodetection.
func Connect(cfg *config.Config) (*Device, error) {
	port := cfg.Device.Port
	if port == "" {
		guessed, err := serial.GuessPort()
		if err != nil {
			return nil, err
		}
		if guessed == "" {
			return nil, errors.New(errors.ErrDeviceState,
				"no port configured and none detected")
		}
		port = guessed
	}

	sp, err := serial.Open(serial.Config{
		Port:        port,
		Baud:        cfg.Device.Baud,
		ReadTimeout: cfg.Device.ReadTimeout(),
	})
	if err != nil {
		return nil, err
	}
	version, err := sp.Probe()
	if err != nil {
		sp.Close()
		return nil, err
	}

	d := New(sp, SettingsFromConfig(cfg))
	d.closer = sp
	d.logger.WithField("port", port).WithField("firmware", version).Info("connected")
	if err := d.syncSettings(); err != nil {
		d.logger.WithError(err).Warn("settings sync incomplete")
	}
	return d, nil
}

// New binds a device to an already-open transport and marks it connected.
// Used directly by tests and by Connect.
func New(t ebb.Transport, settings Settings) *Device {
	engine := ebb.NewEngine(t)
	if settings.Timeout > 0 {
		engine.SetTimeout(settings.Timeout)
	}
	return &Device{
		engine:    engine,
		settings:  settings,
		connected: true,
		logger:    log.GetLogger("device"),
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// Close disconnects and releases the port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.pending = 0
	d.lastCmd = time.Time{}
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// Settings returns the active device settings.
func (d *Device) Settings() Settings {
	return d.settings
}

func (d *Device) requireConnection() error {
	if !d.connected {
		return errors.New(errors.ErrDeviceState, "device not connected")
	}
	return nil
}

// percentToServo maps 0..100 percent of pen travel onto the servo pulse
// range, rounding to the nearest tick.
func percentToServo(percent int) int {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	v := servoMin + ((servoMax-servoMin)*percent+50)/100
	if v < 1 {
		v = 1
	}
	if v > 65535 {
		v = 65535
	}
	return v
}

// speedToRate maps a pen speed percentage onto the firmware's servo rate.
func speedToRate(speedPercent int) int {
	if speedPercent < 0 {
		speedPercent = 0
	}
	v := speedPercent * servoSpeedScale
	if v > 65535 {
		v = 65535
	}
	return v
}

// syncSettings pushes pen and servo tuning to the board. Individual
// rejections are logged and skipped; the device stays usable with firmware
// defaults.
func (d *Device) syncSettings() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnection(); err != nil {
		return err
	}
	var firstErr error
	record := func(err error, what string) {
		if err != nil {
			d.logger.WithError(err).Warn("%s rejected", what)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// SC,1,1 selects the RC servo output for the pen lift.
	record(d.engine.ConfigureMode(1, 1), "servo enable")

	if d.settings.PenUpPos >= 0 {
		record(d.engine.ConfigureMode(4, percentToServo(d.settings.PenUpPos)), "pen up position")
	}
	if d.settings.PenDownPos >= 0 {
		record(d.engine.ConfigureMode(5, percentToServo(d.settings.PenDownPos)), "pen down position")
	}
	if d.settings.PenUpSpeed >= 0 {
		record(d.engine.ConfigureMode(11, speedToRate(d.settings.PenUpSpeed)), "pen up speed")
	}
	if d.settings.PenDownSpeed >= 0 {
		record(d.engine.ConfigureMode(12, speedToRate(d.settings.PenDownSpeed)), "pen down speed")
	}
	if d.settings.ServoTimeout >= 0 {
		ms := d.settings.ServoTimeout.Milliseconds()
		if ms > math.MaxUint32 {
			ms = math.MaxUint32
		}
		record(d.engine.SetServoPowerTimeout(uint32(ms), 1), "servo power timeout")
	}
	return firstErr
}

// refreshQueue re-estimates FIFO occupancy from a QM query.
func (d *Device) refreshQueue() error {
	status, err := d.engine.QueryMotion()
	if err != nil {
		return err
	}
	pending := 0
	if status.FIFOPending {
		pending++
	}
	if status.CommandActive {
		pending++
	}
	d.pending = pending
	fifoPending.Set(float64(pending))
	return nil
}

// waitQueueSlot blocks until the board's FIFO has room for one more motion
// command, polling QM. Fails after the configured timeout.
func (d *Device) waitQueueSlot() error {
	if d.settings.FIFOLimit <= 0 {
		return nil
	}
	if d.pending < d.settings.FIFOLimit {
		return nil
	}
	if err := d.refreshQueue(); err != nil {
		return err
	}
	start := d.now()
	for d.pending >= d.settings.FIFOLimit {
		if d.now().Sub(start) >= d.settings.Timeout {
			return errors.New(errors.ErrDeviceBusy,
				"motion queue still full after %s", d.settings.Timeout)
		}
		d.sleep(fifoPollInterval)
		if err := d.refreshQueue(); err != nil {
			return err
		}
	}
	return nil
}

// waitInterval enforces the minimum spacing between dispatched commands.
func (d *Device) waitInterval() {
	if d.settings.MinCmdInterval <= 0 || d.lastCmd.IsZero() {
		return
	}
	elapsed := d.now().Sub(d.lastCmd)
	if elapsed < d.settings.MinCmdInterval {
		d.sleep(d.settings.MinCmdInterval - elapsed)
	}
}

// waitSlot combines the FIFO and rate-limit waits.
func (d *Device) waitSlot() error {
	if err := d.waitQueueSlot(); err != nil {
		return err
	}
	d.waitInterval()
	return nil
}

func (d *Device) markDispatched() {
	d.lastCmd = d.now()
	d.pending++
	commandsTotal.Inc()
	fifoPending.Set(float64(d.pending))
}
