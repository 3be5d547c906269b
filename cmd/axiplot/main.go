// axiplot plots a path on an AxiDraw-class pen plotter over its serial
// command protocol.
//
// Usage:
//
//	axiplot [options] [path-file]
//
// The path file holds one "x y" point per line in mm; a blank line lifts
// the pen. Without a file, a calibration test pattern is plotted.
//
// Options:
//
//	-config string  Config file (default: user config dir)
//	-port string    Serial port (default: autodetect)
//	-model string   Device model profile
//	-speed float    Drawing speed in mm/s
//	-dry-run        Plan and log without touching the device
//	-listen string  Serve plot progress over WebSocket on this address
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"axiplot/pkg/config"
	"axiplot/pkg/device"
	"axiplot/pkg/log"
	"axiplot/pkg/monitor"
	"axiplot/pkg/planner"
	"axiplot/pkg/stepper"
)

var logger = log.GetLogger("axiplot")

func main() {
	configPath := flag.String("config", "", "config file path")
	port := flag.String("port", "", "serial port (default: autodetect)")
	model := flag.String("model", "", "device model profile")
	speed := flag.Float64("speed", 0, "drawing speed in mm/s")
	dryRun := flag.Bool("dry-run", false, "plan and log without touching the device")
	listen := flag.String("listen", "", "serve plot progress over WebSocket on this address")
	flag.Parse()

	if err := run(*configPath, *port, *model, *speed, *dryRun, *listen, flag.Arg(0)); err != nil {
		logger.WithError(err).Error("plot failed")
		os.Exit(1)
	}
}

func run(configPath, port, model string, speed float64, dryRun bool, listen, pathFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Device.Port = port
	}
	if model != "" {
		cfg.Device.Model = model
		cfg.Backfill()
	}
	if speed > 0 {
		cfg.Motion.Speed = speed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	polys, err := loadPath(pathFile, cfg)
	if err != nil {
		return err
	}
	segments := SegmentsFromPolylines(polys, cfg.Motion.Speed)

	limits := planner.Limits{
		MaxSpeed:          cfg.Motion.Speed,
		MaxAccel:          cfg.Motion.Accel,
		CorneringDistance: cfg.Motion.CorneringDistance,
		MinSegment:        cfg.Motion.MinSegment,
	}
	blocks, err := planner.Plan(limits, [2]float64{0, 0}, segments)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		logger.Info("nothing to plot")
		return nil
	}
	logger.Info("planned %d blocks from %d strokes", len(blocks), len(polys))

	var hub *monitor.Hub
	if listen != "" {
		hub = monitor.NewHub()
		go func() {
			if err := hub.Serve(listen); err != nil {
				logger.WithError(err).Error("monitor server failed")
			}
		}()
		defer hub.Stop()
	}

	if dryRun {
		return runDry(cfg, blocks, hub)
	}
	return runLive(cfg, blocks, hub)
}

func loadPath(pathFile string, cfg *config.Config) ([]Polyline, error) {
	if pathFile == "" {
		logger.Info("no path file given, plotting the test pattern")
		return TestPattern(cfg.Page), nil
	}
	f, err := os.Open(pathFile)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pathFile, err)
	}
	defer f.Close()
	return ParsePath(f)
}

// progressReporter feeds per-block progress into the hub, tracking the pen
// position by accumulating block deltas.
func progressReporter(hub *monitor.Hub, state string) func(int, int, *planner.Block) {
	var pos [2]float64
	return func(done, total int, block *planner.Block) {
		pos[0] += block.Delta[0]
		pos[1] += block.Delta[1]
		if hub == nil {
			return
		}
		hub.Broadcast(monitor.Frame{
			BlocksDone:  done,
			BlocksTotal: total,
			Position:    pos,
			PenDown:     block.PenDown,
			State:       state,
		})
	}
}

func runDry(cfg *config.Config, blocks []planner.Block, hub *monitor.Hub) error {
	exec, err := stepper.New(nil, stepper.Config{
		StepsPerMM: cfg.Device.StepsPerMM,
		DryRun:     true,
	})
	if err != nil {
		return err
	}
	exec.Progress = progressReporter(hub, "dry-run")
	if err := exec.Run(blocks); err != nil {
		return err
	}
	logger.Info("dry run complete, %d blocks", exec.EmittedBlocks())
	return nil
}

func runLive(cfg *config.Config, blocks []planner.Block, hub *monitor.Hub) error {
	lock, err := device.AcquireLock()
	if err != nil {
		return err
	}
	defer lock.Release()

	dev, err := device.Connect(cfg)
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.EnableMotors(); err != nil {
		return err
	}

	exec, err := stepper.New(dev, stepper.Config{StepsPerMM: cfg.Device.StepsPerMM})
	if err != nil {
		return err
	}
	exec.Progress = progressReporter(hub, "plotting")
	if err := exec.Run(blocks); err != nil {
		return err
	}
	if err := dev.WaitIdle(2 * time.Second); err != nil {
		logger.WithError(err).Warn("device still busy after plot")
	}

	snap, err := dev.Status()
	if err != nil {
		return err
	}
	logger.WithField("firmware", snap.Firmware).
		WithField("steps1", snap.Steps1).
		WithField("steps2", snap.Steps2).
		Info("plot complete")
	if hub != nil {
		hub.Broadcast(monitor.Frame{
			BlocksDone:  len(blocks),
			BlocksTotal: len(blocks),
			PenDown:     false,
			State:       "done",
			Firmware:    snap.Firmware,
		})
	}
	return nil
}
