// Executor turning planner blocks into low-level LM motion commands.
//
// Each block's trapezoid splits into up to three phases (accelerate, cruise,
// decelerate). Phases are converted to CoreXY mixed-axis step counts and
// emitted as LM commands with per-channel step rates and accelerations in
// the firmware's 40 µs interval units. Step rounding errors are absorbed by
// the final phase so every block lands exactly on its target step counts.
package stepper

import (
	"math"

	"axiplot/pkg/ebb"
	"axiplot/pkg/errors"
	"axiplot/pkg/log"
	"axiplot/pkg/planner"
)

const (
	// epsMM is the shortest phase worth a motion command.
	epsMM = 1e-6
	// speedEps guards divisions by near-zero speeds.
	speedEps = 1e-6
	// lmInterval is the firmware's LM tick, in seconds.
	lmInterval = 0.00004
	// rateScale converts steps/s to the LM rate accumulator increment.
	rateScale = 2147483648.0 * lmInterval
)

// CommandSink is the device surface the executor drives. *device.Device
// satisfies it.
type CommandSink interface {
	MoveLowLevel(rate1 uint32, steps1, accel1 int32,
		rate2 uint32, steps2, accel2 int32, clear ebb.ClearFlag) error
	PenUp() error
	PenDown() error
}

// Config holds the executor settings.
type Config struct {
	// StepsPerMM converts planner millimeters to motor steps.
	StepsPerMM float64
	// DryRun logs every phase without touching the sink.
	DryRun bool
}

// Executor walks planner blocks and dispatches them to a command sink.
type Executor struct {
	sink    CommandSink
	cfg     Config
	emitted int
	logger  *log.Logger

	// Progress, when set, is called by Run after each block.
	Progress func(done, total int, block *planner.Block)
}

// New creates an executor. The sink may be nil only in dry-run mode.
func New(sink CommandSink, cfg Config) (*Executor, error) {
	if !(cfg.StepsPerMM > 0) {
		return nil, errors.New(errors.ErrDeviceState,
			"steps per mm not configured, a device profile is required")
	}
	if sink == nil && !cfg.DryRun {
		return nil, errors.New(errors.ErrDeviceState, "no command sink and not a dry run")
	}
	return &Executor{sink: sink, cfg: cfg, logger: log.GetLogger("stepper")}, nil
}

// EmittedBlocks returns how many blocks have been processed.
func (e *Executor) EmittedBlocks() int {
	return e.emitted
}

// phase is one constant-acceleration slice of a block's trapezoid.
type phase struct {
	distance   float64
	startSpeed float64
	endSpeed   float64
	stepsA     int32
	stepsB     int32
	duration   float64
	seq        uint64
	index      int
	count      int
}

// rateFromStepsPerSec converts a step frequency to the LM rate value,
// clamped to the 31-bit range.
func rateFromStepsPerSec(stepsPerSec float64) uint32 {
	if !(stepsPerSec > 0) {
		return 0
	}
	rate := stepsPerSec * rateScale
	if math.IsInf(rate, 0) || math.IsNaN(rate) || rate < 0 {
		rate = 0
	}
	if rate > 2147483647.0 {
		rate = 2147483647.0
	}
	return uint32(math.Round(rate))
}

// clampI32 rounds to the nearest int32, saturating at the range bounds.
func clampI32(value float64) int32 {
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0
	}
	if value > math.MaxInt32 {
		return math.MaxInt32
	}
	if value < math.MinInt32 {
		return math.MinInt32
	}
	return int32(math.Round(value))
}

// phaseDuration estimates a phase's duration from its boundary speeds.
func phaseDuration(distanceMM, startSpeed, endSpeed float64) float64 {
	if !(distanceMM > 0) {
		return 0
	}
	sum := startSpeed + endSpeed
	if sum > speedEps {
		return 2.0 * distanceMM / sum
	}
	fallback := math.Max(startSpeed, endSpeed)
	if fallback > speedEps {
		return distanceMM / fallback
	}
	return 0
}

// channelRates computes the LM start rate and per-interval acceleration for
// one motor channel over a phase.
func channelRates(steps int32, p *phase, intervals uint32) (uint32, int32) {
	if steps == 0 {
		return 0, 0
	}
	stepsPerMM := float64(steps) / p.distance
	startRate := rateFromStepsPerSec(math.Abs(p.startSpeed * stepsPerMM))
	endRate := rateFromStepsPerSec(math.Abs(p.endSpeed * stepsPerMM))
	accel := clampI32((float64(endRate) - float64(startRate)) / float64(intervals))
	if accel == 0 && endRate != startRate {
		if endRate > startRate {
			accel = 1
		} else {
			accel = -1
		}
	}
	return startRate, accel
}

// emitPhase sends one phase as an LM command, or only logs it in dry-run
// mode. Phases too short to move any motor are skipped.
func (e *Executor) emitPhase(p *phase) error {
	if p.distance <= epsMM || (p.stepsA == 0 && p.stepsB == 0) {
		return nil
	}
	if !(p.duration > 0) {
		return errors.New(errors.ErrPlannerInput,
			"block %d phase %d has no usable duration", p.seq, p.index+1)
	}

	intervals := uint32(math.Round(p.duration / lmInterval))
	if intervals == 0 {
		intervals = 1
	}
	rate1, accel1 := channelRates(p.stepsA, p, intervals)
	rate2, accel2 := channelRates(p.stepsB, p, intervals)

	mode := "send"
	if e.cfg.DryRun || e.sink == nil {
		mode = "dry-run"
	}
	e.logger.Debug(
		"block %d phase %d/%d %s dist=%.4f v0=%.3f v1=%.3f stepsA=%d stepsB=%d rateA=%d accelA=%d rateB=%d accelB=%d intervals=%d dur=%.4fs",
		p.seq, p.index+1, p.count, mode, p.distance, p.startSpeed, p.endSpeed,
		p.stepsA, p.stepsB, rate1, accel1, rate2, accel2, intervals, p.duration)

	if e.cfg.DryRun || e.sink == nil {
		return nil
	}
	return e.sink.MoveLowLevel(rate1, p.stepsA, accel1, rate2, p.stepsB, accel2, ebb.ClearNone)
}

// Submit converts one block into its phases and emits them.
func (e *Executor) Submit(block *planner.Block) error {
	if block == nil || block.Length < epsMM {
		return nil
	}

	stepsX := int32(math.Round(block.Delta[0] * e.cfg.StepsPerMM))
	stepsY := int32(math.Round(block.Delta[1] * e.cfg.StepsPerMM))
	totalA := stepsX + stepsY
	totalB := stepsX - stepsY

	phases := make([]phase, 0, 3)
	if block.AccelDistance > epsMM {
		phases = append(phases, phase{
			distance:   block.AccelDistance,
			startSpeed: block.StartSpeed,
			endSpeed:   block.CruiseSpeed,
		})
	}
	if block.CruiseDistance > epsMM {
		phases = append(phases, phase{
			distance:   block.CruiseDistance,
			startSpeed: block.CruiseSpeed,
			endSpeed:   block.CruiseSpeed,
		})
	}
	if block.DecelDistance > epsMM {
		phases = append(phases, phase{
			distance:   block.DecelDistance,
			startSpeed: block.CruiseSpeed,
			endSpeed:   block.EndSpeed,
		})
	}
	if len(phases) == 0 {
		phases = append(phases, phase{
			distance:   block.Length,
			startSpeed: block.StartSpeed,
			endSpeed:   block.EndSpeed,
		})
	}

	var usedA, usedB int64
	var totalDuration float64
	for i := range phases {
		p := &phases[i]
		p.seq = block.Seq
		p.index = i
		p.count = len(phases)

		fraction := 0.0
		if block.Length > epsMM {
			fraction = p.distance / block.Length
		}
		if i == len(phases)-1 {
			p.stepsA = totalA - int32(usedA)
			p.stepsB = totalB - int32(usedB)
		} else {
			p.stepsA = clampI32(float64(totalA) * fraction)
			p.stepsB = clampI32(float64(totalB) * fraction)
		}
		usedA += int64(p.stepsA)
		usedB += int64(p.stepsB)

		duration := phaseDuration(p.distance, p.startSpeed, p.endSpeed)
		if !(duration > 0) {
			fallback := math.Max(p.startSpeed, p.endSpeed)
			if !(fallback > speedEps) {
				fallback = math.Max(block.CruiseSpeed, block.NominalSpeed)
			}
			if !(fallback > speedEps) {
				fallback = 1.0
			}
			duration = p.distance / fallback
		}
		p.duration = duration
		totalDuration += duration
	}

	e.logger.Debug("block %d delta=(%.3f,%.3f) len=%.3f pen=%v stepsX=%d stepsY=%d A=%d B=%d dur≈%dms",
		block.Seq, block.Delta[0], block.Delta[1], block.Length, block.PenDown,
		stepsX, stepsY, totalA, totalB, int64(math.Round(totalDuration*1000.0)))

	for i := range phases {
		if err := e.emitPhase(&phases[i]); err != nil {
			return err
		}
	}
	e.emitted++
	return nil
}

// Run executes a whole plan. The pen starts raised, follows each block's
// pen state, and is raised again at the end.
func (e *Executor) Run(blocks []planner.Block) error {
	live := !e.cfg.DryRun && e.sink != nil
	if live {
		if err := e.sink.PenUp(); err != nil {
			return err
		}
	}
	penIsUp := true
	for i := range blocks {
		blk := &blocks[i]
		if live {
			if blk.PenDown && penIsUp {
				if err := e.sink.PenDown(); err != nil {
					return err
				}
				penIsUp = false
			} else if !blk.PenDown && !penIsUp {
				if err := e.sink.PenUp(); err != nil {
					return err
				}
				penIsUp = true
			}
		}
		if err := e.Submit(blk); err != nil {
			return err
		}
		if e.Progress != nil {
			e.Progress(i+1, len(blocks), blk)
		}
	}
	if live && !penIsUp {
		if err := e.sink.PenUp(); err != nil {
			return err
		}
	}
	return nil
}
