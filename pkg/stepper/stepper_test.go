package stepper

import (
	"testing"

	"axiplot/pkg/ebb"
	"axiplot/pkg/planner"
)

type lmCall struct {
	rate1  uint32
	steps1 int32
	accel1 int32
	rate2  uint32
	steps2 int32
	accel2 int32
	clear  ebb.ClearFlag
}

// fakeSink records the command stream in order, pen moves included.
type fakeSink struct {
	moves []lmCall
	ops   []string
}

func (f *fakeSink) MoveLowLevel(rate1 uint32, steps1, accel1 int32,
	rate2 uint32, steps2, accel2 int32, clear ebb.ClearFlag) error {
	f.moves = append(f.moves, lmCall{rate1, steps1, accel1, rate2, steps2, accel2, clear})
	f.ops = append(f.ops, "LM")
	return nil
}

func (f *fakeSink) PenUp() error {
	f.ops = append(f.ops, "PU")
	return nil
}

func (f *fakeSink) PenDown() error {
	f.ops = append(f.ops, "PD")
	return nil
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	e, err := New(sink, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e, sink
}

func TestTrapezoidPhases(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})

	// 10mm along X at 80 steps/mm is 800 steps on each CoreXY channel.
	block := planner.Block{
		Seq:            1,
		Delta:          [2]float64{10, 0},
		Length:         10,
		StartSpeed:     0,
		CruiseSpeed:    50,
		EndSpeed:       0,
		NominalSpeed:   50,
		AccelDistance:  2,
		CruiseDistance: 6,
		DecelDistance:  2,
		PenDown:        true,
	}
	if err := e.Submit(&block); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(sink.moves) != 3 {
		t.Fatalf("emitted %d phases, want 3: %+v", len(sink.moves), sink.moves)
	}

	// 50 mm/s at 80 steps/mm is 4000 steps/s; the LM rate for that is
	// round(4000 × 2147483648 × 0.00004) = 343597384. The 2mm ramp at an
	// average 25 mm/s lasts 80ms, i.e. 2000 intervals of 40 µs.
	const cruiseRate = 343597384
	const rampAccel = 171799
	want := []lmCall{
		{0, 160, rampAccel, 0, 160, rampAccel, ebb.ClearNone},
		{cruiseRate, 480, 0, cruiseRate, 480, 0, ebb.ClearNone},
		{cruiseRate, 160, -rampAccel, cruiseRate, 160, -rampAccel, ebb.ClearNone},
	}
	for i, w := range want {
		if sink.moves[i] != w {
			t.Errorf("phase %d = %+v, want %+v", i, sink.moves[i], w)
		}
	}
	if e.EmittedBlocks() != 1 {
		t.Errorf("emitted blocks = %d, want 1", e.EmittedBlocks())
	}
}

func TestResidualStepsGoToLastPhase(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})

	// 1mm is 80 steps; the 0.33/0.34/0.33 split rounds to 26+27 steps for
	// the first two phases, so the last phase must absorb the remainder.
	block := planner.Block{
		Seq:            2,
		Delta:          [2]float64{1, 0},
		Length:         1,
		StartSpeed:     0,
		CruiseSpeed:    10,
		EndSpeed:       0,
		NominalSpeed:   10,
		AccelDistance:  0.33,
		CruiseDistance: 0.34,
		DecelDistance:  0.33,
	}
	if err := e.Submit(&block); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(sink.moves) != 3 {
		t.Fatalf("emitted %d phases, want 3", len(sink.moves))
	}
	var sum int32
	for _, m := range sink.moves {
		sum += m.steps1
	}
	if sum != 80 {
		t.Errorf("channel A steps sum to %d, want 80", sum)
	}
	if sink.moves[0].steps1 != 26 || sink.moves[1].steps1 != 27 || sink.moves[2].steps1 != 27 {
		t.Errorf("phase steps = %d,%d,%d, want 26,27,27",
			sink.moves[0].steps1, sink.moves[1].steps1, sink.moves[2].steps1)
	}
}

func TestCoreXYMixing(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})

	// A pure Y move drives the channels in opposite directions.
	block := planner.Block{
		Seq:          3,
		Delta:        [2]float64{0, 5},
		Length:       5,
		StartSpeed:   10,
		CruiseSpeed:  10,
		EndSpeed:     10,
		NominalSpeed: 10,
	}
	if err := e.Submit(&block); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(sink.moves) != 1 {
		t.Fatalf("emitted %d phases, want 1", len(sink.moves))
	}
	m := sink.moves[0]
	if m.steps1 != 400 || m.steps2 != -400 {
		t.Errorf("steps = %d,%d, want 400,-400", m.steps1, m.steps2)
	}
	if m.rate1 != m.rate2 {
		t.Errorf("channel rates differ: %d vs %d", m.rate1, m.rate2)
	}
}

func TestWholeBlockPhaseWhenNoProfile(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})

	// No phase distances set; the whole block goes out as one phase.
	block := planner.Block{
		Seq:          4,
		Delta:        [2]float64{2, 0},
		Length:       2,
		StartSpeed:   20,
		CruiseSpeed:  20,
		EndSpeed:     20,
		NominalSpeed: 20,
	}
	if err := e.Submit(&block); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(sink.moves) != 1 {
		t.Fatalf("emitted %d phases, want 1", len(sink.moves))
	}
	if sink.moves[0].steps1 != 160 {
		t.Errorf("steps = %d, want 160", sink.moves[0].steps1)
	}
}

func TestEpsilonBlockSkipped(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})
	block := planner.Block{Seq: 5, Length: 1e-9}
	if err := e.Submit(&block); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(sink.ops) != 0 {
		t.Errorf("expected no commands, got %v", sink.ops)
	}
	if e.EmittedBlocks() != 0 {
		t.Errorf("emitted blocks = %d, want 0", e.EmittedBlocks())
	}
}

func TestAccelFloorWhenRatesDiffer(t *testing.T) {
	// A tiny rate change over many intervals rounds to zero acceleration;
	// the firmware would then never reach the end rate, so it is floored
	// to ±1.
	p := &phase{distance: 10, startSpeed: 10, endSpeed: 10.0001}
	_, accel := channelRates(1000, p, 1000000)
	if accel != 1 {
		t.Errorf("accel = %d, want floor of 1", accel)
	}
	p = &phase{distance: 10, startSpeed: 10.0001, endSpeed: 10}
	_, accel = channelRates(1000, p, 1000000)
	if accel != -1 {
		t.Errorf("accel = %d, want floor of -1", accel)
	}
}

func TestRateConversionClamps(t *testing.T) {
	if got := rateFromStepsPerSec(0); got != 0 {
		t.Errorf("rate for 0 steps/s = %d, want 0", got)
	}
	if got := rateFromStepsPerSec(-100); got != 0 {
		t.Errorf("rate for negative input = %d, want 0", got)
	}
	if got := rateFromStepsPerSec(1e12); got != 2147483647 {
		t.Errorf("rate = %d, want clamp at 2147483647", got)
	}
	if got := rateFromStepsPerSec(4000); got != 343597384 {
		t.Errorf("rate for 4000 steps/s = %d, want 343597384", got)
	}
}

func TestRunTogglesPen(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})

	mkBlock := func(seq uint64, penDown bool) planner.Block {
		return planner.Block{
			Seq:          seq,
			Delta:        [2]float64{1, 0},
			Length:       1,
			StartSpeed:   10,
			CruiseSpeed:  10,
			EndSpeed:     10,
			NominalSpeed: 10,
			PenDown:      penDown,
		}
	}
	blocks := []planner.Block{
		mkBlock(1, false), // travel
		mkBlock(2, true),
		mkBlock(3, true), // no toggle between drawing blocks
		mkBlock(4, false),
	}
	if err := e.Run(blocks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"PU", "LM", "PD", "LM", "LM", "PU", "LM"}
	if len(sink.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", sink.ops, want)
	}
	for i := range want {
		if sink.ops[i] != want[i] {
			t.Errorf("op %d = %q, want %q", i, sink.ops[i], want[i])
		}
	}
}

func TestRunRaisesPenAtEnd(t *testing.T) {
	e, sink := newTestExecutor(t, Config{StepsPerMM: 80})
	blocks := []planner.Block{{
		Seq:          1,
		Delta:        [2]float64{1, 0},
		Length:       1,
		StartSpeed:   10,
		CruiseSpeed:  10,
		EndSpeed:     10,
		NominalSpeed: 10,
		PenDown:      true,
	}}
	if err := e.Run(blocks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"PU", "PD", "LM", "PU"}
	for i := range want {
		if sink.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", sink.ops, want)
		}
	}
}

func TestRunReportsProgress(t *testing.T) {
	e, _ := newTestExecutor(t, Config{StepsPerMM: 80})
	var seen []int
	e.Progress = func(done, total int, block *planner.Block) {
		if total != 2 {
			t.Errorf("total = %d, want 2", total)
		}
		seen = append(seen, done)
	}
	blocks := []planner.Block{
		{Seq: 1, Delta: [2]float64{1, 0}, Length: 1, StartSpeed: 10, CruiseSpeed: 10, EndSpeed: 10, NominalSpeed: 10},
		{Seq: 2, Delta: [2]float64{0, 1}, Length: 1, StartSpeed: 10, CruiseSpeed: 10, EndSpeed: 10, NominalSpeed: 10},
	}
	if err := e.Run(blocks); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("progress calls = %v, want [1 2]", seen)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	e, err := New(nil, Config{StepsPerMM: 80, DryRun: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	blocks := []planner.Block{{
		Seq:          1,
		Delta:        [2]float64{5, 5},
		Length:       7.071,
		StartSpeed:   0,
		CruiseSpeed:  25,
		EndSpeed:     0,
		NominalSpeed: 25,
		PenDown:      true,
	}}
	if err := e.Run(blocks); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if e.EmittedBlocks() != 1 {
		t.Errorf("emitted blocks = %d, want 1", e.EmittedBlocks())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(&fakeSink{}, Config{}); err == nil {
		t.Error("expected error for zero steps per mm")
	}
	if _, err := New(nil, Config{StepsPerMM: 80}); err == nil {
		t.Error("expected error for nil sink without dry run")
	}
}
