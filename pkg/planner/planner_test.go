package planner

import (
	"math"
	"testing"

	"axiplot/pkg/errors"
)

var testLimits = Limits{
	MaxSpeed:          100.0,
	MaxAccel:          1000.0,
	CorneringDistance: 0.5,
	MinSegment:        0.1,
}

// checkProfile verifies the phase-distance and speed invariants that every
// block must satisfy.
func checkProfile(t *testing.T, blocks []Block) {
	t.Helper()
	for i, b := range blocks {
		sum := b.AccelDistance + b.CruiseDistance + b.DecelDistance
		if math.Abs(sum-b.Length) > 1e-6 {
			t.Errorf("block %d: phase distances sum %.9f != length %.9f", i, sum, b.Length)
		}
		if b.StartSpeed > b.CruiseSpeed+1e-9 {
			t.Errorf("block %d: start speed %.9f exceeds cruise %.9f", i, b.StartSpeed, b.CruiseSpeed)
		}
		if b.EndSpeed > b.CruiseSpeed+1e-9 {
			t.Errorf("block %d: end speed %.9f exceeds cruise %.9f", i, b.EndSpeed, b.CruiseSpeed)
		}
	}
	if n := len(blocks); n > 0 && blocks[n-1].EndSpeed != 0.0 {
		t.Errorf("final block end speed = %.9f, want 0", blocks[n-1].EndSpeed)
	}
}

func TestRoundTrip(t *testing.T) {
	segments := []Segment{
		{Target: [2]float64{10, 0}, Feed: 50, PenDown: false},
		{Target: [2]float64{10, 10}, Feed: 50, PenDown: true},
	}
	blocks, err := Plan(testLimits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	checkProfile(t, blocks)

	if math.Abs(blocks[0].Length-10.0) > 1e-9 {
		t.Errorf("block 0 length = %.9f, want 10", blocks[0].Length)
	}
	if blocks[0].StartSpeed != 0.0 {
		t.Errorf("first move starts at %.9f, want 0", blocks[0].StartSpeed)
	}
	if blocks[1].EndSpeed != 0.0 {
		t.Errorf("last move ends at %.9f, want 0", blocks[1].EndSpeed)
	}

	// The 90° turn constrains the junction well below the feed rate:
	// sqrt(a*d*s/(1-s)) with s = sqrt(0.5).
	s := math.Sqrt(0.5)
	wantJunction := math.Sqrt(testLimits.MaxAccel * testLimits.CorneringDistance * s / (1.0 - s))
	if math.Abs(blocks[1].StartSpeed-wantJunction) > 1e-6 {
		t.Errorf("junction speed = %.6f, want %.6f", blocks[1].StartSpeed, wantJunction)
	}
	if blocks[0].EndSpeed != blocks[1].StartSpeed {
		t.Errorf("block 0 exit %.6f not synchronized with block 1 entry %.6f",
			blocks[0].EndSpeed, blocks[1].StartSpeed)
	}
	if !blocks[1].PenDown || blocks[0].PenDown {
		t.Errorf("pen states not carried: %v %v", blocks[0].PenDown, blocks[1].PenDown)
	}
}

func TestProfileInvariants(t *testing.T) {
	cases := []struct {
		name     string
		segments []Segment
	}{
		{"square", []Segment{
			{Target: [2]float64{50, 0}, Feed: 80, PenDown: true},
			{Target: [2]float64{50, 50}, Feed: 80, PenDown: true},
			{Target: [2]float64{0, 50}, Feed: 80, PenDown: true},
			{Target: [2]float64{0, 0}, Feed: 80, PenDown: true},
		}},
		{"zigzag mixed feeds", []Segment{
			{Target: [2]float64{5, 5}, Feed: 30, PenDown: false},
			{Target: [2]float64{10, 0}, Feed: 90, PenDown: true},
			{Target: [2]float64{15, 5}, Feed: 10, PenDown: true},
			{Target: [2]float64{20, 0}, Feed: 200, PenDown: false},
		}},
		{"single short move", []Segment{
			{Target: [2]float64{0.5, 0}, Feed: 100, PenDown: true},
		}},
		{"feed fallback", []Segment{
			{Target: [2]float64{30, 0}, Feed: 0, PenDown: true},
			{Target: [2]float64{30, 30}, Feed: math.Inf(1), PenDown: true},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blocks, err := Plan(testLimits, [2]float64{0, 0}, tc.segments)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if len(blocks) == 0 {
				t.Fatal("no blocks produced")
			}
			checkProfile(t, blocks)
			for i, b := range blocks {
				if b.CruiseSpeed > testLimits.MaxSpeed+1e-9 {
					t.Errorf("block %d cruise %.6f exceeds max speed", i, b.CruiseSpeed)
				}
			}
		})
	}
}

func TestCollinearJunctionKeepsSpeed(t *testing.T) {
	// Two long collinear segments at full feed: the junction imposes no
	// penalty and the second block enters at max speed.
	segments := []Segment{
		{Target: [2]float64{500, 0}, Feed: 100, PenDown: true},
		{Target: [2]float64{1000, 0}, Feed: 100, PenDown: true},
	}
	blocks, err := Plan(testLimits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if math.Abs(blocks[1].StartSpeed-testLimits.MaxSpeed) > 1e-9 {
		t.Errorf("collinear junction entry = %.6f, want %.6f",
			blocks[1].StartSpeed, testLimits.MaxSpeed)
	}
	checkProfile(t, blocks)
}

func TestReversalForcesStop(t *testing.T) {
	segments := []Segment{
		{Target: [2]float64{10, 0}, Feed: 50, PenDown: true},
		{Target: [2]float64{0, 0}, Feed: 50, PenDown: true},
	}
	blocks, err := Plan(testLimits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[1].StartSpeed != 0.0 {
		t.Errorf("reversal junction entry = %.9f, want 0", blocks[1].StartSpeed)
	}
	if blocks[0].EndSpeed != 0.0 {
		t.Errorf("block before reversal exits at %.9f, want 0", blocks[0].EndSpeed)
	}
	checkProfile(t, blocks)
}

func TestShortCollinearMerge(t *testing.T) {
	limits := testLimits
	limits.MinSegment = 1.0

	segments := []Segment{
		{Target: [2]float64{5, 0}, Feed: 50, PenDown: true},
		{Target: [2]float64{5.5, 0}, Feed: 30, PenDown: true},
	}
	blocks, err := Plan(limits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1 merged block", len(blocks))
	}
	if math.Abs(blocks[0].Length-5.5) > 1e-9 {
		t.Errorf("merged length = %.9f, want 5.5", blocks[0].Length)
	}
	// Merge keeps the more conservative feed.
	if blocks[0].NominalSpeed != 30.0 {
		t.Errorf("merged nominal speed = %.6f, want 30", blocks[0].NominalSpeed)
	}
	checkProfile(t, blocks)
}

func TestLeadingShortSegmentHeldPending(t *testing.T) {
	limits := testLimits
	limits.MinSegment = 1.0

	// A leading sub-minimum segment has no previous node to merge into; it
	// is held back once and then planned as its own block, leaving the
	// following segment intact.
	segments := []Segment{
		{Target: [2]float64{0.5, 0}, Feed: 50, PenDown: true},
		{Target: [2]float64{5, 0}, Feed: 50, PenDown: true},
	}
	blocks, err := Plan(limits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if math.Abs(blocks[0].Length-0.5) > 1e-9 {
		t.Errorf("leading block length = %.9f, want 0.5", blocks[0].Length)
	}
	if math.Abs(blocks[1].Length-4.5) > 1e-9 {
		t.Errorf("second block length = %.9f, want 4.5", blocks[1].Length)
	}
	if blocks[0].Seq != 1 || blocks[1].Seq != 2 {
		t.Errorf("sequence numbers = %d, %d, want 1, 2", blocks[0].Seq, blocks[1].Seq)
	}
	checkProfile(t, blocks)
}

func TestShortSegmentNotMergedAcrossPenChange(t *testing.T) {
	limits := testLimits
	limits.MinSegment = 1.0

	segments := []Segment{
		{Target: [2]float64{5, 0}, Feed: 50, PenDown: true},
		{Target: [2]float64{5.5, 0}, Feed: 50, PenDown: false},
	}
	blocks, err := Plan(limits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2 (pen change blocks merge)", len(blocks))
	}
}

func TestEpsilonSegmentIsNoOp(t *testing.T) {
	segments := []Segment{
		{Target: [2]float64{10, 0}, Feed: 50, PenDown: true},
		{Target: [2]float64{10, 0}, Feed: 50, PenDown: true},
	}
	blocks, err := Plan(testLimits, [2]float64{0, 0}, segments)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(blocks) != 1 {
		t.Errorf("got %d blocks, want 1 (zero-length segment dropped)", len(blocks))
	}
}

func TestEmptyPlan(t *testing.T) {
	blocks, err := Plan(testLimits, [2]float64{0, 0}, nil)
	if err != nil {
		t.Fatalf("empty input should succeed, got %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("empty input produced %d blocks", len(blocks))
	}
}

func TestInvalidLimits(t *testing.T) {
	segments := []Segment{{Target: [2]float64{10, 0}, Feed: 50}}
	cases := []struct {
		name   string
		limits Limits
	}{
		{"zero speed", Limits{MaxSpeed: 0, MaxAccel: 1000}},
		{"zero accel", Limits{MaxSpeed: 100, MaxAccel: 0}},
		{"negative cornering", Limits{MaxSpeed: 100, MaxAccel: 1000, CorneringDistance: -1}},
		{"negative min segment", Limits{MaxSpeed: 100, MaxAccel: 1000, MinSegment: -1}},
		{"nan speed", Limits{MaxSpeed: math.NaN(), MaxAccel: 1000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Plan(tc.limits, [2]float64{0, 0}, segments); !errors.Is(err, errors.ErrPlannerLimits) {
				t.Errorf("got %v, want PLANNER_LIMITS error", err)
			}
		})
	}
}
