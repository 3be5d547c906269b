// Motion planning for two-axis pen plotters.
//
// Plan turns a sequence of absolute target segments into motion blocks with
// trapezoidal (or triangular) speed profiles, limiting entry speeds at
// direction changes with a junction-deviation cornering model and coalescing
// very short collinear segments. Planning is a pure function over its inputs;
// independent calls may run concurrently.
package planner

import (
	"math"

	"axiplot/pkg/errors"
	"axiplot/pkg/log"
)

// epsilonMM is the length tolerance below which a segment is a no-op.
const epsilonMM = 1e-6

// Limits holds the kinematic constraints applied to one planning run.
type Limits struct {
	// MaxSpeed is the global speed ceiling in mm/s. Must be > 0.
	MaxSpeed float64

	// MaxAccel is the acceleration used for all speed changes in mm/s².
	// Must be > 0.
	MaxAccel float64

	// CorneringDistance is the junction-deviation tolerance in mm. Zero
	// forces a full stop at every non-collinear junction.
	CorneringDistance float64

	// MinSegment is the length in mm below which segments become merge
	// candidates. Zero disables merging.
	MinSegment float64
}

// Segment is one input move to an absolute target.
type Segment struct {
	// Target is the absolute endpoint in mm.
	Target [2]float64

	// Feed is the desired cruise speed in mm/s. Non-positive or
	// non-finite values fall back to Limits.MaxSpeed.
	Feed float64

	// PenDown reports whether the pen draws during this move.
	PenDown bool
}

// Block is one fully resolved, execution-ready motion primitive.
type Block struct {
	Seq            uint64
	Delta          [2]float64
	Length         float64
	UnitVec        [2]float64
	StartSpeed     float64
	EndSpeed       float64
	NominalSpeed   float64
	CruiseSpeed    float64
	Accel          float64
	AccelDistance  float64
	CruiseDistance float64
	DecelDistance  float64
	PenDown        bool
}

// node is the internal planning state for one retained segment.
type node struct {
	target        [2]float64
	delta         [2]float64
	unitVec       [2]float64
	length        float64
	nominalSpeed  float64
	maxEntrySpeed float64
	entrySpeed    float64
	exitSpeed     float64
	penDown       bool
	seq           uint64
}

var logger = log.GetLogger("planner")

// clampPositive returns value if it is a positive finite number, else fallback.
func clampPositive(value, fallback float64) float64 {
	if !(value > 0.0) || math.IsInf(value, 0) || math.IsNaN(value) {
		return fallback
	}
	return value
}

// junctionSpeed returns the entry speed limit imposed by the corner between
// two adjacent nodes, using the junction-deviation centripetal approximation.
func junctionSpeed(limits Limits, prev, curr *node) float64 {
	dot := prev.unitVec[0]*curr.unitVec[0] + prev.unitVec[1]*curr.unitVec[1]
	if math.IsInf(dot, 0) || math.IsNaN(dot) {
		return 0.0
	}
	if limits.CorneringDistance <= 0.0 {
		if dot > 0.999999 {
			return clampPositive(limits.MaxSpeed, 0.0)
		}
		return 0.0
	}
	if dot > 0.999999 {
		return clampPositive(limits.MaxSpeed, 0.0)
	}
	// Near-reversal: no corner radius can carry speed through it.
	if dot <= -0.999999 {
		return 0.0
	}
	sinThetaHalf := math.Sqrt(0.5 * (1.0 - dot))
	if sinThetaHalf <= 1e-9 {
		return clampPositive(limits.MaxSpeed, 0.0)
	}
	denom := 1.0 - sinThetaHalf
	if denom <= 0.0 {
		return 0.0
	}
	limit := math.Sqrt(limits.MaxAccel * limits.CorneringDistance * sinThetaHalf / denom)
	if math.IsInf(limit, 0) || math.IsNaN(limit) || limit <= 0.0 {
		return 0.0
	}
	if limit > limits.MaxSpeed {
		limit = limits.MaxSpeed
	}
	return limit
}

// computeJunctionLimits fills maxEntrySpeed for every node.
func computeJunctionLimits(limits Limits, nodes []node) {
	if len(nodes) == 0 {
		return
	}
	nodes[0].maxEntrySpeed = math.Max(0.0, math.Min(nodes[0].nominalSpeed, limits.MaxSpeed))
	for i := 1; i < len(nodes); i++ {
		lim := junctionSpeed(limits, &nodes[i-1], &nodes[i])
		if !(lim > 0.0) {
			lim = 0.0
		}
		lim = math.Min(lim, nodes[i-1].nominalSpeed)
		lim = math.Min(lim, nodes[i].nominalSpeed)
		lim = math.Min(lim, limits.MaxSpeed)
		if lim < 0.0 {
			lim = 0.0
		}
		nodes[i].maxEntrySpeed = lim
	}
}

// smoothSpeeds resolves entry/exit speeds with a backward pass (deceleration
// reachability) and a forward pass (acceleration reachability). After both
// passes every adjacent pair of speeds is attainable under the single global
// acceleration limit.
func smoothSpeeds(limits Limits, nodes []node) {
	if len(nodes) == 0 {
		return
	}
	accel := limits.MaxAccel
	if !(accel > 0.0) {
		accel = 1000.0
	}

	last := &nodes[len(nodes)-1]
	last.exitSpeed = 0.0
	vAllow := math.Sqrt(math.Max(0.0, 2.0*accel*last.length))
	last.entrySpeed = math.Max(0.0, math.Min(last.maxEntrySpeed, vAllow))

	for i := len(nodes) - 2; i >= 0; i-- {
		nodes[i].exitSpeed = nodes[i+1].entrySpeed
		vNext := nodes[i].exitSpeed
		vByDecel := math.Sqrt(math.Max(0.0, vNext*vNext+2.0*accel*nodes[i].length))
		nodes[i].entrySpeed = math.Max(0.0, math.Min(nodes[i].maxEntrySpeed, vByDecel))
	}

	// The machine starts at rest.
	nodes[0].entrySpeed = 0.0

	for i := 0; i+1 < len(nodes); i++ {
		vCurr := nodes[i].entrySpeed
		vAllowFwd := math.Sqrt(math.Max(0.0, vCurr*vCurr+2.0*accel*nodes[i].length))
		if nodes[i+1].entrySpeed > vAllowFwd {
			nodes[i+1].entrySpeed = vAllowFwd
		}
		nodes[i].exitSpeed = nodes[i+1].entrySpeed

		if nodes[i].entrySpeed > nodes[i].nominalSpeed {
			nodes[i].entrySpeed = nodes[i].nominalSpeed
		}
		if nodes[i].exitSpeed > nodes[i].nominalSpeed {
			nodes[i].exitSpeed = nodes[i].nominalSpeed
		}
	}

	if last.entrySpeed > last.nominalSpeed {
		last.entrySpeed = last.nominalSpeed
	}
}

// fillTrapezoid computes the accel/cruise/decel profile for one block.
func fillTrapezoid(limits Limits, n *node, out *Block) {
	length := n.length
	v0 := n.entrySpeed
	v1 := n.exitSpeed
	if !(v0 > 0.0) {
		v0 = 0.0
	}
	if !(v1 > 0.0) {
		v1 = 0.0
	}
	if v0 > limits.MaxSpeed {
		v0 = limits.MaxSpeed
	}
	if v1 > limits.MaxSpeed {
		v1 = limits.MaxSpeed
	}

	if !(length > 0.0) {
		out.AccelDistance = 0.0
		out.DecelDistance = 0.0
		out.CruiseDistance = 0.0
		out.CruiseSpeed = math.Max(math.Max(v0, v1), 0.0)
		accelDefault := limits.MaxAccel
		if !(accelDefault > 0.0) {
			accelDefault = 1000.0
		}
		out.Accel = accelDefault
		if out.StartSpeed > out.CruiseSpeed {
			out.StartSpeed = out.CruiseSpeed
		}
		if out.EndSpeed > out.CruiseSpeed {
			out.EndSpeed = out.CruiseSpeed
		}
		return
	}

	vmax := n.nominalSpeed
	if !(vmax > 0.0) || vmax > limits.MaxSpeed {
		vmax = limits.MaxSpeed
	}
	accel := limits.MaxAccel
	if !(accel > 0.0) {
		accel = 1000.0
	}

	accelDist := math.Max(0.0, (vmax*vmax-v0*v0)/(2.0*accel))
	decelDist := math.Max(0.0, (vmax*vmax-v1*v1)/(2.0*accel))
	cruiseSpeed := vmax

	sumDist := accelDist + decelDist
	if sumDist > length {
		// Too short to reach vmax: triangular profile.
		vPeak := math.Sqrt(math.Max(0.0, 2.0*accel*length+v0*v0+v1*v1) / 2.0)
		if vPeak < math.Max(v0, v1) {
			vPeak = math.Max(v0, v1)
		}
		if vPeak > vmax {
			vPeak = vmax
		}
		cruiseSpeed = vPeak
		accelDist = math.Max(0.0, (vPeak*vPeak-v0*v0)/(2.0*accel))
		decelDist = math.Max(0.0, (vPeak*vPeak-v1*v1)/(2.0*accel))
		sumDist = accelDist + decelDist
		if sumDist > length && sumDist > 0.0 {
			scale := length / sumDist
			accelDist *= scale
			decelDist *= scale
			sumDist = accelDist + decelDist
		}
	}

	cruiseDist := length - sumDist
	if cruiseDist < 0.0 {
		cruiseDist = 0.0
	}

	out.AccelDistance = accelDist
	out.DecelDistance = decelDist
	out.CruiseDistance = cruiseDist
	out.CruiseSpeed = cruiseSpeed
	out.Accel = accel

	if out.StartSpeed > cruiseSpeed {
		out.StartSpeed = cruiseSpeed
	}
	if out.EndSpeed > cruiseSpeed {
		out.EndSpeed = cruiseSpeed
	}
}

// ingest walks the input segments, dropping epsilon-length no-ops, holding a
// lone leading short segment pending, and merging later short segments into
// the previous node when the combined vector stays near-collinear and the pen
// state matches.
func ingest(limits Limits, start [2]float64, segments []Segment) []node {
	nodes := make([]node, 0, len(segments))
	currentPos := start

	var pendingSeg Segment
	var pendingStart [2]float64
	pendingShort := false

	var nextSeq uint64
	segIndex := 0

	for segIndex < len(segments) || pendingShort {
		var segment Segment
		var startPoint [2]float64
		wasPending := false

		if pendingShort {
			segment = pendingSeg
			startPoint = pendingStart
			pendingShort = false
			wasPending = true
		} else {
			segment = segments[segIndex]
			segIndex++
			startPoint = currentPos
		}

		delta := [2]float64{
			segment.Target[0] - startPoint[0],
			segment.Target[1] - startPoint[1],
		}
		length := math.Hypot(delta[0], delta[1])

		if length <= epsilonMM {
			currentPos = segment.Target
			continue
		}

		// A lone leading short segment has no prior direction to merge
		// into; retry it against the next segment.
		if !wasPending && len(nodes) == 0 && limits.MinSegment > 0.0 && length < limits.MinSegment {
			pendingShort = true
			pendingSeg = segment
			pendingStart = startPoint
			currentPos = segment.Target
			continue
		}

		merged := false
		if length < limits.MinSegment && len(nodes) > 0 {
			last := &nodes[len(nodes)-1]
			startX := last.target[0] - last.delta[0]
			startY := last.target[1] - last.delta[1]
			newDeltaX := segment.Target[0] - startX
			newDeltaY := segment.Target[1] - startY
			newLength := math.Hypot(newDeltaX, newDeltaY)
			if newLength > epsilonMM && last.penDown == segment.PenDown {
				invLen := 1.0 / newLength
				newUnitX := newDeltaX * invLen
				newUnitY := newDeltaY * invLen
				dot := last.unitVec[0]*newUnitX + last.unitVec[1]*newUnitY
				if dot > 1.0 {
					dot = 1.0
				}
				if dot >= 0.999 {
					last.target = segment.Target
					last.delta = [2]float64{newDeltaX, newDeltaY}
					last.length = newLength
					last.unitVec = [2]float64{newUnitX, newUnitY}
					newNominal := clampPositive(segment.Feed, limits.MaxSpeed)
					if newNominal > limits.MaxSpeed {
						newNominal = limits.MaxSpeed
					}
					// Keep the more conservative feed.
					if last.nominalSpeed <= 0.0 || newNominal < last.nominalSpeed {
						last.nominalSpeed = newNominal
					}
					merged = true
				}
			}
		}

		if merged {
			currentPos = segment.Target
			continue
		}

		nominal := clampPositive(segment.Feed, limits.MaxSpeed)
		if nominal > limits.MaxSpeed {
			nominal = limits.MaxSpeed
		}
		invLength := 1.0 / length
		nextSeq++
		nodes = append(nodes, node{
			target:       segment.Target,
			delta:        delta,
			unitVec:      [2]float64{delta[0] * invLength, delta[1] * invLength},
			length:       length,
			nominalSpeed: nominal,
			penDown:      segment.PenDown,
			seq:          nextSeq,
		})

		currentPos = segment.Target
	}

	return nodes
}

// Plan converts segments into motion blocks under the given limits, starting
// from the given absolute position. An empty segment list yields an empty
// plan. Planning is all-or-nothing: on error no blocks are returned.
func Plan(limits Limits, start [2]float64, segments []Segment) ([]Block, error) {
	if !(limits.MaxSpeed > 0.0) || !(limits.MaxAccel > 0.0) {
		return nil, errors.New(errors.ErrPlannerLimits,
			"max speed and max accel must be positive (got %g mm/s, %g mm/s²)",
			limits.MaxSpeed, limits.MaxAccel)
	}
	if !(limits.CorneringDistance >= 0.0) || !(limits.MinSegment >= 0.0) {
		return nil, errors.New(errors.ErrPlannerLimits,
			"cornering distance and min segment must be non-negative")
	}
	if len(segments) == 0 {
		return nil, nil
	}

	nodes := ingest(limits, start, segments)

	computeJunctionLimits(limits, nodes)
	smoothSpeeds(limits, nodes)

	blocks := make([]Block, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		b := &blocks[i]
		b.Seq = n.seq
		b.Delta = n.delta
		b.Length = n.length
		b.UnitVec = n.unitVec
		b.StartSpeed = n.entrySpeed
		b.EndSpeed = n.exitSpeed
		b.NominalSpeed = n.nominalSpeed
		b.PenDown = n.penDown
		fillTrapezoid(limits, n, b)

		logger.Debug("block %d len=%.3f start=%.3f end=%.3f cruise=%.3f a/c/d=%.3f/%.3f/%.3f pen=%v",
			b.Seq, b.Length, b.StartSpeed, b.EndSpeed, b.CruiseSpeed,
			b.AccelDistance, b.CruiseDistance, b.DecelDistance, b.PenDown)
	}

	return blocks, nil
}
