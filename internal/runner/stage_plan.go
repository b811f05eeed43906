package runner

import (
	"math"
	"time"
)

// RampMode selects how the target moves between stage boundaries.
type RampMode string

const (
	// RampLinear interpolates from the previous target to the stage target
	// across the stage duration.
	RampLinear RampMode = "linear"
	// RampStep jumps to the stage target when the stage begins.
	RampStep RampMode = "step"
)

// Stage is one leg of a scenario: reach Target over Duration.
type Stage struct {
	Duration time.Duration
	Target   int
}

type stagePlan struct {
	segments  []stageSegment
	duration  time.Duration
	maxTarget int
	mode      RampMode
}

type stageSegment struct {
	index    int
	start    time.Duration
	duration time.Duration
	from     int
	to       int
}

// compileStagePlan lays stages end to end starting from zero sessions.
// Zero-length stages move the baseline without occupying time.
func compileStagePlan(stages []Stage, mode RampMode) *stagePlan {
	if len(stages) == 0 {
		return nil
	}
	if mode == "" {
		mode = RampLinear
	}

	plan := &stagePlan{mode: mode}
	var offset time.Duration
	from := 0
	for i, stage := range stages {
		target := stage.Target
		if target < 0 {
			target = 0
		}
		if stage.Duration > 0 {
			plan.appendSegment(stageSegment{
				index:    i,
				start:    offset,
				duration: stage.Duration,
				from:     from,
				to:       target,
			})
			offset += stage.Duration
		}
		if target > plan.maxTarget {
			plan.maxTarget = target
		}
		from = target
	}

	if len(plan.segments) == 0 {
		return nil
	}
	plan.duration = offset
	return plan
}

func (p *stagePlan) appendSegment(seg stageSegment) {
	p.segments = append(p.segments, seg)
}

// targetAt returns the concurrency target at elapsed time since the scenario
// started. Linear interpolation is floored so the target never overshoots a
// rising ramp. ok is false once the plan has ended.
func (p *stagePlan) targetAt(elapsed time.Duration) (target int, ok bool) {
	seg, ok := p.segmentAt(elapsed)
	if !ok {
		return 0, false
	}
	if seg.from == seg.to || p.mode == RampStep {
		return seg.to, true
	}
	if elapsed < 0 {
		elapsed = 0
	}
	progress := float64(elapsed-seg.start) / float64(seg.duration)
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	value := float64(seg.from) + float64(seg.to-seg.from)*progress
	return int(math.Floor(value + 1e-9)), true
}

// stageAt returns the index of the configured stage running at elapsed.
func (p *stagePlan) stageAt(elapsed time.Duration) (int, bool) {
	seg, ok := p.segmentAt(elapsed)
	if !ok {
		return 0, false
	}
	return seg.index, true
}

func (p *stagePlan) segmentAt(elapsed time.Duration) (stageSegment, bool) {
	if p == nil || len(p.segments) == 0 {
		return stageSegment{}, false
	}
	if elapsed < 0 {
		elapsed = 0
	}
	for _, seg := range p.segments {
		if elapsed < seg.start {
			continue
		}
		if elapsed >= seg.start+seg.duration {
			continue
		}
		return seg, true
	}
	return stageSegment{}, false
}

func (p *stagePlan) peak() int {
	if p == nil {
		return 0
	}
	return p.maxTarget
}

func (p *stagePlan) totalDuration() time.Duration {
	if p == nil {
		return 0
	}
	return p.duration
}
