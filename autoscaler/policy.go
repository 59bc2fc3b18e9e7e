// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package autoscaler

import (
	"errors"
	"time"
)

// Reason explains a Decision.
type Reason string

// Decision reasons.
const (
	ReasonNone            Reason = "none"
	ReasonScaleUp         Reason = "scale_up"
	ReasonScaleDown       Reason = "scale_down"
	ReasonFloorCorrection Reason = "floor_correction"
)

// Policy errors.
var (
	ErrInvalidBounds     = errors.New("replica bounds must satisfy 0 <= min <= max and max >= 1")
	ErrInvalidThresholds = errors.New("thresholds must satisfy 0 <= scale down < scale up")
	ErrInvalidCooldown   = errors.New("cooldown period cannot be negative")
)

// Policy holds the scaling rules. It is immutable once the loop starts.
type Policy struct {
	MinReplicas        int
	MaxReplicas        int
	ScaleUpThreshold   float64 // messages per worker above which one worker is added
	ScaleDownThreshold float64 // messages per worker below which one worker is removed
	CooldownPeriod     time.Duration
}

// Validate checks the policy for errors.
func (p Policy) Validate() error {
	if p.MinReplicas < 0 || p.MaxReplicas < 1 || p.MaxReplicas < p.MinReplicas {
		return ErrInvalidBounds
	}
	if p.ScaleDownThreshold < 0 || p.ScaleUpThreshold <= p.ScaleDownThreshold {
		return ErrInvalidThresholds
	}
	if p.CooldownPeriod < 0 {
		return ErrInvalidCooldown
	}
	return nil
}

// Observation is what a tick feeds into Decide.
type Observation struct {
	QueueLength int
	Current     int
	Now         time.Time
	LastScale   time.Time // zero if the loop has never scaled
}

// Decision is the outcome of one evaluation. Target equals the observed
// current count when Reason is ReasonNone.
type Decision struct {
	Target int
	Reason Reason
	Load   float64
}

// Decide applies the policy to one observation. Rules, first match wins:
// cooldown active, current below the minimum (including zero), current
// above the maximum, load above the scale-up threshold, load below the
// scale-down threshold. Threshold rules move one replica per decision;
// the bound corrections jump straight to the violated bound.
func Decide(p Policy, o Observation) Decision {
	load := float64(o.QueueLength)
	if o.Current > 0 {
		load = float64(o.QueueLength) / float64(o.Current)
	}
	d := Decision{Target: o.Current, Reason: ReasonNone, Load: load}

	if !o.LastScale.IsZero() && o.Now.Sub(o.LastScale) < p.CooldownPeriod {
		return d
	}

	switch {
	case o.Current < p.MinReplicas:
		d.Target, d.Reason = p.MinReplicas, ReasonFloorCorrection
	case o.Current == 0:
		// With a zero minimum, any backlog still needs a worker to drain it.
		if o.QueueLength > 0 {
			d.Target, d.Reason = 1, ReasonScaleUp
		}
		return d
	case o.Current > p.MaxReplicas:
		d.Target, d.Reason = p.MaxReplicas, ReasonScaleDown
	case load > p.ScaleUpThreshold && o.Current < p.MaxReplicas:
		d.Target, d.Reason = o.Current+1, ReasonScaleUp
	case load < p.ScaleDownThreshold && o.Current > p.MinReplicas:
		d.Target, d.Reason = o.Current-1, ReasonScaleDown
	default:
		return d
	}

	d.Target = clamp(d.Target, p.MinReplicas, p.MaxReplicas)
	if d.Target == o.Current {
		d.Reason = ReasonNone
	}
	return d
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
