// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var defaultPolicy = Policy{
	MinReplicas:        1,
	MaxReplicas:        10,
	ScaleUpThreshold:   10,
	ScaleDownThreshold: 2,
	CooldownPeriod:     60 * time.Second,
}

func TestDecide(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		desc   string
		policy Policy
		obs    Observation
		target int
		reason Reason
	}{
		{
			desc:   "backlog above threshold adds one worker",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 25, Current: 2, Now: now},
			target: 3,
			reason: ReasonScaleUp,
		},
		{
			desc:   "idle queue removes one worker",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 1, Current: 5, Now: now},
			target: 4,
			reason: ReasonScaleDown,
		},
		{
			desc:   "cooldown blocks scaling",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 500, Current: 2, Now: now, LastScale: now.Add(-10 * time.Second)},
			target: 2,
			reason: ReasonNone,
		},
		{
			desc:   "cooldown expired",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 500, Current: 2, Now: now, LastScale: now.Add(-60 * time.Second)},
			target: 3,
			reason: ReasonScaleUp,
		},
		{
			desc:   "zero workers corrected to minimum",
			policy: Policy{MinReplicas: 3, MaxReplicas: 10, ScaleUpThreshold: 10, ScaleDownThreshold: 2},
			obs:    Observation{QueueLength: 0, Current: 0, Now: now},
			target: 3,
			reason: ReasonFloorCorrection,
		},
		{
			desc:   "zero workers with backlog still jumps to minimum",
			policy: Policy{MinReplicas: 3, MaxReplicas: 10, ScaleUpThreshold: 10, ScaleDownThreshold: 2},
			obs:    Observation{QueueLength: 1000, Current: 0, Now: now},
			target: 3,
			reason: ReasonFloorCorrection,
		},
		{
			desc:   "at max stays at max",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 1000, Current: 10, Now: now},
			target: 10,
			reason: ReasonNone,
		},
		{
			desc:   "at min stays at min",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 0, Current: 1, Now: now},
			target: 1,
			reason: ReasonNone,
		},
		{
			desc:   "load between thresholds holds",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 20, Current: 4, Now: now},
			target: 4,
			reason: ReasonNone,
		},
		{
			desc:   "load equal to up threshold holds",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 20, Current: 2, Now: now},
			target: 2,
			reason: ReasonNone,
		},
		{
			desc:   "load equal to down threshold holds",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 8, Current: 4, Now: now},
			target: 4,
			reason: ReasonNone,
		},
		{
			desc:   "zero minimum stays at zero when idle",
			policy: Policy{MinReplicas: 0, MaxReplicas: 5, ScaleUpThreshold: 10, ScaleDownThreshold: 2},
			obs:    Observation{QueueLength: 0, Current: 0, Now: now},
			target: 0,
			reason: ReasonNone,
		},
		{
			desc:   "zero minimum wakes one worker for any backlog instead of holding at the zero minimum",
			policy: Policy{MinReplicas: 0, MaxReplicas: 5, ScaleUpThreshold: 10, ScaleDownThreshold: 2},
			obs:    Observation{QueueLength: 3, Current: 0, Now: now},
			target: 1,
			reason: ReasonScaleUp,
		},
		{
			desc:   "zero minimum scales last worker away",
			policy: Policy{MinReplicas: 0, MaxReplicas: 5, ScaleUpThreshold: 10, ScaleDownThreshold: 2},
			obs:    Observation{QueueLength: 0, Current: 1, Now: now},
			target: 0,
			reason: ReasonScaleDown,
		},
		{
			desc:   "above max corrected to max",
			policy: defaultPolicy,
			obs:    Observation{QueueLength: 100, Current: 14, Now: now},
			target: 10,
			reason: ReasonScaleDown,
		},
		{
			desc:   "below min corrected to min",
			policy: Policy{MinReplicas: 4, MaxReplicas: 10, ScaleUpThreshold: 10, ScaleDownThreshold: 2},
			obs:    Observation{QueueLength: 0, Current: 2, Now: now},
			target: 4,
			reason: ReasonFloorCorrection,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			d := Decide(tc.policy, tc.obs)
			assert.Equal(t, tc.target, d.Target)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestDecideLoad(t *testing.T) {
	assert.Equal(t, 12.5, Decide(defaultPolicy, Observation{QueueLength: 25, Current: 2}).Load)
	assert.Equal(t, 7.0, Decide(defaultPolicy, Observation{QueueLength: 7, Current: 0}).Load, "load is the raw length with no workers")
}

func TestDecideBoundsProperty(t *testing.T) {
	policies := []Policy{
		defaultPolicy,
		{MinReplicas: 0, MaxReplicas: 3, ScaleUpThreshold: 5, ScaleDownThreshold: 1},
		{MinReplicas: 2, MaxReplicas: 2, ScaleUpThreshold: 1, ScaleDownThreshold: 0.5},
	}
	now := time.Now()

	for _, p := range policies {
		for current := 0; current <= 15; current++ {
			for queue := 0; queue <= 200; queue += 7 {
				d := Decide(p, Observation{QueueLength: queue, Current: current, Now: now})
				assert.GreaterOrEqual(t, d.Target, p.MinReplicas, "policy %+v current %d queue %d", p, current, queue)
				assert.LessOrEqual(t, d.Target, p.MaxReplicas, "policy %+v current %d queue %d", p, current, queue)

				inBounds := current >= p.MinReplicas && current <= p.MaxReplicas
				if inBounds && current > 0 {
					diff := d.Target - current
					assert.LessOrEqual(t, diff, 1)
					assert.GreaterOrEqual(t, diff, -1)
				}
			}
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, defaultPolicy.Validate())
	assert.NoError(t, Policy{MinReplicas: 0, MaxReplicas: 1, ScaleUpThreshold: 1}.Validate())

	assert.ErrorIs(t, Policy{MinReplicas: -1, MaxReplicas: 1, ScaleUpThreshold: 1}.Validate(), ErrInvalidBounds)
	assert.ErrorIs(t, Policy{MinReplicas: 0, MaxReplicas: 0, ScaleUpThreshold: 1}.Validate(), ErrInvalidBounds)
	assert.ErrorIs(t, Policy{MinReplicas: 5, MaxReplicas: 4, ScaleUpThreshold: 1}.Validate(), ErrInvalidBounds)
	assert.ErrorIs(t, Policy{MinReplicas: 1, MaxReplicas: 4, ScaleUpThreshold: 2, ScaleDownThreshold: 2}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Policy{MinReplicas: 1, MaxReplicas: 4, ScaleUpThreshold: 2, ScaleDownThreshold: -1}.Validate(), ErrInvalidThresholds)
	assert.ErrorIs(t, Policy{MinReplicas: 1, MaxReplicas: 4, ScaleUpThreshold: 2, CooldownPeriod: -time.Second}.Validate(), ErrInvalidCooldown)
}
