// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daviszhen/preagg/pkg/device"
)

func TestEstimateGroups(t *testing.T) {
	//too few rows, trust the planner
	assert.Equal(t, 5.0, EstimateGroups(SizingStats{
		ExecRowsIn: 999,
		ExecGroups: 900,
		Plan:       PlanEstimates{Groups: 5},
	}))
	//floor
	assert.Equal(t, 1.0, EstimateGroups(SizingStats{}))

	//the model projects past the groups seen so far
	st := SizingStats{
		ExecRowsIn: 10000,
		ExecGroups: 4000,
		Plan:       PlanEstimates{RowsIn: 10000, Groups: 5},
	}
	groups := EstimateGroups(st)
	assert.Greater(t, groups, 4000.0)
	assert.Less(t, groups, 5000.0)

	//more planned rows, more groups
	st.Plan.RowsIn = 1000000
	assert.Greater(t, EstimateGroups(st), groups)
}

func TestSizeFinalBufferSmall(t *testing.T) {
	size := SizeFinalBuffer(SizingStats{Plan: PlanEstimates{Groups: 1}}, 2, 1024, 64<<10)
	assert.Equal(t, 204, size.KeyDistSalt)
	assert.Equal(t, int64(64<<10), size.Footprint)
	//rooms fill the whole chunk
	assert.Equal(t, 2725, size.NRooms)
	assert.Equal(t, 2*size.NRooms, size.HashSize)

	size = SizeFinalBuffer(SizingStats{Plan: PlanEstimates{Groups: 1000}}, 2, 1024, 64<<10)
	assert.Equal(t, 1, size.KeyDistSalt)
	//2700 rooms of 24 bytes fill more than half a chunk
	assert.Equal(t, int64(2*(64<<10)), size.Footprint)
}

func TestSizeFinalBufferLarge(t *testing.T) {
	chunkSize := int64(64 << 10)
	size := SizeFinalBuffer(SizingStats{Plan: PlanEstimates{Groups: 100000}}, 2, 1024, chunkSize)
	assert.Equal(t, 1, size.KeyDistSalt)
	assert.Equal(t, int64(0), size.Footprint%chunkSize)
	assert.Equal(t, int64(92)*chunkSize, size.Footprint)
	assert.GreaterOrEqual(t, size.NRooms, 250200)
	assert.LessOrEqual(t, int64(finalBufferHead)+int64(size.NRooms)*24, size.Footprint)
}

func TestSizeFinalBufferExtra(t *testing.T) {
	st := SizingStats{
		ExecRowsIn:  500,
		ExecGroups:  200,
		ExecExtraSz: 2000,
		Plan:        PlanEstimates{Groups: 300, ExtraSz: 4},
	}
	size := SizeFinalBuffer(st, 3, 1024, 1024)
	assert.Equal(t, 10, size.ExtraSz)

	//too few groups to trust the runtime average
	st.ExecGroups = 99
	size = SizeFinalBuffer(st, 3, 1024, 1024)
	assert.Equal(t, 4, size.ExtraSz)
}

func TestSizeConverges(t *testing.T) {
	//the estimate follows the runtime statistics as they accumulate
	prev := 0
	for rows := int64(1000); rows <= 64000; rows *= 2 {
		st := SizingStats{
			ExecRowsIn: rows,
			ExecGroups: rows / 4,
			Plan:       PlanEstimates{Groups: 5},
		}
		size := SizeFinalBuffer(st, 4, 1024, 1024)
		assert.Greater(t, size.NRooms, prev)
		assert.GreaterOrEqual(t, float64(size.NRooms), EstimateGroups(st)*nroomsFactor)
		prev = size.NRooms
	}
}

func TestSelectReduction(t *testing.T) {
	in := StrategyInput{
		HasKeys:            true,
		PlanGroups:         5,
		MaxThreadsPerBlock: 1024,
		NItemsReal:         2048,
	}
	assert.Equal(t, device.REDUCTION_LOCAL, SelectReduction(in))

	in.PlanGroups = 300
	assert.Equal(t, device.REDUCTION_GLOBAL, SelectReduction(in))

	in.PlanGroups = 600
	assert.Equal(t, device.REDUCTION_FINAL, SelectReduction(in))

	//runtime statistics take over after the warm up
	in.PlanGroups = 5
	in.ExecGroups = 4000
	in.CompletedTasks = strategyWarmupTasks
	assert.Equal(t, device.REDUCTION_FINAL, SelectReduction(in))
	in.CompletedTasks = 1000
	assert.Equal(t, device.REDUCTION_FINAL, SelectReduction(in))

	in.CompletedTasks = 15
	assert.Equal(t, 2002.5, BlendedGroups(in))

	in.HasKeys = false
	assert.Equal(t, device.REDUCTION_NOGROUP, SelectReduction(in))
}

func TestSelectReductionDeterministic(t *testing.T) {
	in := StrategyInput{
		HasKeys:            true,
		PlanGroups:         100,
		ExecGroups:         900,
		CompletedTasks:     7,
		MaxThreadsPerBlock: 512,
		NItemsReal:         4096,
	}
	want := SelectReduction(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, want, SelectReduction(in))
	}
}
