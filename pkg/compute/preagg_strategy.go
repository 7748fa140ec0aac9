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
	"github.com/daviszhen/preagg/pkg/device"
)

// tasks needed before runtime statistics fully replace the planner
const strategyWarmupTasks = 30

type StrategyInput struct {
	HasKeys        bool
	PlanGroups     int64
	ExecGroups     int64
	CompletedTasks int
	// MaxThreadsPerBlock is the work group size of the device.
	MaxThreadsPerBlock int
	// NItemsReal is the row count of the chunk the task reduces.
	NItemsReal int
}

func BlendedGroups(in StrategyInput) float64 {
	w := float64(min(in.CompletedTasks, strategyWarmupTasks)) / strategyWarmupTasks
	return float64(in.PlanGroups)*(1-w) + float64(in.ExecGroups)*w
}

// SelectReduction picks how far a task pre-reduces its chunk before
// touching the final buffer.
func SelectReduction(in StrategyInput) device.ReductionMode {
	if !in.HasKeys {
		return device.REDUCTION_NOGROUP
	}
	groups := BlendedGroups(in)
	switch {
	case groups < float64(in.MaxThreadsPerBlock)/4:
		return device.REDUCTION_LOCAL
	case groups < float64(in.NItemsReal)/4:
		return device.REDUCTION_GLOBAL
	default:
		return device.REDUCTION_FINAL
	}
}
