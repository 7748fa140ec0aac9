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
	"fmt"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/device"
)

type TaskStateKind int

const (
	TS_CREATED TaskStateKind = iota
	TS_DISPATCHED
	TS_SUCCEEDED
	TS_RESOURCE_EXHAUSTED
	TS_FAULTED
	TS_RETRIED
	TS_FINALIZING
	TS_FALLBACK
	TS_COMPLETED
)

var taskStateKindToStr = map[TaskStateKind]string{
	TS_CREATED:            "Created",
	TS_DISPATCHED:         "Dispatched",
	TS_SUCCEEDED:          "Succeeded",
	TS_RESOURCE_EXHAUSTED: "ResourceExhausted",
	TS_FAULTED:            "Faulted",
	TS_RETRIED:            "Retried",
	TS_FINALIZING:         "Finalizing",
	TS_FALLBACK:           "Fallback",
	TS_COMPLETED:          "Completed",
}

func (kind TaskStateKind) String() string {
	if s, has := taskStateKindToStr[kind]; has {
		return s
	}
	return fmt.Sprintf("TaskState(%d)", int(kind))
}

// allowed task state transitions
var taskTransitions = map[TaskStateKind][]TaskStateKind{
	TS_CREATED:            {TS_DISPATCHED, TS_FALLBACK, TS_FINALIZING, TS_RETRIED, TS_FAULTED, TS_COMPLETED},
	TS_DISPATCHED:         {TS_SUCCEEDED, TS_RESOURCE_EXHAUSTED, TS_FAULTED},
	TS_SUCCEEDED:          {TS_COMPLETED},
	TS_RESOURCE_EXHAUSTED: {TS_RETRIED, TS_FAULTED},
	TS_FAULTED:            {TS_FALLBACK, TS_COMPLETED},
	TS_RETRIED:            {TS_DISPATCHED, TS_FALLBACK, TS_FINALIZING, TS_RETRIED, TS_FAULTED, TS_COMPLETED},
	TS_FINALIZING:         {TS_SUCCEEDED, TS_FAULTED, TS_RETRIED},
	TS_FALLBACK:           {TS_COMPLETED},
	TS_COMPLETED:          {},
}

func canTransit(from, to TaskStateKind) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskState is the tagged state of a task. Err is the payload of the
// ResourceExhausted and Faulted states.
type TaskState struct {
	Kind TaskStateKind
	Err  error
}

func (ts TaskState) String() string {
	if ts.Err != nil {
		return fmt.Sprintf("%v(%v)", ts.Kind, ts.Err)
	}
	return ts.Kind.String()
}

// PlanEstimates are the planner figures the sizing heuristic and the
// strategy selector start from.
type PlanEstimates struct {
	RowsIn       int64
	Groups       int64
	ExtraSz      int64
	RowsPerChunk int64
}

type GenerationStat struct {
	Id           uint64
	NRooms       int
	HashSize     int
	Salt         int
	Groups       int
	RowsMerged   int64
	FinalizeRuns int
}

type PreAggStats struct {
	TasksByMode  map[device.ReductionMode]int
	RowsIn       int64
	RowsFiltered int64
	RowsMerged   int64
	GroupsOut    int64
	FallbackRows int64
	Generations  []GenerationStat
	Retries      int64
	NumLaunches  int64
	BytesSent    int64
	BytesRecv    int64
}

func (stats PreAggStats) TotalTasks() int {
	ret := 0
	for _, cnt := range stats.TasksByMode {
		ret += cnt
	}
	return ret
}

type resultItem struct {
	rows []chunk.Row
	// chunk evaluated on the host when the device path gave up on it
	fallback *chunk.Chunk
}
