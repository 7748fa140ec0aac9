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
	"math"

	"github.com/daviszhen/preagg/pkg/util"
)

const (
	// below this many rows the runtime group count is not trusted
	minExecRowsForModel = 1000
	minProjectedRows    = 1000
	// a final buffer with fewer groups gets key distribution salt
	saltGroupsDivisor = 5
	nroomsFactor      = 2.5
	nroomsMargin      = 200
	finalBufferHead   = 128
	// null flag and 8 byte datum per column
	bytesPerColumn = 9
	// a group needs this many runtime groups before its extra size counts
	minExecGroupsForExtra = 100
)

type SizingStats struct {
	ExecRowsIn  int64
	ExecGroups  int64
	ExecExtraSz int64
	Plan        PlanEstimates
}

type FinalBufferSize struct {
	KeyDistSalt int
	NRooms      int
	ExtraSz     int
	HashSize    int
	Footprint   int64
}

// EstimateGroups projects the final group count from the runtime
// statistics, modelling groups as A*ln(rows).
func EstimateGroups(st SizingStats) float64 {
	var groups float64
	if st.ExecRowsIn < minExecRowsForModel {
		groups = float64(st.Plan.Groups)
	} else {
		a := float64(st.ExecGroups) / math.Log(float64(st.ExecRowsIn))
		projected := max(st.Plan.RowsIn, 2*st.ExecRowsIn, minProjectedRows)
		groups = a * math.Log(float64(projected))
	}
	return max(groups, 1)
}

// SizeFinalBuffer decides the capacity of the next final buffer
// generation. The footprint is rounded to whole chunks of the device
// allocator, and small buffers are inflated to fill one to three chunks.
func SizeFinalBuffer(st SizingStats, ncols int, maxThreadsPerBlock int, chunkSize int64) FinalBufferSize {
	util.AssertFunc(ncols > 0 && maxThreadsPerBlock > 0 && chunkSize > 0)
	groups := EstimateGroups(st)

	extraSz := st.Plan.ExtraSz
	if st.ExecGroups >= minExecGroupsForExtra {
		extraSz = max((st.ExecExtraSz+st.ExecGroups-1)/st.ExecGroups, st.Plan.ExtraSz)
	}
	extraSz = max(extraSz, 0)

	salt := 1
	if groups < float64(maxThreadsPerBlock/saltGroupsDivisor) {
		salt = max(int(float64(maxThreadsPerBlock)/(saltGroupsDivisor*groups)), 1)
	}

	nrooms := int(math.Ceil(groups*float64(salt)*nroomsFactor)) + nroomsMargin
	unit := int64(util.AlignValue8(ncols*bytesPerColumn)) + int64(util.AlignValue8(int(extraSz)))
	footprint := finalBufferHead + unit*int64(nrooms)
	switch {
	case footprint < chunkSize/2:
		footprint = chunkSize
	case footprint < chunkSize:
		footprint = 2 * chunkSize
	case footprint < 3*chunkSize:
		footprint = 3 * chunkSize
	default:
		footprint = util.AlignValue(footprint, chunkSize)
	}
	nrooms = max(int((footprint-finalBufferHead)/unit), nrooms)

	return FinalBufferSize{
		KeyDistSalt: salt,
		NRooms:      nrooms,
		ExtraSz:     int(extraSz),
		HashSize:    2 * nrooms,
		Footprint:   footprint,
	}
}
