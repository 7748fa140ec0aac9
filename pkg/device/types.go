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

package device

import (
	"errors"
	"fmt"

	"github.com/daviszhen/preagg/pkg/chunk"
)

type ReductionMode int

const (
	REDUCTION_INVALID ReductionMode = iota
	REDUCTION_NOGROUP
	REDUCTION_LOCAL
	REDUCTION_GLOBAL
	REDUCTION_FINAL
	REDUCTION_ONLY_TERMINATION
)

func (mode ReductionMode) String() string {
	switch mode {
	case REDUCTION_INVALID:
		return "Invalid"
	case REDUCTION_NOGROUP:
		return "NoGroup"
	case REDUCTION_LOCAL:
		return "Local"
	case REDUCTION_GLOBAL:
		return "Global"
	case REDUCTION_FINAL:
		return "Final"
	case REDUCTION_ONLY_TERMINATION:
		return "OnlyTermination"
	default:
		return fmt.Sprintf("ReductionMode(%d)", int(mode))
	}
}

type KernelStatus int

const (
	STATUS_SUCCESS KernelStatus = iota
	STATUS_DATASTORE_NOSPACE
	STATUS_CPU_RECHECK
	STATUS_FAULT
)

func (st KernelStatus) String() string {
	switch st {
	case STATUS_SUCCESS:
		return "Success"
	case STATUS_DATASTORE_NOSPACE:
		return "DataStoreNoSpace"
	case STATUS_CPU_RECHECK:
		return "CpuReCheck"
	case STATUS_FAULT:
		return "Fault"
	default:
		return fmt.Sprintf("KernelStatus(%d)", int(st))
	}
}

var (
	ErrOutOfMemory    = errors.New("device out of memory")
	ErrNoSpacePrivate = errors.New("data store out of space before final reduction")
	ErrNoSpaceShared  = errors.New("final buffer out of space")
	ErrCpuReCheck     = errors.New("row needs cpu recheck")
	ErrDeviceFault    = errors.New("device fault")
)

// Kernels is the set of routines generated for one aggregation.
// Rows returned by Project and slots built by InitSlot are owned by the
// caller.
type Kernels interface {
	NumKeys() int
	NumPartials() int
	// Project evaluates one input row. ok is false when the row is
	// filtered out. ErrCpuReCheck marks a row the device can not handle.
	Project(row chunk.Row) (keys chunk.Row, partials chunk.Row, ok bool, err error)
	Hash(keys chunk.Row) uint64
	KeysEqual(a, b chunk.Row) bool
	InitSlot(partials chunk.Row) chunk.Row
	// Combine merges src into dst in place.
	Combine(dst, src chunk.Row)
	// Fixup converts an accumulator slot into its host representation.
	Fixup(slot chunk.Row) (chunk.Row, error)
	// HasNotByVal reports whether finalize needs to run Fixup on device.
	HasNotByVal() bool
}

func varlenaSize(row chunk.Row) int64 {
	var sz int64
	for _, val := range row {
		sz += int64(val.VarlenaSize())
	}
	return sz
}
