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

package kernel

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/govalues/decimal"
	"github.com/spaolacci/murmur3"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/util"
)

// Kernels evaluates a Spec row by row. The same routines serve the device
// path and the cpu fallback path; only the device path enforces the
// varlena limit.
type Kernels struct {
	spec        *Spec
	hasNotByVal bool
}

var _ device.Kernels = &Kernels{}

func NewKernels(spec *Spec) *Kernels {
	ret := new(Kernels)
	ret.spec = spec
	for _, typ := range spec.OutputTypes() {
		if !typ.Id.ByValue() {
			ret.hasNotByVal = true
		}
	}
	return ret
}

func (k *Kernels) Spec() *Spec {
	return k.spec
}

func (k *Kernels) NumKeys() int {
	return len(k.spec.GroupCols)
}

func (k *Kernels) NumPartials() int {
	return len(k.spec.Funcs)
}

func (k *Kernels) HasNotByVal() bool {
	return k.hasNotByVal
}

func (k *Kernels) Project(row chunk.Row) (chunk.Row, chunk.Row, bool, error) {
	return k.project(row, true)
}

func (k *Kernels) ProjectHost(row chunk.Row) (chunk.Row, chunk.Row, bool, error) {
	return k.project(row, false)
}

func (k *Kernels) project(row chunk.Row, onDevice bool) (chunk.Row, chunk.Row, bool, error) {
	if len(row) != len(k.spec.InputTypes) {
		return nil, nil, false, fmt.Errorf("row has %d columns, want %d", len(row), len(k.spec.InputTypes))
	}
	for _, pred := range k.spec.Filters {
		if !pred.Eval(row) {
			return nil, nil, false, nil
		}
	}
	keys := make(chunk.Row, len(k.spec.GroupCols))
	for i, col := range k.spec.GroupCols {
		keys[i] = row[col]
		if onDevice && k.tooLong(keys[i]) {
			return nil, nil, false, fmt.Errorf("key %d of %d bytes: %w", i, len(keys[i].Str), device.ErrCpuReCheck)
		}
	}
	partials := make(chunk.Row, len(k.spec.Funcs))
	for i, pf := range k.spec.Funcs {
		val, err := evalPartial(pf, row)
		if err != nil {
			if onDevice {
				return nil, nil, false, fmt.Errorf("%v: %w", err, device.ErrCpuReCheck)
			}
			return nil, nil, false, err
		}
		if onDevice && k.tooLong(val) {
			return nil, nil, false, fmt.Errorf("partial %v of %d bytes: %w", pf, len(val.Str), device.ErrCpuReCheck)
		}
		partials[i] = val
	}
	return keys, partials, true, nil
}

func (k *Kernels) tooLong(val chunk.Value) bool {
	return k.spec.MaxVarlena > 0 &&
		!val.IsNull &&
		val.Typ.Id == common.LTID_VARCHAR &&
		len(val.Str) > k.spec.MaxVarlena
}

func evalPartial(pf PartialFunc, row chunk.Row) (chunk.Value, error) {
	for _, arg := range pf.Args {
		if row[arg].IsNull {
			if pf.Kind == PF_NROWS {
				return chunk.BigintValue(0), nil
			}
			return chunk.NullValue(pf.Typ), nil
		}
	}
	switch pf.Kind {
	case PF_NROWS:
		return chunk.BigintValue(1), nil
	case PF_PMIN, PF_PMAX:
		return row[pf.Args[0]], nil
	case PF_PSUM:
		return castTo(row[pf.Args[0]], pf.Typ)
	case PF_PSUM_X2:
		x, err := castTo(row[pf.Args[0]], pf.Typ)
		if err != nil {
			return chunk.Value{}, err
		}
		return mulValue(x, x)
	case PF_PCOV_X:
		return chunk.DoubleValue(row[pf.Args[0]].Float64()), nil
	case PF_PCOV_Y:
		return chunk.DoubleValue(row[pf.Args[1]].Float64()), nil
	case PF_PCOV_X2:
		x := row[pf.Args[0]].Float64()
		return chunk.DoubleValue(x * x), nil
	case PF_PCOV_Y2:
		y := row[pf.Args[1]].Float64()
		return chunk.DoubleValue(y * y), nil
	case PF_PCOV_XY:
		return chunk.DoubleValue(row[pf.Args[0]].Float64() * row[pf.Args[1]].Float64()), nil
	default:
		return chunk.Value{}, fmt.Errorf("unsupported partial function %v", pf.Kind)
	}
}

func castTo(val chunk.Value, typ common.LType) (chunk.Value, error) {
	if val.IsNull {
		return chunk.NullValue(typ), nil
	}
	switch typ.Id {
	case common.LTID_BIGINT:
		return chunk.BigintValue(val.I64), nil
	case common.LTID_DOUBLE:
		return chunk.DoubleValue(val.Float64()), nil
	case common.LTID_DECIMAL:
		if val.Typ.Id == common.LTID_DECIMAL {
			return chunk.DecimalValue(val.Dec, typ), nil
		}
		d, err := decimal.ParseExact(val.String(), typ.Scale)
		if err != nil {
			return chunk.Value{}, err
		}
		return chunk.DecimalValue(d, typ), nil
	}
	return chunk.Value{}, fmt.Errorf("can not cast %v to %v", val.Typ, typ)
}

func addValue(a, b chunk.Value) (chunk.Value, error) {
	if a.IsNull {
		return b, nil
	}
	if b.IsNull {
		return a, nil
	}
	switch a.Typ.Id {
	case common.LTID_BIGINT, common.LTID_INTEGER:
		return chunk.Value{Typ: a.Typ, I64: a.I64 + b.I64}, nil
	case common.LTID_DOUBLE:
		return chunk.Value{Typ: a.Typ, F64: a.F64 + b.F64}, nil
	case common.LTID_DECIMAL:
		d, err := a.Dec.Add(b.Dec)
		if err != nil {
			return chunk.Value{}, err
		}
		return chunk.DecimalValue(d, a.Typ), nil
	}
	return chunk.Value{}, fmt.Errorf("can not add %v", a.Typ)
}

func mulValue(a, b chunk.Value) (chunk.Value, error) {
	switch a.Typ.Id {
	case common.LTID_BIGINT, common.LTID_INTEGER:
		return chunk.Value{Typ: a.Typ, I64: a.I64 * b.I64}, nil
	case common.LTID_DOUBLE:
		return chunk.Value{Typ: a.Typ, F64: a.F64 * b.F64}, nil
	case common.LTID_DECIMAL:
		d, err := a.Dec.Mul(b.Dec)
		if err != nil {
			return chunk.Value{}, err
		}
		return chunk.DecimalValue(d, a.Typ), nil
	}
	return chunk.Value{}, fmt.Errorf("can not multiply %v", a.Typ)
}

func (k *Kernels) Hash(keys chunk.Row) uint64 {
	return murmur3.Sum64(chunk.EncodeKey(keys))
}

func (k *Kernels) KeysEqual(a, b chunk.Row) bool {
	return bytes.Equal(chunk.EncodeKey(a), chunk.EncodeKey(b))
}

func (k *Kernels) InitSlot(partials chunk.Row) chunk.Row {
	return util.CopyTo(partials)
}

// Combine panics when a decimal sum overflows. On the device the panic
// becomes a fault of the launch.
func (k *Kernels) Combine(dst, src chunk.Row) {
	util.AssertFunc(len(dst) == len(k.spec.Funcs) && len(src) == len(dst))
	for i, pf := range k.spec.Funcs {
		switch pf.Kind {
		case PF_PMIN, PF_PMAX:
			if src[i].IsNull {
				continue
			}
			if dst[i].IsNull {
				dst[i] = src[i]
				continue
			}
			ret := chunk.CompareValue(src[i], dst[i])
			if (pf.Kind == PF_PMIN && ret < 0) || (pf.Kind == PF_PMAX && ret > 0) {
				dst[i] = src[i]
			}
		default:
			val, err := addValue(dst[i], src[i])
			if err != nil {
				panic(fmt.Errorf("combine %v: %w", pf, err))
			}
			dst[i] = val
		}
	}
}

// Fixup detaches varlena payloads from device memory and pads decimals
// to the scale of their column.
func (k *Kernels) Fixup(slot chunk.Row) (chunk.Row, error) {
	ret := make(chunk.Row, len(slot))
	for i, val := range slot {
		ret[i] = val
		if val.IsNull {
			continue
		}
		switch val.Typ.Id {
		case common.LTID_VARCHAR:
			ret[i].Str = strings.Clone(val.Str)
		case common.LTID_DECIMAL:
			d, err := decimal.ParseExact(val.Dec.String(), k.spec.Funcs[i].Typ.Scale)
			if err != nil {
				return nil, fmt.Errorf("fixup %v: %w", k.spec.Funcs[i], err)
			}
			ret[i].Dec = d
		}
	}
	return ret, nil
}
