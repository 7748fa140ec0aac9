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
	"math"

	"github.com/govalues/decimal"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
)

type FinalKind int

const (
	FF_COUNT FinalKind = iota
	FF_SUM
	FF_AVG
	FF_MIN
	FF_MAX
	FF_VAR_SAMP
	FF_VAR_POP
	FF_STDDEV_SAMP
	FF_STDDEV_POP
	FF_COVAR_SAMP
	FF_COVAR_POP
	FF_CORR
)

// FinalFunc computes an aggregate from the merged partial values of one
// group.
type FinalFunc struct {
	Name     string
	Kind     FinalKind
	Partials []int
	Typ      common.LType
}

func (ff *FinalFunc) resultType(spec *Spec) common.LType {
	first := spec.Funcs[ff.Partials[0]].Typ
	switch ff.Kind {
	case FF_COUNT:
		return common.BigintType()
	case FF_SUM, FF_MIN, FF_MAX:
		return first
	case FF_AVG:
		sum := spec.Funcs[ff.Partials[1]].Typ
		if sum.Id == common.LTID_DECIMAL {
			return common.DecimalType(38, max(sum.Scale, 6))
		}
		return common.DoubleType()
	default:
		return common.DoubleType()
	}
}

func (ff *FinalFunc) Eval(slot chunk.Row) chunk.Value {
	get := func(i int) chunk.Value {
		return slot[ff.Partials[i]]
	}
	switch ff.Kind {
	case FF_COUNT:
		return get(0)
	case FF_SUM, FF_MIN, FF_MAX:
		val := get(0)
		if val.IsNull {
			return chunk.NullValue(ff.Typ)
		}
		return val
	case FF_AVG:
		n, sum := get(0), get(1)
		if n.IsNull || n.I64 == 0 || sum.IsNull {
			return chunk.NullValue(ff.Typ)
		}
		if ff.Typ.Id == common.LTID_DECIMAL {
			cnt, err := decimal.New(n.I64, 0)
			if err == nil {
				var q decimal.Decimal
				q, err = sum.Dec.Quo(cnt)
				if err == nil {
					return chunk.DecimalValue(q, ff.Typ)
				}
			}
			return chunk.DoubleValue(sum.Float64() / float64(n.I64))
		}
		return chunk.DoubleValue(sum.Float64() / float64(n.I64))
	case FF_VAR_SAMP, FF_VAR_POP, FF_STDDEV_SAMP, FF_STDDEV_POP:
		n, sx, sx2 := get(0), get(1), get(2)
		if n.IsNull || sx.IsNull || sx2.IsNull {
			return chunk.NullValue(ff.Typ)
		}
		cnt := float64(n.I64)
		denom := cnt
		if ff.Kind == FF_VAR_SAMP || ff.Kind == FF_STDDEV_SAMP {
			denom = cnt - 1
		}
		if cnt == 0 || denom <= 0 {
			return chunk.NullValue(ff.Typ)
		}
		x := sx.Float64()
		v := (sx2.Float64() - x*x/cnt) / denom
		if v < 0 {
			v = 0
		}
		if ff.Kind == FF_STDDEV_SAMP || ff.Kind == FF_STDDEV_POP {
			v = math.Sqrt(v)
		}
		return chunk.DoubleValue(v)
	case FF_COVAR_SAMP, FF_COVAR_POP, FF_CORR:
		n := get(0)
		if n.IsNull || n.I64 == 0 {
			return chunk.NullValue(ff.Typ)
		}
		cnt := float64(n.I64)
		sx, sx2 := get(1).Float64(), get(2).Float64()
		sy, sy2 := get(3).Float64(), get(4).Float64()
		sxy := get(5).Float64()
		switch ff.Kind {
		case FF_COVAR_SAMP:
			if cnt < 2 {
				return chunk.NullValue(ff.Typ)
			}
			return chunk.DoubleValue((sxy - sx*sy/cnt) / (cnt - 1))
		case FF_COVAR_POP:
			return chunk.DoubleValue((sxy - sx*sy/cnt) / cnt)
		default:
			num := cnt*sxy - sx*sy
			den := (cnt*sx2 - sx*sx) * (cnt*sy2 - sy*sy)
			if den <= 0 {
				return chunk.NullValue(ff.Typ)
			}
			return chunk.DoubleValue(num / math.Sqrt(den))
		}
	default:
		panic("usp")
	}
}
