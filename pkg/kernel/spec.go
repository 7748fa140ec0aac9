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
	"fmt"
	"strings"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
)

type PartialKind int

const (
	PF_NROWS PartialKind = iota
	PF_PMIN
	PF_PMAX
	PF_PSUM
	PF_PSUM_X2
	PF_PCOV_X
	PF_PCOV_Y
	PF_PCOV_X2
	PF_PCOV_Y2
	PF_PCOV_XY
)

var partialKindToStr = map[PartialKind]string{
	PF_NROWS:   "nrows",
	PF_PMIN:    "pmin",
	PF_PMAX:    "pmax",
	PF_PSUM:    "psum",
	PF_PSUM_X2: "psum_x2",
	PF_PCOV_X:  "pcov_x",
	PF_PCOV_Y:  "pcov_y",
	PF_PCOV_X2: "pcov_x2",
	PF_PCOV_Y2: "pcov_y2",
	PF_PCOV_XY: "pcov_xy",
}

func (kind PartialKind) String() string {
	if s, has := partialKindToStr[kind]; has {
		return s
	}
	return fmt.Sprintf("partial(%d)", int(kind))
}

// PartialFunc is evaluated per input row and merged per group.
type PartialFunc struct {
	Kind PartialKind
	// Args are input column indexes. NROWS with no args counts every row.
	Args []int
	Typ  common.LType
}

func (pf PartialFunc) String() string {
	args := make([]string, len(pf.Args))
	for i, arg := range pf.Args {
		args[i] = fmt.Sprintf("#%d", arg)
	}
	return fmt.Sprintf("%v(%s)", pf.Kind, strings.Join(args, ","))
}

func (pf PartialFunc) equal(o PartialFunc) bool {
	if pf.Kind != o.Kind || len(pf.Args) != len(o.Args) {
		return false
	}
	for i := range pf.Args {
		if pf.Args[i] != o.Args[i] {
			return false
		}
	}
	return true
}

type CmpOp int

const (
	CMP_EQ CmpOp = iota
	CMP_NE
	CMP_LT
	CMP_LE
	CMP_GT
	CMP_GE
)

var cmpOpToStr = map[CmpOp]string{
	CMP_EQ: "=",
	CMP_NE: "<>",
	CMP_LT: "<",
	CMP_LE: "<=",
	CMP_GT: ">",
	CMP_GE: ">=",
}

func (op CmpOp) String() string {
	return cmpOpToStr[op]
}

func ParseCmpOp(s string) (CmpOp, error) {
	for op, str := range cmpOpToStr {
		if str == s {
			return op, nil
		}
	}
	if s == "!=" {
		return CMP_NE, nil
	}
	return 0, fmt.Errorf("unsupported operator %q", s)
}

// Predicate compares an input column with a constant. NULL never passes.
type Predicate struct {
	Col   int
	Op    CmpOp
	Const chunk.Value
}

func (pred Predicate) Eval(row chunk.Row) bool {
	val := row[pred.Col]
	if val.IsNull || pred.Const.IsNull {
		return false
	}
	ret := chunk.CompareValue(val, pred.Const)
	switch pred.Op {
	case CMP_EQ:
		return ret == 0
	case CMP_NE:
		return ret != 0
	case CMP_LT:
		return ret < 0
	case CMP_LE:
		return ret <= 0
	case CMP_GT:
		return ret > 0
	case CMP_GE:
		return ret >= 0
	default:
		panic("usp")
	}
}

// Spec describes one grouped aggregation: group columns, the partial
// functions computed on the device and the final functions computed on
// the host.
type Spec struct {
	InputNames []string
	InputTypes []common.LType
	GroupCols  []int
	Funcs      []PartialFunc
	Finals     []*FinalFunc
	Filters    []Predicate
	// MaxVarlena bounds the varlena values the device accepts.
	MaxVarlena int
}

func (spec *Spec) NumKeys() int {
	return len(spec.GroupCols)
}

func (spec *Spec) KeyTypes() []common.LType {
	ret := make([]common.LType, len(spec.GroupCols))
	for i, col := range spec.GroupCols {
		ret[i] = spec.InputTypes[col]
	}
	return ret
}

// OutputTypes are the column types of the rows a final buffer publishes:
// group keys followed by the partial values.
func (spec *Spec) OutputTypes() []common.LType {
	ret := spec.KeyTypes()
	for _, pf := range spec.Funcs {
		ret = append(ret, pf.Typ)
	}
	return ret
}

func (spec *Spec) addPartial(kind PartialKind, args ...int) (int, error) {
	pf := PartialFunc{Kind: kind, Args: args}
	for i, f := range spec.Funcs {
		if f.equal(pf) {
			return i, nil
		}
	}
	typ, err := partialType(kind, spec.argTypes(args))
	if err != nil {
		return 0, err
	}
	pf.Typ = typ
	spec.Funcs = append(spec.Funcs, pf)
	return len(spec.Funcs) - 1, nil
}

func (spec *Spec) argTypes(args []int) []common.LType {
	ret := make([]common.LType, len(args))
	for i, arg := range args {
		ret[i] = spec.InputTypes[arg]
	}
	return ret
}

func partialType(kind PartialKind, args []common.LType) (common.LType, error) {
	switch kind {
	case PF_NROWS:
		return common.BigintType(), nil
	case PF_PMIN, PF_PMAX:
		return args[0], nil
	case PF_PSUM, PF_PSUM_X2:
		switch args[0].Id {
		case common.LTID_INTEGER, common.LTID_BIGINT:
			if kind == PF_PSUM_X2 {
				return common.DoubleType(), nil
			}
			return common.BigintType(), nil
		case common.LTID_DOUBLE:
			return common.DoubleType(), nil
		case common.LTID_DECIMAL:
			if kind == PF_PSUM_X2 {
				return common.DecimalType(38, args[0].Scale*2), nil
			}
			return common.DecimalType(38, args[0].Scale), nil
		}
	case PF_PCOV_X, PF_PCOV_Y, PF_PCOV_X2, PF_PCOV_Y2, PF_PCOV_XY:
		for _, arg := range args {
			if !arg.IsNumeric() {
				return common.LType{}, fmt.Errorf("%v on non numeric %v", kind, arg)
			}
		}
		return common.DoubleType(), nil
	}
	return common.LType{}, fmt.Errorf("%v does not support %v", kind, args)
}

// AddAggregate registers the partial functions an aggregate needs and
// returns the final function that combines them on the host.
func (spec *Spec) AddAggregate(name string, args []int, star bool) (*FinalFunc, error) {
	name = strings.ToLower(name)
	ff := &FinalFunc{Name: name}
	var err error
	idx := func(kind PartialKind, args ...int) int {
		if err != nil {
			return 0
		}
		var i int
		i, err = spec.addPartial(kind, args...)
		return i
	}
	wantArgs := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d arguments, got %d", name, n, len(args))
		}
		return nil
	}
	switch name {
	case "count":
		if star {
			ff.Kind = FF_COUNT
			ff.Partials = []int{idx(PF_NROWS)}
			break
		}
		if err = wantArgs(1); err != nil {
			return nil, err
		}
		ff.Kind = FF_COUNT
		ff.Partials = []int{idx(PF_NROWS, args[0])}
	case "sum":
		if err = wantArgs(1); err != nil {
			return nil, err
		}
		ff.Kind = FF_SUM
		ff.Partials = []int{idx(PF_PSUM, args[0])}
	case "avg":
		if err = wantArgs(1); err != nil {
			return nil, err
		}
		ff.Kind = FF_AVG
		ff.Partials = []int{idx(PF_NROWS, args[0]), idx(PF_PSUM, args[0])}
	case "min":
		if err = wantArgs(1); err != nil {
			return nil, err
		}
		ff.Kind = FF_MIN
		ff.Partials = []int{idx(PF_PMIN, args[0])}
	case "max":
		if err = wantArgs(1); err != nil {
			return nil, err
		}
		ff.Kind = FF_MAX
		ff.Partials = []int{idx(PF_PMAX, args[0])}
	case "variance", "var_samp", "var_pop", "stddev", "stddev_samp", "stddev_pop":
		if err = wantArgs(1); err != nil {
			return nil, err
		}
		if !spec.InputTypes[args[0]].IsNumeric() {
			return nil, fmt.Errorf("%s on non numeric %v", name, spec.InputTypes[args[0]])
		}
		ff.Kind = map[string]FinalKind{
			"variance":    FF_VAR_SAMP,
			"var_samp":    FF_VAR_SAMP,
			"var_pop":     FF_VAR_POP,
			"stddev":      FF_STDDEV_SAMP,
			"stddev_samp": FF_STDDEV_SAMP,
			"stddev_pop":  FF_STDDEV_POP,
		}[name]
		ff.Partials = []int{idx(PF_NROWS, args[0]), idx(PF_PSUM, args[0]), idx(PF_PSUM_X2, args[0])}
	case "covar_samp", "covar_pop", "corr":
		if err = wantArgs(2); err != nil {
			return nil, err
		}
		ff.Kind = map[string]FinalKind{
			"covar_samp": FF_COVAR_SAMP,
			"covar_pop":  FF_COVAR_POP,
			"corr":       FF_CORR,
		}[name]
		x, y := args[0], args[1]
		ff.Partials = []int{
			idx(PF_NROWS, x, y),
			idx(PF_PCOV_X, x, y),
			idx(PF_PCOV_X2, x, y),
			idx(PF_PCOV_Y, x, y),
			idx(PF_PCOV_Y2, x, y),
			idx(PF_PCOV_XY, x, y),
		}
	default:
		return nil, fmt.Errorf("unsupported aggregate %s", name)
	}
	if err != nil {
		return nil, err
	}
	ff.Typ = ff.resultType(spec)
	spec.Finals = append(spec.Finals, ff)
	return ff, nil
}
