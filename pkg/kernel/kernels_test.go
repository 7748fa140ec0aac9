package kernel

import (
	"math"
	"testing"

	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
	"github.com/daviszhen/preagg/pkg/device"
)

// k varchar, x bigint, y double, p decimal(15,2)
func testSpec(t *testing.T) *Spec {
	spec := &Spec{
		InputNames: []string{"k", "x", "y", "p"},
		InputTypes: []common.LType{
			common.VarcharType(),
			common.BigintType(),
			common.DoubleType(),
			common.DecimalType(15, 2),
		},
		GroupCols:  []int{0},
		MaxVarlena: 8,
	}
	return spec
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	d, err := decimal.ParseExact(s, 2)
	require.NoError(t, err)
	return d
}

func inputRow(t *testing.T, k string, x int64, y float64, p string) chunk.Row {
	return chunk.Row{
		chunk.VarcharValue(k),
		chunk.BigintValue(x),
		chunk.DoubleValue(y),
		chunk.DecimalValue(mustDec(t, p), common.DecimalType(15, 2)),
	}
}

func TestAddAggregate(t *testing.T) {
	spec := testSpec(t)
	cnt, err := spec.AddAggregate("COUNT", nil, true)
	require.NoError(t, err)
	avg, err := spec.AddAggregate("avg", []int{1}, false)
	require.NoError(t, err)
	sum, err := spec.AddAggregate("sum", []int{1}, false)
	require.NoError(t, err)
	psum, err := spec.AddAggregate("sum", []int{3}, false)
	require.NoError(t, err)

	//sum(x) reuses the partial of avg(x)
	assert.Equal(t, avg.Partials[1], sum.Partials[0])
	assert.Equal(t, FF_COUNT, cnt.Kind)
	assert.Equal(t, common.BigintType(), sum.Typ)
	assert.Equal(t, common.DoubleType(), avg.Typ)
	assert.Equal(t, common.DecimalType(38, 2), psum.Typ)
	assert.Equal(t, 4, len(spec.Finals))

	_, err = spec.AddAggregate("median", []int{1}, false)
	assert.Error(t, err)
	_, err = spec.AddAggregate("sum", []int{0}, false)
	assert.Error(t, err)
	_, err = spec.AddAggregate("corr", []int{1}, false)
	assert.Error(t, err)
	_, err = spec.AddAggregate("stddev", []int{0}, false)
	assert.Error(t, err)
}

func TestProject(t *testing.T) {
	spec := testSpec(t)
	_, err := spec.AddAggregate("count", []int{2}, false)
	require.NoError(t, err)
	_, err = spec.AddAggregate("max", []int{0}, false)
	require.NoError(t, err)
	spec.Filters = []Predicate{{Col: 1, Op: CMP_GT, Const: chunk.BigintValue(0)}}
	k := NewKernels(spec)
	assert.True(t, k.HasNotByVal())

	keys, partials, ok, err := k.Project(inputRow(t, "a", 1, 2, "1.00"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", keys[0].Str)
	assert.Equal(t, int64(1), partials[0].I64)

	_, _, ok, err = k.Project(inputRow(t, "a", 0, 2, "1.00"))
	require.NoError(t, err)
	assert.False(t, ok)

	//null argument is not counted
	row := inputRow(t, "a", 1, 0, "1.00")
	row[2] = chunk.NullValue(common.DoubleType())
	_, partials, ok, err = k.Project(row)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), partials[0].I64)

	//too long for the device, fine on the host
	long := inputRow(t, "abcdefghijk", 1, 2, "1.00")
	_, _, _, err = k.Project(long)
	assert.ErrorIs(t, err, device.ErrCpuReCheck)
	_, _, ok, err = k.ProjectHost(long)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, _, err = k.Project(chunk.Row{chunk.VarcharValue("a")})
	assert.Error(t, err)
}

func evalAll(t *testing.T, spec *Spec, rows []chunk.Row) chunk.Row {
	k := NewKernels(spec)
	var slot chunk.Row
	for _, row := range rows {
		_, partials, ok, err := k.ProjectHost(row)
		require.NoError(t, err)
		require.True(t, ok)
		if slot == nil {
			slot = k.InitSlot(partials)
		} else {
			k.Combine(slot, partials)
		}
	}
	slot, err := k.Fixup(slot)
	require.NoError(t, err)
	ret := make(chunk.Row, len(spec.Finals))
	for i, ff := range spec.Finals {
		ret[i] = ff.Eval(slot)
	}
	return ret
}

func TestFinalEval(t *testing.T) {
	spec := testSpec(t)
	names := []struct {
		name string
		args []int
	}{
		{"count", nil},
		{"sum", []int{1}},
		{"avg", []int{1}},
		{"min", []int{2}},
		{"max", []int{0}},
		{"var_pop", []int{1}},
		{"stddev_samp", []int{1}},
		{"covar_pop", []int{1, 2}},
		{"corr", []int{1, 2}},
		{"avg", []int{3}},
		{"sum", []int{3}},
	}
	for _, n := range names {
		_, err := spec.AddAggregate(n.name, n.args, n.args == nil)
		require.NoError(t, err)
	}
	rows := []chunk.Row{
		inputRow(t, "a", 1, 2, "1.10"),
		inputRow(t, "b", 2, 4, "2.20"),
		inputRow(t, "c", 3, 6, "3.30"),
		inputRow(t, "d", 4, 8, "4.40"),
	}
	out := evalAll(t, spec, rows)
	assert.Equal(t, int64(4), out[0].I64)
	assert.Equal(t, int64(10), out[1].I64)
	assert.Equal(t, 2.5, out[2].F64)
	assert.Equal(t, 2.0, out[3].F64)
	assert.Equal(t, "d", out[4].Str)
	assert.InDelta(t, 1.25, out[5].F64, 1e-9)
	assert.InDelta(t, math.Sqrt(5.0/3.0), out[6].F64, 1e-9)
	assert.InDelta(t, 2.5, out[7].F64, 1e-9)
	assert.InDelta(t, 1.0, out[8].F64, 1e-9)
	assert.Equal(t, 0, out[9].Dec.Cmp(mustDec(t, "2.75")))
	assert.Equal(t, "11.00", out[10].String())
}

func TestFinalEvalNulls(t *testing.T) {
	spec := testSpec(t)
	_, err := spec.AddAggregate("sum", []int{1}, false)
	require.NoError(t, err)
	_, err = spec.AddAggregate("avg", []int{1}, false)
	require.NoError(t, err)
	_, err = spec.AddAggregate("var_samp", []int{1}, false)
	require.NoError(t, err)
	row := inputRow(t, "a", 0, 0, "0")
	row[1] = chunk.NullValue(common.BigintType())
	out := evalAll(t, spec, []chunk.Row{row})
	for _, val := range out {
		assert.True(t, val.IsNull)
	}
}

func TestPredicate(t *testing.T) {
	row := chunk.Row{chunk.BigintValue(5), chunk.NullValue(common.BigintType())}
	cases := []struct {
		op   CmpOp
		c    int64
		want bool
	}{
		{CMP_EQ, 5, true},
		{CMP_NE, 5, false},
		{CMP_LT, 6, true},
		{CMP_LE, 5, true},
		{CMP_GT, 5, false},
		{CMP_GE, 5, true},
	}
	for _, c := range cases {
		pred := Predicate{Col: 0, Op: c.op, Const: chunk.BigintValue(c.c)}
		assert.Equal(t, c.want, pred.Eval(row), "%v %d", c.op, c.c)
	}
	assert.False(t, Predicate{Col: 1, Op: CMP_EQ, Const: chunk.BigintValue(0)}.Eval(row))

	op, err := ParseCmpOp("!=")
	require.NoError(t, err)
	assert.Equal(t, CMP_NE, op)
	_, err = ParseCmpOp("~~")
	assert.Error(t, err)
}

func TestHashKeys(t *testing.T) {
	spec := testSpec(t)
	_, err := spec.AddAggregate("count", nil, true)
	require.NoError(t, err)
	k := NewKernels(spec)
	a := chunk.Row{chunk.VarcharValue("x")}
	b := chunk.Row{chunk.VarcharValue("x")}
	c := chunk.Row{chunk.VarcharValue("y")}
	assert.Equal(t, k.Hash(a), k.Hash(b))
	assert.True(t, k.KeysEqual(a, b))
	assert.False(t, k.KeysEqual(a, c))
	assert.True(t, k.KeysEqual(chunk.Row{chunk.NullValue(common.VarcharType())}, chunk.Row{chunk.NullValue(common.VarcharType())}))
}
