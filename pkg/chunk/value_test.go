package chunk

import (
	"math"
	"testing"

	"github.com/govalues/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/preagg/pkg/common"
)

func TestParseValue(t *testing.T) {
	val, err := ParseValue(common.BigintType(), " 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val.I64)

	val, err = ParseValue(common.DecimalType(15, 2), "3.5")
	require.NoError(t, err)
	assert.Equal(t, "3.50", val.String())

	val, err = ParseValue(common.VarcharType(), "")
	require.NoError(t, err)
	assert.True(t, val.IsNull)

	val, err = ParseValue(common.BooleanType(), "true")
	require.NoError(t, err)
	assert.True(t, val.Bool)

	_, err = ParseValue(common.IntegerType(), "x")
	assert.Error(t, err)
}

func TestCompareValue(t *testing.T) {
	null := NullValue(common.BigintType())
	assert.Equal(t, -1, CompareValue(null, BigintValue(-100)))
	assert.Equal(t, 0, CompareValue(null, null))
	assert.Equal(t, 1, CompareValue(BigintValue(2), BigintValue(1)))
	assert.Equal(t, 0, CompareValue(IntegerValue(2), DoubleValue(2)))
	assert.Equal(t, -1, CompareValue(VarcharValue("a"), VarcharValue("b")))

	d1, err := decimal.Parse("1.10")
	require.NoError(t, err)
	d2, err := decimal.Parse("1.1")
	require.NoError(t, err)
	typ := common.DecimalType(15, 2)
	assert.Equal(t, 0, CompareValue(DecimalValue(d1, typ), DecimalValue(d2, typ)))
	assert.True(t, EqualRow(Row{BigintValue(1), VarcharValue("x")}, Row{BigintValue(1), VarcharValue("x")}))
	assert.False(t, EqualRow(Row{BigintValue(1)}, Row{BigintValue(1), BigintValue(2)}))
}

func TestEncodeKey(t *testing.T) {
	typ := common.DecimalType(15, 2)
	d1, err := decimal.Parse("2.50")
	require.NoError(t, err)
	d2, err := decimal.Parse("2.5")
	require.NoError(t, err)

	//equal values encode identically
	assert.Equal(t,
		EncodeKey([]Value{DecimalValue(d1, typ), DoubleValue(0)}),
		EncodeKey([]Value{DecimalValue(d2, typ), DoubleValue(math.Copysign(0, -1))}),
	)
	//null differs from zero
	assert.NotEqual(t,
		EncodeKey([]Value{NullValue(common.BigintType())}),
		EncodeKey([]Value{BigintValue(0)}),
	)
	//length prefix keeps column boundaries
	assert.NotEqual(t,
		EncodeKey([]Value{VarcharValue("ab"), VarcharValue("c")}),
		EncodeKey([]Value{VarcharValue("a"), VarcharValue("bc")}),
	)
}

func TestFromAny(t *testing.T) {
	val, err := FromAny(common.DecimalType(15, 2), int64(1234))
	require.NoError(t, err)
	assert.Equal(t, "12.34", val.String())

	val, err = FromAny(common.VarcharType(), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", val.Str)

	val, err = FromAny(common.DoubleType(), int32(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, val.F64)

	val, err = FromAny(common.BigintType(), nil)
	require.NoError(t, err)
	assert.True(t, val.IsNull)

	_, err = FromAny(common.BigintType(), true)
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	types := []common.LType{common.BigintType()}
	rows := []Row{{BigintValue(1)}, {BigintValue(2)}, {BigintValue(3)}}
	chk := NewRowChunk(types, rows)
	assert.Equal(t, 3, chk.NItems())
	assert.Equal(t, 3, chk.RealRows())
	assert.Equal(t, 1, chk.ColumnCount())

	blk := NewBlockChunk(types, rows, 1, 2)
	assert.Equal(t, BLOCK_FORMAT, blk.Format)
	//the hint underestimates the real row count
	assert.Equal(t, 2, blk.NItems())
	assert.Equal(t, 3, blk.RealRows())

	part := chk.Slice(1, 3)
	assert.Equal(t, 2, part.RealRows())
	assert.Equal(t, int64(2), part.Rows[0][0].I64)
}
