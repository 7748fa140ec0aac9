package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/kernel"
)

func partialRow(g, cnt, sum, lo, hi int64) chunk.Row {
	return chunk.Row{
		chunk.BigintValue(g),
		chunk.BigintValue(cnt),
		chunk.BigintValue(sum),
		chunk.BigintValue(lo),
		chunk.BigintValue(hi),
	}
}

func TestFinalAggregateMerge(t *testing.T) {
	fa := NewFinalAggregate(kernel.NewKernels(testSpec(t, true)))
	//the same group from two generations and the cpu fallback
	require.NoError(t, fa.Add(partialRow(2, 3, 30, 5, 15)))
	require.NoError(t, fa.Add(partialRow(1, 1, 7, 7, 7)))
	require.NoError(t, fa.Add(partialRow(2, 2, 10, 1, 9)))
	require.NoError(t, fa.Add(partialRow(2, 1, 20, 20, 20)))
	assert.Equal(t, 2, fa.NumGroups())

	rows := fa.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0].I64)
	assert.Equal(t, int64(2), rows[1][0].I64)
	assert.Equal(t, int64(6), rows[1][1].I64)
	assert.Equal(t, int64(60), rows[1][2].I64)
	assert.Equal(t, int64(1), rows[1][3].I64)
	assert.Equal(t, int64(20), rows[1][4].I64)
}

func TestFinalAggregateOwnsRows(t *testing.T) {
	fa := NewFinalAggregate(kernel.NewKernels(testSpec(t, true)))
	row := partialRow(1, 1, 7, 7, 7)
	require.NoError(t, fa.Add(row))
	row[0] = chunk.BigintValue(100)
	row[2] = chunk.BigintValue(100)
	rows := fa.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0][0].I64)
	assert.Equal(t, int64(7), rows[0][2].I64)
}

func TestFinalAggregateBadRow(t *testing.T) {
	fa := NewFinalAggregate(kernel.NewKernels(testSpec(t, true)))
	assert.Error(t, fa.Add(chunk.Row{chunk.BigintValue(1)}))
	assert.Equal(t, 0, fa.NumGroups())
	assert.Empty(t, fa.Rows())
}

func TestFinalAggregateNoGroup(t *testing.T) {
	fa := NewFinalAggregate(kernel.NewKernels(testSpec(t, false)))
	rows := fa.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0][0].I64)
	for _, val := range rows[0][1:] {
		assert.True(t, val.IsNull)
	}

	require.NoError(t, fa.Add(partialRow(0, 2, 9, 4, 5)[1:]))
	require.NoError(t, fa.Add(partialRow(0, 1, 1, 1, 1)[1:]))
	rows = fa.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, chunk.Row{
		chunk.BigintValue(3),
		chunk.BigintValue(10),
		chunk.BigintValue(1),
		chunk.BigintValue(5),
	}.String(), rows[0].String())
}
