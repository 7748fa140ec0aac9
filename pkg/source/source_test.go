package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqWriter "github.com/xitongsys/parquet-go/writer"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
	"github.com/daviszhen/preagg/pkg/util"
)

func drain(t *testing.T, src ChunkSource) []*chunk.Chunk {
	var ret []*chunk.Chunk
	for {
		chk, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return ret
		}
		require.NoError(t, err)
		ret = append(ret, chk)
	}
}

func countRows(chunks []*chunk.Chunk) int {
	n := 0
	for _, chk := range chunks {
		n += chk.RealRows()
	}
	return n
}

func TestParseColumns(t *testing.T) {
	names, types, err := ParseColumns([]string{"A:bigint", " b : decimal(15,2)", "c:varchar(10)"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Equal(t, common.BigintType(), types[0])
	assert.Equal(t, common.LTID_DECIMAL, types[1].Id)
	assert.Equal(t, 2, types[1].Scale)
	assert.Equal(t, common.LTID_VARCHAR, types[2].Id)

	_, _, err = ParseColumns([]string{"a"})
	assert.Error(t, err)
	_, _, err = ParseColumns([]string{"a:blob"})
	assert.Error(t, err)
}

func TestMemSourceRowFormat(t *testing.T) {
	types := []common.LType{common.BigintType()}
	rows := make([]chunk.Row, 25)
	for i := range rows {
		rows[i] = chunk.Row{chunk.BigintValue(int64(i))}
	}
	src := NewMemSource([]string{"a"}, types, rows, Layout{ChunkRows: 10})
	assert.Equal(t, 25, src.EstimatedRows())
	chunks := drain(t, src)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].NItems())
	assert.Equal(t, 5, chunks[2].RealRows())
	assert.Equal(t, chunk.ROW_FORMAT, chunks[0].Format)

	require.NoError(t, src.Rewind())
	assert.Equal(t, 25, countRows(drain(t, src)))
	assert.NoError(t, src.Close())
}

func TestMemSourceBlockFormat(t *testing.T) {
	types := []common.LType{common.BigintType()}
	rows := make([]chunk.Row, 250)
	for i := range rows {
		rows[i] = chunk.Row{chunk.BigintValue(int64(i))}
	}
	src := NewMemSource([]string{"a"}, types, rows, Layout{ChunkRows: 100, BlockRows: 30, BlockRowsHint: 20})
	chunks := drain(t, src)
	require.Len(t, chunks, 3)
	assert.Equal(t, chunk.BLOCK_FORMAT, chunks[0].Format)
	//4 blocks announced at 20 rows each
	assert.Equal(t, 4, chunks[0].NBlocks)
	assert.Equal(t, 80, chunks[0].NItems())
	assert.Equal(t, 100, chunks[0].RealRows())
	assert.Equal(t, 2, chunks[2].NBlocks)
	assert.Equal(t, 50, chunks[2].RealRows())
}

func TestMemSourceCanceled(t *testing.T) {
	src := NewMemSource(nil, nil, []chunk.Row{{}}, Layout{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func writeCSV(t *testing.T, lines []string) string {
	path := filepath.Join(t.TempDir(), "t.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func TestCSVSource(t *testing.T) {
	lines := make([]string, 0, 23)
	for i := 0; i < 23; i++ {
		lines = append(lines, fmt.Sprintf("%d|%d.25|k%d|extra", i, i, i%3))
	}
	path := writeCSV(t, lines)
	opts := util.TableOptions{
		Name:      "t",
		Path:      path,
		Delimiter: "|",
		Columns:   []string{"a:bigint", "b:decimal(15,2)", "c:varchar"},
	}
	src, err := Open(opts, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, src.Names())
	chunks := drain(t, src)
	require.Len(t, chunks, 3)
	assert.Equal(t, 23, countRows(chunks))
	row := chunks[1].Rows[2]
	assert.Equal(t, int64(12), row[0].I64)
	assert.Equal(t, "12.25", row[1].String())
	assert.Equal(t, "k0", row[2].Str)

	rewinder, ok := src.(Rewinder)
	require.True(t, ok)
	require.NoError(t, rewinder.Rewind())
	assert.Equal(t, 23, countRows(drain(t, src)))
	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestCSVSourceErrors(t *testing.T) {
	cols := []string{"a:bigint", "b:bigint"}
	src, err := Open(util.TableOptions{Name: "t", Path: writeCSV(t, []string{"1,2", "3"}), Columns: cols}, 10)
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.ErrorContains(t, err, ":2:")
	assert.NoError(t, src.Close())

	src, err = Open(util.TableOptions{Name: "t", Path: writeCSV(t, []string{"1,x"}), Columns: cols}, 10)
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	assert.Error(t, err)
	assert.NoError(t, src.Close())

	_, err = Open(util.TableOptions{Name: "t", Path: filepath.Join(t.TempDir(), "none.csv"), Columns: cols}, 10)
	assert.Error(t, err)
	_, err = Open(util.TableOptions{Name: "t", Format: "orc", Columns: cols}, 10)
	assert.Error(t, err)
}

type pqRow struct {
	G int64  `parquet:"name=g, type=INT64"`
	S string `parquet:"name=s, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func TestParquetSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.parquet")
	fw, err := pqLocal.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := pqWriter.NewParquetWriter(fw, new(pqRow), 1)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		require.NoError(t, pw.Write(pqRow{G: int64(i), S: fmt.Sprintf("s%d", i%4)}))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())

	src, err := Open(util.TableOptions{
		Name:    "t",
		Path:    path,
		Format:  "parquet",
		Columns: []string{"g:bigint", "s:varchar"},
	}, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, src.EstimatedRows())
	chunks := drain(t, src)
	assert.Equal(t, 25, countRows(chunks))
	sum := int64(0)
	for _, chk := range chunks {
		for _, row := range chk.Rows {
			sum += row[0].I64
			assert.Equal(t, fmt.Sprintf("s%d", row[0].I64%4), row[1].Str)
		}
	}
	assert.Equal(t, int64(300), sum)

	require.NoError(t, src.(Rewinder).Rewind())
	assert.Equal(t, 25, countRows(drain(t, src)))
	assert.NoError(t, src.Close())
}
