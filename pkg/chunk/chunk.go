package chunk

import (
	"fmt"

	wire "github.com/jeroenrinzema/psql-wire"
	"go.uber.org/zap"

	"github.com/daviszhen/preagg/pkg/common"
	"github.com/daviszhen/preagg/pkg/util"
)

type Row []Value

func (row Row) String() string {
	return fmt.Sprint([]Value(row))
}

func EqualRow(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if CompareValue(a[i], b[i]) != 0 {
			return false
		}
	}
	return true
}

type ChunkFormat int

const (
	ROW_FORMAT ChunkFormat = iota
	// BLOCK_FORMAT chunks only know an estimated row count until they are
	// scanned.
	BLOCK_FORMAT
)

func (f ChunkFormat) String() string {
	switch f {
	case ROW_FORMAT:
		return "row"
	case BLOCK_FORMAT:
		return "block"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Chunk is a batch of input rows.
type Chunk struct {
	Format ChunkFormat
	Types  []common.LType
	Rows   []Row
	//block format only
	NBlocks       int
	BlockRowsHint int
}

func NewRowChunk(types []common.LType, rows []Row) *Chunk {
	ret := new(Chunk)
	ret.Format = ROW_FORMAT
	ret.Types = types
	ret.Rows = rows
	return ret
}

func NewBlockChunk(types []common.LType, rows []Row, nblocks, hint int) *Chunk {
	util.AssertFunc(nblocks > 0 && hint > 0)
	ret := NewRowChunk(types, rows)
	ret.Format = BLOCK_FORMAT
	ret.NBlocks = nblocks
	ret.BlockRowsHint = hint
	return ret
}

// NItems is the row count known before the chunk is scanned.
func (c *Chunk) NItems() int {
	if c.Format == BLOCK_FORMAT {
		return c.NBlocks * c.BlockRowsHint
	}
	return len(c.Rows)
}

func (c *Chunk) RealRows() int {
	return len(c.Rows)
}

func (c *Chunk) ColumnCount() int {
	return len(c.Types)
}

// Slice returns the rows [from, to) as a chunk of the same format.
func (c *Chunk) Slice(from, to int) *Chunk {
	util.AssertFunc(from >= 0 && from <= to && to <= len(c.Rows))
	ret := new(Chunk)
	*ret = *c
	ret.Rows = c.Rows[from:to]
	return ret
}

func (c *Chunk) Print2(rowPrefix string) {
	for _, row := range c.Rows {
		fields := make([]zap.Field, 0, len(row))
		for _, val := range row {
			fields = append(fields, zap.String("", val.String()))
		}
		util.Info(rowPrefix, fields...)
	}
}

func SaveToWriter(writer wire.DataWriter, rows []Row) (err error) {
	for _, row := range rows {
		out := make([]any, len(row))
		for j, val := range row {
			out[j] = val.String()
		}
		err = writer.Row(out)
		if err != nil {
			return err
		}
	}
	return nil
}
