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

package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
	"github.com/daviszhen/preagg/pkg/util"
)

// ChunkSource produces the input chunks of one scan. Next returns io.EOF
// once the scan is drained.
type ChunkSource interface {
	Types() []common.LType
	Names() []string
	Next(ctx context.Context) (*chunk.Chunk, error)
	// EstimatedRows is the planner estimate of the scan. Zero if unknown.
	EstimatedRows() int
	Close() error
}

// Rewinder is implemented by sources that can restart the scan.
type Rewinder interface {
	Rewind() error
}

// Layout decides how scanned rows are cut into chunks.
type Layout struct {
	ChunkRows int
	// BlockRows > 0 produces block format chunks of BlockRows rows per
	// block whose row count is announced as BlockRowsHint per block.
	BlockRows     int
	BlockRowsHint int
}

func (l Layout) normalize() Layout {
	if l.ChunkRows <= 0 {
		l.ChunkRows = util.DefaultVectorSize
	}
	if l.BlockRows > 0 && l.BlockRowsHint <= 0 {
		l.BlockRowsHint = l.BlockRows
	}
	return l
}

func (l Layout) makeChunk(types []common.LType, rows []chunk.Row) *chunk.Chunk {
	if l.BlockRows <= 0 {
		return chunk.NewRowChunk(types, rows)
	}
	nblocks := (len(rows) + l.BlockRows - 1) / l.BlockRows
	return chunk.NewBlockChunk(types, rows, max(nblocks, 1), l.BlockRowsHint)
}

func LayoutOf(opts util.TableOptions, chunkRows int) Layout {
	return Layout{
		ChunkRows:     chunkRows,
		BlockRows:     opts.BlockRows,
		BlockRowsHint: opts.BlockRowsHint,
	}
}

// ParseColumns splits "name:type" column definitions.
func ParseColumns(defs []string) ([]string, []common.LType, error) {
	names := make([]string, 0, len(defs))
	types := make([]common.LType, 0, len(defs))
	for _, def := range defs {
		name, typStr, ok := strings.Cut(def, ":")
		if !ok {
			return nil, nil, fmt.Errorf("column %q needs name:type", def)
		}
		typ, err := common.ParseLType(typStr)
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", name, err)
		}
		names = append(names, strings.ToLower(strings.TrimSpace(name)))
		types = append(types, typ)
	}
	return names, types, nil
}

// Open creates the source of a configured table.
func Open(opts util.TableOptions, chunkRows int) (ChunkSource, error) {
	names, types, err := ParseColumns(opts.Columns)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", opts.Name, err)
	}
	layout := LayoutOf(opts, chunkRows)
	switch strings.ToLower(opts.Format) {
	case "csv", "":
		return NewCSVSource(opts.Path, opts.Delimiter, names, types, layout, opts.EstimatedRows)
	case "parquet":
		return NewParquetSource(opts.Path, names, types, layout, opts.EstimatedRows)
	default:
		return nil, fmt.Errorf("table %s: usp format %s", opts.Name, opts.Format)
	}
}

// MemSource serves rows held in memory.
type MemSource struct {
	_names  []string
	_types  []common.LType
	_rows   []chunk.Row
	_layout Layout
	_pos    int
	// estimate reported to the planner. defaults to the real row count.
	Estimate int
}

var _ ChunkSource = &MemSource{}
var _ Rewinder = &MemSource{}

func NewMemSource(names []string, types []common.LType, rows []chunk.Row, layout Layout) *MemSource {
	ret := new(MemSource)
	ret._names = names
	ret._types = types
	ret._rows = rows
	ret._layout = layout.normalize()
	ret.Estimate = len(rows)
	return ret
}

func (src *MemSource) Types() []common.LType {
	return src._types
}

func (src *MemSource) Names() []string {
	return src._names
}

func (src *MemSource) EstimatedRows() int {
	return src.Estimate
}

func (src *MemSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src._pos >= len(src._rows) {
		return nil, io.EOF
	}
	end := min(src._pos+src._layout.ChunkRows, len(src._rows))
	rows := src._rows[src._pos:end]
	src._pos = end
	return src._layout.makeChunk(src._types, rows), nil
}

func (src *MemSource) Rewind() error {
	src._pos = 0
	return nil
}

func (src *MemSource) Close() error {
	return nil
}
