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
	"errors"
	"fmt"
	"io"

	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqSource "github.com/xitongsys/parquet-go/source"
	pqReader "github.com/xitongsys/parquet-go/reader"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
)

// ParquetSource reads the leading columns of a parquet file column by
// column.
type ParquetSource struct {
	_path     string
	_names    []string
	_types    []common.LType
	_layout   Layout
	_estimate int
	_file     pqSource.ParquetFile
	_reader   *pqReader.ParquetReader
	_done     bool
}

var _ ChunkSource = &ParquetSource{}
var _ Rewinder = &ParquetSource{}

func NewParquetSource(path string, names []string, types []common.LType, layout Layout, estimate int) (*ParquetSource, error) {
	ret := new(ParquetSource)
	ret._path = path
	ret._names = names
	ret._types = types
	ret._layout = layout.normalize()
	ret._estimate = estimate
	if err := ret.open(); err != nil {
		return nil, err
	}
	if ret._estimate <= 0 {
		ret._estimate = int(ret._reader.GetNumRows())
	}
	return ret, nil
}

func (src *ParquetSource) open() error {
	var err error
	src._file, err = pqLocal.NewLocalFileReader(src._path)
	if err != nil {
		return err
	}
	src._reader, err = pqReader.NewParquetColumnReader(src._file, 1)
	if err != nil {
		_ = src._file.Close()
		return err
	}
	src._done = false
	return nil
}

func (src *ParquetSource) Types() []common.LType {
	return src._types
}

func (src *ParquetSource) Names() []string {
	return src._names
}

func (src *ParquetSource) EstimatedRows() int {
	return src._estimate
}

func (src *ParquetSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src._done || src._reader == nil {
		return nil, io.EOF
	}
	maxCnt := src._layout.ChunkRows
	var rows []chunk.Row
	for j, typ := range src._types {
		values, _, _, err := src._reader.ReadColumnByIndex(int64(j), int64(maxCnt))
		if err != nil {
			//EOF
			if errors.Is(err, io.EOF) {
				src._done = true
				return nil, io.EOF
			}
			return nil, err
		}
		if rows == nil {
			rows = make([]chunk.Row, len(values))
			for i := range rows {
				rows[i] = make(chunk.Row, len(src._types))
			}
		} else if len(values) != len(rows) {
			return nil, fmt.Errorf("column %d has different count of values %d with previous columns %d", j, len(values), len(rows))
		}
		for i, v := range values {
			rows[i][j], err = chunk.FromAny(typ, v)
			if err != nil {
				return nil, fmt.Errorf("%s column %s: %w", src._path, src._names[j], err)
			}
		}
	}
	if len(rows) == 0 {
		src._done = true
		return nil, io.EOF
	}
	return src._layout.makeChunk(src._types, rows), nil
}

func (src *ParquetSource) Rewind() error {
	if err := src.Close(); err != nil {
		return err
	}
	return src.open()
}

func (src *ParquetSource) Close() error {
	if src._reader == nil {
		return nil
	}
	src._reader.ReadStop()
	src._reader = nil
	err := src._file.Close()
	src._file = nil
	return err
}
