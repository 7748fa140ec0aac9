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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
)

type CSVSource struct {
	_path     string
	_comma    rune
	_names    []string
	_types    []common.LType
	_layout   Layout
	_estimate int
	_file     *os.File
	_reader   *csv.Reader
	_line     int
}

var _ ChunkSource = &CSVSource{}
var _ Rewinder = &CSVSource{}

func NewCSVSource(path, delimiter string, names []string, types []common.LType, layout Layout, estimate int) (*CSVSource, error) {
	ret := new(CSVSource)
	ret._path = path
	ret._comma = ','
	if len(delimiter) != 0 {
		ret._comma = []rune(delimiter)[0]
	}
	ret._names = names
	ret._types = types
	ret._layout = layout.normalize()
	ret._estimate = estimate
	if err := ret.open(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (src *CSVSource) open() error {
	var err error
	src._file, err = os.OpenFile(src._path, os.O_RDONLY, 0755)
	if err != nil {
		return err
	}
	src._reader = csv.NewReader(src._file)
	src._reader.Comma = src._comma
	src._reader.FieldsPerRecord = -1
	src._line = 0
	return nil
}

func (src *CSVSource) Types() []common.LType {
	return src._types
}

func (src *CSVSource) Names() []string {
	return src._names
}

func (src *CSVSource) EstimatedRows() int {
	return src._estimate
}

func (src *CSVSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src._reader == nil {
		return nil, io.EOF
	}
	rows := make([]chunk.Row, 0, src._layout.ChunkRows)
	for len(rows) < src._layout.ChunkRows {
		line, err := src._reader.Read()
		if err != nil {
			//EOF
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		src._line++
		if len(line) < len(src._types) {
			return nil, fmt.Errorf("%s:%d: no enough fields in the line", src._path, src._line)
		}
		row := make(chunk.Row, len(src._types))
		for j, typ := range src._types {
			row[j], err = chunk.ParseValue(typ, line[j])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", src._path, src._line, err)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return src._layout.makeChunk(src._types, rows), nil
}

func (src *CSVSource) Rewind() error {
	if err := src.Close(); err != nil {
		return err
	}
	return src.open()
}

func (src *CSVSource) Close() error {
	if src._file == nil {
		return nil
	}
	src._reader = nil
	err := src._file.Close()
	src._file = nil
	return err
}
