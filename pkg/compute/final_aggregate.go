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

package compute

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/btree"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/kernel"
	"github.com/daviszhen/preagg/pkg/util"
)

type groupEntry struct {
	keys chunk.Row
	slot chunk.Row
}

func groupEntryLess(a, b *groupEntry) bool {
	for i := range a.keys {
		ret := chunk.CompareValue(a.keys[i], b.keys[i])
		if ret != 0 {
			return ret < 0
		}
	}
	return false
}

// FinalAggregate merges the partial rows of every generation and of the
// cpu fallback into one row per group and computes the final functions.
// Groups come out in key order.
type FinalAggregate struct {
	_kernels *kernel.Kernels
	_groups  *btree.BTreeG[*groupEntry]
}

func NewFinalAggregate(kernels *kernel.Kernels) *FinalAggregate {
	return &FinalAggregate{
		_kernels: kernels,
		_groups:  btree.NewBTreeG[*groupEntry](groupEntryLess),
	}
}

// Add merges one row of group keys followed by partial values.
func (fa *FinalAggregate) Add(row chunk.Row) (err error) {
	nkeys := fa._kernels.NumKeys()
	if len(row) != nkeys+fa._kernels.NumPartials() {
		return fmt.Errorf("partial row has %d columns, want %d",
			len(row), nkeys+fa._kernels.NumPartials())
	}
	probe := &groupEntry{keys: row[:nkeys]}
	if ent, has := fa._groups.Get(probe); has {
		defer func() {
			if r := recover(); r != nil {
				err = util.ConvertPanicError(r)
			}
		}()
		fa._kernels.Combine(ent.slot, row[nkeys:])
		return nil
	}
	probe.keys = util.CopyTo(probe.keys)
	probe.slot = fa._kernels.InitSlot(row[nkeys:])
	fa._groups.Set(probe)
	return nil
}

// Drain adds every row the execution publishes.
func (fa *FinalAggregate) Drain(ctx context.Context, exec *PreAggExec) error {
	for {
		row, err := exec.NextResultRow(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = fa.Add(row); err != nil {
			return err
		}
	}
}

func (fa *FinalAggregate) NumGroups() int {
	return fa._groups.Len()
}

// Rows returns the group keys followed by the final function values.
func (fa *FinalAggregate) Rows() []chunk.Row {
	spec := fa._kernels.Spec()
	finals := spec.Finals
	if spec.NumKeys() == 0 && fa._groups.Len() == 0 {
		//aggregates without group by yield one row on empty input
		slot := make(chunk.Row, len(spec.Funcs))
		for i, pf := range spec.Funcs {
			slot[i] = chunk.NullValue(pf.Typ)
			if pf.Kind == kernel.PF_NROWS {
				slot[i] = chunk.BigintValue(0)
			}
		}
		row := make(chunk.Row, 0, len(finals))
		for _, ff := range finals {
			row = append(row, ff.Eval(slot))
		}
		return []chunk.Row{row}
	}
	ret := make([]chunk.Row, 0, fa._groups.Len())
	fa._groups.Scan(func(ent *groupEntry) bool {
		row := make(chunk.Row, 0, len(ent.keys)+len(finals))
		row = append(row, ent.keys...)
		for _, ff := range finals {
			row = append(row, ff.Eval(ent.slot))
		}
		ret = append(ret, row)
		return true
	})
	return ret
}
