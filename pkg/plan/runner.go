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

package plan

import (
	"context"
	"fmt"
	"strings"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/lib/pq/oid"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/compute"
	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/kernel"
	"github.com/daviszhen/preagg/pkg/source"
	"github.com/daviszhen/preagg/pkg/util"
)

// Runner executes one query: the pre-aggregation on the device followed
// by the final aggregation on the host.
type Runner struct {
	cfg     *util.Config
	Query   *Query
	kernels *kernel.Kernels
	exec    *compute.PreAggExec
	final   *compute.FinalAggregate
	done    bool
}

func InitRunner(cfg *util.Config, dev *device.Device, metrics *compute.Metrics, query string) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	q, err := BuildPreAgg(query, cfg)
	if err != nil {
		return nil, err
	}
	src, err := source.Open(*q.Table, cfg.PreAgg.ChunkRows)
	if err != nil {
		return nil, err
	}
	run := &Runner{
		cfg:     cfg,
		Query:   q,
		kernels: kernel.NewKernels(q.Spec),
	}
	run.exec = compute.NewPreAggExec(cfg.PreAgg, dev, run.kernels, src, q.Plan, metrics)
	run.final = compute.NewFinalAggregate(run.kernels)
	return run, nil
}

func (run *Runner) Columns() wire.Columns {
	cols := make(wire.Columns, 0)
	if run.Query.Explain {
		return append(cols, wire.Column{Name: "QUERY PLAN", Oid: oid.T_text})
	}
	for _, output := range run.Query.Outputs {
		col := wire.Column{
			Name:  output.Name,
			Oid:   oid.T_varchar,
			Width: int16(output.Typ.Width),
		}
		cols = append(cols, col)
	}
	return cols
}

// Execute runs the query to the end and returns the result rows in the
// order of the select list.
func (run *Runner) Execute(ctx context.Context) ([]chunk.Row, error) {
	if !run.done {
		err := run.final.Drain(ctx, run.exec)
		if err != nil {
			return nil, err
		}
		run.done = true
	}
	rows := run.final.Rows()
	ret := make([]chunk.Row, len(rows))
	for i, row := range rows {
		ret[i] = run.Query.Project(row)
	}
	if limit := run.cfg.Debug.MaxOutputRowCount; limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (run *Runner) Run(ctx context.Context, writer wire.DataWriter) error {
	rows, err := run.Execute(ctx)
	if err != nil {
		return err
	}
	if run.Query.Explain {
		lines := strings.Split(strings.TrimRight(run.String(), "\n"), "\n")
		rows = make([]chunk.Row, len(lines))
		for i, line := range lines {
			rows[i] = chunk.Row{chunk.VarcharValue(line)}
		}
		return chunk.SaveToWriter(writer, rows)
	}
	if run.cfg.Debug.PrintPlan {
		fmt.Println(run.String())
	}
	if run.cfg.Debug.PrintResult {
		for _, row := range rows {
			util.Info("result", zap.String("row", row.String()))
		}
	}
	return chunk.SaveToWriter(writer, rows)
}

func (run *Runner) Print(tree treeprint.Tree) {
	run.Query.Print(tree.AddBranch("Aggregate"))
	run.exec.Explain(tree.AddBranch("GpuPreAgg"))
}

func (run *Runner) String() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("Query %s", run.exec.QueryId))
	run.Print(tree)
	return tree.String()
}

func (run *Runner) Stats() compute.PreAggStats {
	return run.exec.Stats()
}

func (run *Runner) Close() error {
	return run.exec.Close()
}
