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
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	"github.com/xlab/treeprint"

	"github.com/daviszhen/preagg/pkg/chunk"
	"github.com/daviszhen/preagg/pkg/common"
	"github.com/daviszhen/preagg/pkg/compute"
	"github.com/daviszhen/preagg/pkg/kernel"
	"github.com/daviszhen/preagg/pkg/parser"
	"github.com/daviszhen/preagg/pkg/source"
	"github.com/daviszhen/preagg/pkg/util"
)

// group estimate of the planner when neither the config nor the table
// gives one
const defaultPlanGroups = 200

type OutputKind int

const (
	OUT_KEY OutputKind = iota
	OUT_AGG
)

// Output is one column of the query result. Index points into the group
// keys or into the final functions.
type Output struct {
	Name  string
	Kind  OutputKind
	Index int
	Typ   common.LType
}

// Query is a bound grouped aggregation over one table.
type Query struct {
	SQL     string
	Explain bool
	Table   *util.TableOptions
	Spec    *kernel.Spec
	Outputs []Output
	Plan    compute.PlanEstimates
}

// Project maps a row of group keys followed by final values to the
// select list order.
func (q *Query) Project(row chunk.Row) chunk.Row {
	nkeys := q.Spec.NumKeys()
	ret := make(chunk.Row, len(q.Outputs))
	for i, out := range q.Outputs {
		if out.Kind == OUT_KEY {
			ret[i] = row[out.Index]
		} else {
			ret[i] = row[nkeys+out.Index]
		}
	}
	return ret
}

func (q *Query) Print(tree treeprint.Tree) {
	tree.AddMetaNode("Table", q.Table.Name)
	keys := tree.AddBranch("Group keys")
	for _, col := range q.Spec.GroupCols {
		keys.AddNode(fmt.Sprintf("%s %v", q.Spec.InputNames[col], q.Spec.InputTypes[col]))
	}
	partials := tree.AddBranch("Partials")
	for i, pf := range q.Spec.Funcs {
		partials.AddNode(fmt.Sprintf("%d %v %v", i, pf, pf.Typ))
	}
	if len(q.Spec.Filters) > 0 {
		filters := tree.AddBranch("Filters")
		for _, pred := range q.Spec.Filters {
			filters.AddNode(fmt.Sprintf("%s %v %v", q.Spec.InputNames[pred.Col], pred.Op, pred.Const))
		}
	}
	outputs := tree.AddBranch("Outputs")
	for _, out := range q.Outputs {
		outputs.AddNode(fmt.Sprintf("%s %v", out.Name, out.Typ))
	}
}

type binder struct {
	table *util.TableOptions
	names []string
	types []common.LType
	spec  *kernel.Spec
}

func (b *binder) column(node *pg_query.Node) (int, error) {
	ref := node.GetColumnRef()
	if ref == nil {
		return 0, fmt.Errorf("expect a column reference, got %v", node)
	}
	name := parser.NameOf(ref.GetFields())
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		if name[:dot] != b.table.Name {
			return 0, fmt.Errorf("unknown table %s", name[:dot])
		}
		name = name[dot+1:]
	}
	for i, col := range b.names {
		if strings.EqualFold(col, name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no column %s in %s", name, b.table.Name)
}

func constText(node *pg_query.Node) (string, bool, error) {
	aconst := node.GetAConst()
	if aconst == nil {
		return "", false, fmt.Errorf("expect a constant, got %v", node)
	}
	if aconst.GetIsnull() {
		return "", true, nil
	}
	switch {
	case aconst.GetIval() != nil:
		return strconv.FormatInt(int64(aconst.GetIval().GetIval()), 10), false, nil
	case aconst.GetFval() != nil:
		return aconst.GetFval().GetFval(), false, nil
	case aconst.GetSval() != nil:
		return aconst.GetSval().GetSval(), false, nil
	case aconst.GetBoolval() != nil:
		return strconv.FormatBool(aconst.GetBoolval().GetBoolval()), false, nil
	}
	return "", false, fmt.Errorf("usp constant %v", node)
}

func flipCmp(op kernel.CmpOp) kernel.CmpOp {
	switch op {
	case kernel.CMP_LT:
		return kernel.CMP_GT
	case kernel.CMP_LE:
		return kernel.CMP_GE
	case kernel.CMP_GT:
		return kernel.CMP_LT
	case kernel.CMP_GE:
		return kernel.CMP_LE
	}
	return op
}

// bindWhere accepts conjunctions of column to constant comparisons.
func (b *binder) bindWhere(node *pg_query.Node) error {
	if node == nil {
		return nil
	}
	if be := node.GetBoolExpr(); be != nil {
		if be.GetBoolop() != pg_query.BoolExprType_AND_EXPR {
			return fmt.Errorf("only AND is supported in where")
		}
		for _, arg := range be.GetArgs() {
			if err := b.bindWhere(arg); err != nil {
				return err
			}
		}
		return nil
	}
	expr := node.GetAExpr()
	if expr == nil || expr.GetKind() != pg_query.A_Expr_Kind_AEXPR_OP {
		return fmt.Errorf("usp where clause %v", node)
	}
	op, err := kernel.ParseCmpOp(parser.NameOf(expr.GetName()))
	if err != nil {
		return err
	}
	colNode, constNode := expr.GetLexpr(), expr.GetRexpr()
	if colNode.GetColumnRef() == nil {
		colNode, constNode = constNode, colNode
		op = flipCmp(op)
	}
	col, err := b.column(colNode)
	if err != nil {
		return err
	}
	text, isNull, err := constText(constNode)
	if err != nil {
		return err
	}
	val := chunk.NullValue(b.types[col])
	if !isNull {
		val, err = chunk.ParseValue(b.types[col], text)
		if err != nil {
			return err
		}
	}
	b.spec.Filters = append(b.spec.Filters, kernel.Predicate{Col: col, Op: op, Const: val})
	return nil
}

// BuildPreAgg binds a SELECT with aggregates and an optional GROUP BY over
// one configured table.
func BuildPreAgg(sql string, cfg *util.Config) (*Query, error) {
	stmt, err := parser.ParseOne(sql)
	if err != nil {
		return nil, err
	}
	ret := &Query{SQL: sql}
	if explain := stmt.GetExplainStmt(); explain != nil {
		ret.Explain = true
		stmt = explain.GetQuery()
	}
	sel := stmt.GetSelectStmt()
	if sel == nil {
		return nil, fmt.Errorf("only select is supported")
	}
	if len(sel.GetFromClause()) != 1 || sel.GetFromClause()[0].GetRangeVar() == nil {
		return nil, fmt.Errorf("expect exactly one table in from")
	}
	if len(sel.GetSortClause()) > 0 || sel.GetLimitCount() != nil || sel.GetHavingClause() != nil {
		return nil, fmt.Errorf("order by, limit and having are not supported")
	}
	relName := sel.GetFromClause()[0].GetRangeVar().GetRelname()
	table := cfg.Table(relName)
	if table == nil {
		return nil, fmt.Errorf("no table %s", relName)
	}
	names, types, err := source.ParseColumns(table.Columns)
	if err != nil {
		return nil, err
	}
	b := &binder{
		table: table,
		names: names,
		types: types,
		spec: &kernel.Spec{
			InputNames: names,
			InputTypes: types,
			MaxVarlena: cfg.Device.MaxVarlena,
		},
	}
	ret.Table = table
	ret.Spec = b.spec

	for _, node := range sel.GetGroupClause() {
		col, err := b.column(node)
		if err != nil {
			return nil, err
		}
		if util.FindIf(b.spec.GroupCols, func(c int) bool { return c == col }) < 0 {
			b.spec.GroupCols = append(b.spec.GroupCols, col)
		}
	}
	if err = b.bindWhere(sel.GetWhereClause()); err != nil {
		return nil, err
	}
	for _, node := range sel.GetTargetList() {
		target := node.GetResTarget()
		out, err := b.bindTarget(target)
		if err != nil {
			return nil, err
		}
		ret.Outputs = append(ret.Outputs, out)
	}
	if len(b.spec.Funcs) == 0 {
		return nil, fmt.Errorf("no aggregate in select list")
	}
	ret.Plan = planEstimates(cfg, table)
	return ret, nil
}

func (b *binder) bindTarget(target *pg_query.ResTarget) (Output, error) {
	val := target.GetVal()
	if val.GetColumnRef() != nil {
		col, err := b.column(val)
		if err != nil {
			return Output{}, err
		}
		idx := util.FindIf(b.spec.GroupCols, func(c int) bool { return c == col })
		if idx < 0 {
			return Output{}, fmt.Errorf("column %s must appear in group by", b.names[col])
		}
		return Output{
			Name:  nameOr(target.GetName(), b.names[col]),
			Kind:  OUT_KEY,
			Index: idx,
			Typ:   b.types[col],
		}, nil
	}
	fn := val.GetFuncCall()
	if fn == nil {
		return Output{}, fmt.Errorf("usp select item %v", val)
	}
	if fn.GetAggDistinct() || fn.GetAggFilter() != nil || len(fn.GetAggOrder()) > 0 || fn.GetOver() != nil {
		return Output{}, fmt.Errorf("usp aggregate modifiers")
	}
	args := make([]int, 0, len(fn.GetArgs()))
	for _, arg := range fn.GetArgs() {
		col, err := b.column(arg)
		if err != nil {
			return Output{}, err
		}
		args = append(args, col)
	}
	name := parser.NameOf(fn.GetFuncname())
	ff, err := b.spec.AddAggregate(name, args, fn.GetAggStar())
	if err != nil {
		return Output{}, err
	}
	return Output{
		Name:  nameOr(target.GetName(), ff.Name),
		Kind:  OUT_AGG,
		Index: len(b.spec.Finals) - 1,
		Typ:   ff.Typ,
	}, nil
}

func nameOr(name, def string) string {
	if name != "" {
		return name
	}
	return def
}

func planEstimates(cfg *util.Config, table *util.TableOptions) compute.PlanEstimates {
	ret := compute.PlanEstimates{
		RowsIn:       int64(cfg.PreAgg.PlanRows),
		Groups:       int64(cfg.PreAgg.PlanGroups),
		ExtraSz:      int64(cfg.PreAgg.PlanExtraSz),
		RowsPerChunk: int64(cfg.PreAgg.ChunkRows),
	}
	if ret.RowsIn == 0 {
		ret.RowsIn = int64(table.EstimatedRows)
	}
	if ret.Groups == 0 {
		ret.Groups = defaultPlanGroups
	}
	return ret
}
