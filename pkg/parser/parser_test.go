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

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser(t *testing.T) {
	stmts, err := Parse("SELECT 42")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(stmts))
	assert.Equal(t, int32(42), stmts[0].Stmt.GetSelectStmt().GetTargetList()[0].GetResTarget().GetVal().GetAConst().GetIval().Ival)
}

func TestParseGroupBy(t *testing.T) {
	stmt, err := ParseOne("select l_returnflag, sum(l_quantity), count(*) from lineitem where l_quantity > 5 group by l_returnflag")
	require.NoError(t, err)
	sel := stmt.GetSelectStmt()
	require.NotNil(t, sel)
	require.Equal(t, 3, len(sel.GetTargetList()))
	require.Equal(t, 1, len(sel.GetGroupClause()))
	require.Equal(t, "l_returnflag", NameOf(sel.GetGroupClause()[0].GetColumnRef().GetFields()))

	fn := sel.GetTargetList()[1].GetResTarget().GetVal().GetFuncCall()
	require.NotNil(t, fn)
	assert.Equal(t, "sum", NameOf(fn.GetFuncname()))
	assert.True(t, sel.GetTargetList()[2].GetResTarget().GetVal().GetFuncCall().GetAggStar())

	rel := sel.GetFromClause()[0].GetRangeVar()
	require.NotNil(t, rel)
	assert.Equal(t, "lineitem", rel.GetRelname())
	assert.NotNil(t, sel.GetWhereClause().GetAExpr())
}

func TestParseOneRejectsMultiple(t *testing.T) {
	_, err := ParseOne("select 1; select 2")
	require.Error(t, err)

	_, err = ParseOne("select from where")
	require.Error(t, err)
}
