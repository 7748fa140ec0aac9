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
	"fmt"
	"sort"
	"strings"

	"github.com/xlab/treeprint"

	"github.com/daviszhen/preagg/pkg/device"
)

var explainModes = []device.ReductionMode{
	device.REDUCTION_NOGROUP,
	device.REDUCTION_LOCAL,
	device.REDUCTION_GLOBAL,
	device.REDUCTION_FINAL,
}

// WriteMapTree adds one node per entry, ordered by key text.
func WriteMapTree[K comparable, V any](tree treeprint.Tree, m map[K]V) {
	lines := make([]string, 0, len(m))
	for k, v := range m {
		lines = append(lines, fmt.Sprintf("%v : %v", k, v))
	}
	sort.Strings(lines)
	for _, line := range lines {
		tree.AddNode(line)
	}
}

// reductionShares renders the share of tasks per reduction mode, like
// "Local (40.0%), Final (60.0%)".
func reductionShares(byMode map[device.ReductionMode]int) string {
	total := 0
	for _, cnt := range byMode {
		total += cnt
	}
	if total == 0 {
		return ""
	}
	parts := make([]string, 0, len(explainModes))
	for _, mode := range explainModes {
		cnt := byMode[mode]
		if cnt == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%v (%.1f%%)", mode, float64(cnt)*100/float64(total)))
	}
	return strings.Join(parts, ", ")
}

// Explain prints the reduction policy and the runtime figures. Before any
// task finished it shows the policy the planner figures lead to.
func (exec *PreAggExec) Explain(tree treeprint.Tree) {
	stats := exec.Stats()
	plan := exec._sstate.planEstimates()
	if stats.TotalTasks() == 0 {
		mode := SelectReduction(StrategyInput{
			HasKeys:            exec._hasKeys,
			PlanGroups:         plan.Groups,
			MaxThreadsPerBlock: exec._dev.MaxThreadsPerBlock(),
			NItemsReal:         int(plan.RowsPerChunk),
		})
		tree.AddMetaNode("Reduction", mode.String())
	} else {
		tree.AddMetaNode("Reduction", reductionShares(stats.TasksByMode))
	}
	tree.AddMetaNode("Device", fmt.Sprintf("%v", exec._opts.Enable))

	est := tree.AddBranch("Estimates")
	est.AddMetaNode("rows", plan.RowsIn)
	est.AddMetaNode("groups", plan.Groups)
	est.AddMetaNode("extra", plan.ExtraSz)

	if stats.TotalTasks() == 0 && stats.FallbackRows == 0 {
		return
	}
	run := tree.AddBranch("Runtime")
	run.AddMetaNode("rows in", stats.RowsIn)
	run.AddMetaNode("rows filtered", stats.RowsFiltered)
	run.AddMetaNode("groups out", stats.GroupsOut)
	run.AddMetaNode("retries", stats.Retries)
	if stats.FallbackRows > 0 {
		run.AddMetaNode("fallback rows", stats.FallbackRows)
	}
	gens := run.AddBranch(fmt.Sprintf("Generations: %d", len(stats.Generations)))
	for _, gen := range stats.Generations {
		gens.AddNode(fmt.Sprintf("#%d nrooms=%d salt=%d groups=%d merged=%d",
			gen.Id, gen.NRooms, gen.Salt, gen.Groups, gen.RowsMerged))
	}
	WriteMapTree(run.AddBranch("Perf"), map[string]int64{
		"launches":   stats.NumLaunches,
		"bytes sent": stats.BytesSent,
		"bytes recv": stats.BytesRecv,
	})
}

func (exec *PreAggExec) ExplainString() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("GpuPreAgg %s", exec.QueryId))
	exec.Explain(tree)
	return tree.String()
}
