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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/plan"
	"github.com/daviszhen/preagg/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initRunCmd()
}

var testerCfg = util.DefaultConfig()

///root cmd

var info = "tester"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

func initDebugOptions() {
	testerCfg.Debug.MaxOutputRowCount = viper.GetInt("debug.maxOutputRowCount")
	testerCfg.Debug.PrintResult = viper.GetBool("debug.printResult")
	testerCfg.Debug.PrintPlan = viper.GetBool("debug.printPlan")
}

func initPreAggOptions() {
	if viper.IsSet("preagg.enable") {
		testerCfg.PreAgg.Enable = viper.GetBool("preagg.enable")
	}
	setInt := func(key string, dst *int) {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	setInt("preagg.workers", &testerCfg.PreAgg.Workers)
	setInt("preagg.maxOutstandingTasks", &testerCfg.PreAgg.MaxOutstandingTasks)
	setInt("preagg.chunkRows", &testerCfg.PreAgg.ChunkRows)
	setInt("preagg.planRows", &testerCfg.PreAgg.PlanRows)
	setInt("preagg.planGroups", &testerCfg.PreAgg.PlanGroups)
	setInt("preagg.planExtraSz", &testerCfg.PreAgg.PlanExtraSz)
	setInt("preagg.forceNRooms", &testerCfg.PreAgg.ForceNRooms)
	setInt("preagg.retryBackoffMs", &testerCfg.PreAgg.RetryBackoffMs)
	setInt("device.maxThreadsPerBlock", &testerCfg.Device.MaxThreadsPerBlock)
	setInt("device.numStreams", &testerCfg.Device.NumStreams)
	setInt("device.maxVarlena", &testerCfg.Device.MaxVarlena)
	setInt("device.maxLaunchDelayUs", &testerCfg.Device.MaxLaunchDelayUs)
	if viper.IsSet("device.memoryBytes") {
		testerCfg.Device.MemoryBytes = viper.GetInt64("device.memoryBytes")
	}
	if viper.IsSet("device.chunkSize") {
		testerCfg.Device.ChunkSize = viper.GetInt64("device.chunkSize")
	}
	if viper.IsSet("log.level") {
		testerCfg.Log.Level = viper.GetString("log.level")
	}
}

//run cmd

var (
	querySQL  string
	queryPath string
	explain   bool
)

var runInfo = "run an aggregate query"
var runCmd = &cobra.Command{
	Use:   "run",
	Short: runInfo,
	Long:  runInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initDebugOptions()
		initPreAggOptions()
		if err := viper.UnmarshalKey("tables", &testerCfg.Tables); err != nil {
			return err
		}
		if err := util.InitLogger(testerCfg.Log); err != nil {
			return err
		}
		return runQuery(cmd.Context())
	},
}

func runQuery(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sql := querySQL
	if queryPath != "" {
		data, err := os.ReadFile(queryPath)
		if err != nil {
			return err
		}
		sql = string(data)
	}
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("no query. use --sql or --query_path")
	}

	dev := device.NewDevice(testerCfg.Device)
	defer dev.Close()
	run, err := plan.InitRunner(testerCfg, dev, nil, sql)
	if err != nil {
		return err
	}
	rows, err := run.Execute(ctx)
	if err != nil {
		_ = run.Close()
		return err
	}
	if explain || run.Query.Explain {
		fmt.Println(run.String())
	}
	for _, out := range run.Query.Outputs {
		fmt.Printf("%s\t", out.Name)
	}
	fmt.Println()
	for _, row := range rows {
		for _, val := range row {
			fmt.Printf("%v\t", val)
		}
		fmt.Println()
	}
	return run.Close()
}

func initRunCmd() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&querySQL, "sql", "", "query text")
	runCmd.Flags().StringVar(&queryPath, "query_path", "", "file holding the query")
	runCmd.Flags().BoolVar(&explain, "explain", false, "print the reduction policy and runtime figures")
	runCmd.Flags().Bool("enable", true, "run chunks on the device")
	runCmd.Flags().Int("force_nrooms", 0, "pin the capacity of every final buffer")

	viper.BindPFlag("preagg.enable", runCmd.Flags().Lookup("enable"))
	viper.BindPFlag("preagg.forceNRooms", runCmd.Flags().Lookup("force_nrooms"))
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "tester.toml"

func loadConfig() {
	has := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			has = true
			break
		}
	}
	if !has {
		util.Error("tester.toml does not exist")
		os.Exit(1)
	}
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
