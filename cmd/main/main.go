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
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/daviszhen/preagg/pkg/compute"
	"github.com/daviszhen/preagg/pkg/device"
	"github.com/daviszhen/preagg/pkg/plan"
	"github.com/daviszhen/preagg/pkg/util"
)

var runCfg = util.DefaultConfig()

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "preagg.toml"

func loadConfig() {
	has := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			_, err := toml.DecodeFile(fpath, runCfg)
			if err != nil {
				util.Error("load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			has = true
			break
		}
	}
	if !has {
		util.Error("preagg.toml does not exist")
		os.Exit(1)
	}
}

func main() {
	loadConfig()
	if err := util.InitLogger(runCfg.Log); err != nil {
		util.Error("init logger failed", zap.Error(err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := compute.NewMetrics(registry)
	if runCfg.Server.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(runCfg.Server.MetricsAddr, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				util.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	dev := device.NewDevice(runCfg.Device)
	defer dev.Close()

	srv := &server{cfg: runCfg, dev: dev, metrics: metrics}
	util.Info("listening", zap.String("addr", runCfg.Server.Addr))
	if err := wire.ListenAndServe(runCfg.Server.Addr, srv.handler); err != nil {
		util.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

type server struct {
	cfg     *util.Config
	dev     *device.Device
	metrics *compute.Metrics
}

func (srv *server) handler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	util.Info("incoming SQL :", zap.String("query", query))
	run, err := plan.InitRunner(srv.cfg, srv.dev, srv.metrics, query)
	if err != nil {
		return nil, err
	}
	execCtx := ExecCtx{
		cfg: srv.cfg,
		run: run,
	}

	return wire.Prepared(
		wire.NewStatement(execCtx.handleX,
			wire.WithColumns(run.Columns()),
		),
	), nil
}

type ExecCtx struct {
	cfg *util.Config
	run *plan.Runner
}

func (exec *ExecCtx) handleX(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) (err error) {
	defer func() {
		if cerr := exec.run.Close(); err == nil {
			err = cerr
		}
	}()

	err = exec.run.Run(ctx, writer)
	if err != nil {
		return err
	}
	return writer.Complete("")
}
