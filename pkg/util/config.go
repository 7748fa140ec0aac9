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

package util

type PreAggOptions struct {
	// Enable runs chunks on the device. When false every chunk goes
	// through the cpu path.
	Enable              bool `tag:"enable"`
	Workers             int  `tag:"workers"`
	MaxOutstandingTasks int  `tag:"maxOutstandingTasks"`
	ChunkRows           int  `tag:"chunkRows"`
	//planner estimates. zero means derive from the source.
	PlanRows    int `tag:"planRows"`
	PlanGroups  int `tag:"planGroups"`
	PlanExtraSz int `tag:"planExtraSz"`
	//pin the capacity of every final buffer. debug only.
	ForceNRooms    int `tag:"forceNRooms"`
	RetryBackoffMs int `tag:"retryBackoffMs"`
}

type DeviceOptions struct {
	MemoryBytes        int64 `tag:"memoryBytes"`
	MaxThreadsPerBlock int   `tag:"maxThreadsPerBlock"`
	NumStreams         int   `tag:"numStreams"`
	//allocation granularity of the final buffer
	ChunkSize  int64 `tag:"chunkSize"`
	MaxVarlena int   `tag:"maxVarlena"`
	//random delay before a launch runs. simulates out of order completion.
	MaxLaunchDelayUs int `tag:"maxLaunchDelayUs"`
}

type TableOptions struct {
	Name      string   `tag:"name"`
	Path      string   `tag:"path"`
	Format    string   `tag:"format"`
	Delimiter string   `tag:"delimiter"`
	Columns   []string `tag:"columns"`
	//rows per block. zero means row format.
	BlockRows     int `tag:"blockRows"`
	BlockRowsHint int `tag:"blockRowsHint"`
	EstimatedRows int `tag:"estimatedRows"`
}

type ServerOptions struct {
	Addr        string `tag:"addr"`
	MetricsAddr string `tag:"metricsAddr"`
}

type LogOptions struct {
	Level       string `tag:"level"`
	File        string `tag:"file"`
	MaxSizeMB   int    `tag:"maxSizeMB"`
	MaxBackups  int    `tag:"maxBackups"`
	Development bool   `tag:"development"`
}

type DebugOptions struct {
	PrintResult       bool `tag:"printResult"`
	PrintPlan         bool `tag:"printPlan"`
	MaxOutputRowCount int  `tag:"maxOutputRowCount"`
}

type Config struct {
	PreAgg PreAggOptions  `tag:"preagg"`
	Device DeviceOptions  `tag:"device"`
	Tables []TableOptions `tag:"tables"`
	Server ServerOptions  `tag:"server"`
	Log    LogOptions     `tag:"log"`
	Debug  DebugOptions   `tag:"debug"`
}

func DefaultConfig() *Config {
	return &Config{
		PreAgg: PreAggOptions{
			Enable:              true,
			Workers:             4,
			MaxOutstandingTasks: 16,
			ChunkRows:           DefaultVectorSize,
			RetryBackoffMs:      1,
		},
		Device: DeviceOptions{
			MemoryBytes:        1 << 30,
			MaxThreadsPerBlock: 1024,
			NumStreams:         4,
			ChunkSize:          64 << 10,
			MaxVarlena:         256,
		},
		Server: ServerOptions{
			Addr: "127.0.0.1:5432",
		},
		Log: LogOptions{
			Level:      "info",
			MaxSizeMB:  64,
			MaxBackups: 4,
		},
	}
}

func (cfg *Config) Table(name string) *TableOptions {
	for i := range cfg.Tables {
		if cfg.Tables[i].Name == name {
			return &cfg.Tables[i]
		}
	}
	return nil
}
