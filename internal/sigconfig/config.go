// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sigconfig loads the signal finder's configuration from flags, with
// an environment-variable override pass for container deployments. The
// one-flag-per-knob style follows cmd/ratelimiter-api/main.go in the teacher
// repo; the SIGFINDER_* env override pass follows the reference IPTV-tuner
// pack member's env-first Config.Load().
package sigconfig

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every knob enumerated in the specification's configuration
// table, plus the additions introduced by the domain-stack expansion.
type Config struct {
	Log        string
	FFTLog     string
	FFTGraph   string
	NFFTGraph  int
	NFFTPlots  int
	RotateSecs int
	NLog       int

	BinMHz      int
	Width       int
	Threshold   float64
	Prominence  float64
	History     int
	DBRollingFactor float64

	Recorders          []string
	RecordBWMsps       int
	RecordSecs         int
	MaxRecorderSignals int
	RunningFFTSecs     int

	PromPort int
	Port     int
	LogAddr  string
	LogPort  int
	BuffPath string

	// Domain-stack additions (SPEC_FULL.md §11), all off by default.
	RecorderSelect    string // "" (rank-order, default) | "rendezvous"
	LivenessBackend   string // "file" (default) | "redis"
	LivenessRedisAddr string
	ScanlogKafkaTopic string
	ScanlogKafkaAddr  string
	DispatchAuditDSN  string
}

// repeatedFlag implements flag.Value to support a repeatable --recorder flag.
type repeatedFlag struct{ values *[]string }

func (r *repeatedFlag) String() string {
	if r.values == nil {
		return ""
	}
	return strings.Join(*r.values, ",")
}

func (r *repeatedFlag) Set(v string) error {
	*r.values = append(*r.values, v)
	return nil
}

// Defaults returns a Config populated with the specification's §6 defaults.
func Defaults() *Config {
	return &Config{
		Log:                "scan.log",
		RotateSecs:         3600,
		NLog:               10,
		BinMHz:             20,
		Width:              10,
		Threshold:          -35,
		Prominence:         2,
		History:            5,
		DBRollingFactor:    12,
		RecordBWMsps:       20,
		RecordSecs:         10,
		MaxRecorderSignals: 1,
		RunningFFTSecs:     900,
		PromPort:           9000,
		Port:               80,
		LogAddr:            "127.0.0.1",
		LogPort:            8001,
		BuffPath:           "/dev/shm",
		RecorderSelect:     "",
		LivenessBackend:    "file",
	}
}

// Load registers flags on fs with the specification's defaults, parses args,
// then applies any SIGFINDER_* environment overrides, and returns the result.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	c := Defaults()

	fs.StringVar(&c.Log, "log", c.Log, "base path for scan logging")
	fs.StringVar(&c.FFTLog, "fftlog", c.FFTLog, "if defined, path to log last complete FFT frame")
	fs.StringVar(&c.FFTGraph, "fftgraph", c.FFTGraph, "if defined, path to write graph of most recent FFT and detected peaks (unimplemented, out of scope)")
	fs.IntVar(&c.NFFTGraph, "nfftgraph", 10, "keep last N FFT graphs")
	fs.IntVar(&c.NFFTPlots, "nfftplots", 10, "last N plots in FFT graphs")
	fs.IntVar(&c.RotateSecs, "rotatesecs", c.RotateSecs, "rotate scan log after this many seconds")
	fs.IntVar(&c.NLog, "nlog", c.NLog, "keep only this many scan.logs")
	fs.IntVar(&c.BinMHz, "bin_mhz", c.BinMHz, "monitoring bin width in MHz")
	fs.IntVar(&c.Width, "width", c.Width, "minimum signal width to detect a peak")
	fs.Float64Var(&c.Threshold, "threshold", c.Threshold, "minimum signal finding threshold (dB)")
	fs.Float64Var(&c.Prominence, "prominence", c.Prominence, "minimum peak prominence")
	fs.IntVar(&c.History, "history", c.History, "number of frames of signal history to keep")
	fs.Var(&repeatedFlag{&c.Recorders}, "recorder", "SDR recorder base URLs (repeatable)")
	fs.IntVar(&c.RecordBWMsps, "record_bw_msps", c.RecordBWMsps, "record bandwidth in n * 1048576 samples per second")
	fs.IntVar(&c.RecordSecs, "record_secs", c.RecordSecs, "record time duration in seconds")
	fs.IntVar(&c.PromPort, "promport", c.PromPort, "Prometheus client port")
	fs.IntVar(&c.Port, "port", c.Port, "control webserver port")
	fs.StringVar(&c.LogAddr, "logaddr", c.LogAddr, "log FFT results from this address")
	fs.IntVar(&c.LogPort, "logport", c.LogPort, "log FFT results from this port")
	fs.IntVar(&c.MaxRecorderSignals, "max_recorder_signals", c.MaxRecorderSignals, "max number of recordings per worker to request")
	fs.IntVar(&c.RunningFFTSecs, "running_fft_secs", c.RunningFFTSecs, "number of seconds for running FFT average")
	fs.StringVar(&c.BuffPath, "buff_path", c.BuffPath, "path for FFT buffer file")
	fs.Float64Var(&c.DBRollingFactor, "db_rolling_factor", c.DBRollingFactor, "divisor for rolling dB average (or 0 to disable)")

	fs.StringVar(&c.RecorderSelect, "recorder_select", c.RecorderSelect, "recorder selection policy: \"\" (rank-order) or \"rendezvous\"")
	fs.StringVar(&c.LivenessBackend, "liveness_backend", c.LivenessBackend, "liveness sentinel backend: \"file\" or \"redis\"")
	fs.StringVar(&c.LivenessRedisAddr, "liveness_redis_addr", "", "redis address for the liveness sentinel, when liveness_backend=redis")
	fs.StringVar(&c.ScanlogKafkaTopic, "scanlog_kafka_topic", "", "if non-empty, tee rotated scan log batches to this Kafka topic")
	fs.StringVar(&c.ScanlogKafkaAddr, "scanlog_kafka_addr", "", "Kafka bootstrap address for scanlog_kafka_topic")
	fs.StringVar(&c.DispatchAuditDSN, "dispatch_audit_dsn", "", "if non-empty, a Postgres DSN to audit dispatch decisions to")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnvOverrides(c)
	return c, nil
}

func applyEnvOverrides(c *Config) {
	setStr := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(env string, dst *float64) {
		if v, ok := os.LookupEnv(env); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("SIGFINDER_LOG", &c.Log)
	setStr("SIGFINDER_FFTLOG", &c.FFTLog)
	setStr("SIGFINDER_BUFF_PATH", &c.BuffPath)
	setStr("SIGFINDER_LOGADDR", &c.LogAddr)
	setInt("SIGFINDER_LOGPORT", &c.LogPort)
	setInt("SIGFINDER_ROTATESECS", &c.RotateSecs)
	setInt("SIGFINDER_BIN_MHZ", &c.BinMHz)
	setInt("SIGFINDER_WIDTH", &c.Width)
	setFloat("SIGFINDER_THRESHOLD", &c.Threshold)
	setFloat("SIGFINDER_PROMINENCE", &c.Prominence)
	setInt("SIGFINDER_HISTORY", &c.History)
	setInt("SIGFINDER_PROMPORT", &c.PromPort)
	setInt("SIGFINDER_PORT", &c.Port)
	setStr("SIGFINDER_RECORDER_SELECT", &c.RecorderSelect)
	setStr("SIGFINDER_LIVENESS_BACKEND", &c.LivenessBackend)
	setStr("SIGFINDER_LIVENESS_REDIS_ADDR", &c.LivenessRedisAddr)
	setStr("SIGFINDER_SCANLOG_KAFKA_TOPIC", &c.ScanlogKafkaTopic)
	setStr("SIGFINDER_SCANLOG_KAFKA_ADDR", &c.ScanlogKafkaAddr)
	setStr("SIGFINDER_DISPATCH_AUDIT_DSN", &c.DispatchAuditDSN)
	if v, ok := os.LookupEnv("SIGFINDER_RECORDER"); ok && v != "" {
		c.Recorders = append(c.Recorders, strings.Split(v, ",")...)
	}
}

// Validate checks basic structural requirements and returns a descriptive
// error if any enumerated configuration value is out of range.
func (c *Config) Validate() error {
	if c.BinMHz <= 0 {
		return fmt.Errorf("bin_mhz must be > 0, got %d", c.BinMHz)
	}
	if c.History <= 0 {
		return fmt.Errorf("history must be > 0, got %d", c.History)
	}
	if c.MaxRecorderSignals <= 0 {
		return fmt.Errorf("max_recorder_signals must be > 0, got %d", c.MaxRecorderSignals)
	}
	if c.RecorderSelect != "" && c.RecorderSelect != "rendezvous" {
		return fmt.Errorf("recorder_select must be \"\" or \"rendezvous\", got %q", c.RecorderSelect)
	}
	if c.LivenessBackend != "file" && c.LivenessBackend != "redis" {
		return fmt.Errorf("liveness_backend must be \"file\" or \"redis\", got %q", c.LivenessBackend)
	}
	return nil
}
