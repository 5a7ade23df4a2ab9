// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log provides a process-global zap logger alongside per-component
// logger construction from Config.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger configuration.
type Config struct {

	// Disable silences the logger entirely. Used for testing.
	Disable bool `yaml:"disable"`

	// Level is the minimum enabled logging level. One of: debug, info,
	// warn, error. Defaults to info.
	Level string `yaml:"level"`

	// OutputPaths are the sinks log entries are written to. Defaults to
	// stdout.
	OutputPaths []string `yaml:"output_paths"`
}

func (c Config) level() zapcore.Level {
	switch c.Level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates a new *zap.Logger from config, with fields attached to every
// entry it produces.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	if config.Disable {
		return zap.NewNop(), nil
	}

	outputPaths := config.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(config.level())
	zc.OutputPaths = outputPaths
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %s", err)
	}

	var zfields []zap.Field
	for k, v := range fields {
		zfields = append(zfields, zap.Any(k, v))
	}
	return logger.With(zfields...), nil
}

var (
	_globalMu sync.Mutex
	_global   = zap.NewExample().Sugar()
)

// ConfigureLogger overrides the global process-level logger. Intended for
// use in tests and command entrypoints.
func ConfigureLogger(config zap.Config) {
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	_globalMu.Lock()
	_global = logger.Sugar()
	_globalMu.Unlock()
}

func global() *zap.SugaredLogger {
	_globalMu.Lock()
	defer _globalMu.Unlock()
	return _global
}

// Debugf logs at debug level on the global logger.
func Debugf(format string, args ...interface{}) { global().Debugf(format, args...) }

// Infof logs at info level on the global logger.
func Infof(format string, args ...interface{}) { global().Infof(format, args...) }

// Warnf logs at warn level on the global logger.
func Warnf(format string, args ...interface{}) { global().Warnf(format, args...) }

// Errorf logs at error level on the global logger.
func Errorf(format string, args ...interface{}) { global().Errorf(format, args...) }

// Fatalf logs at error level on the global logger and exits the process
// with status 1.
func Fatalf(format string, args ...interface{}) {
	global().Errorf(format, args...)
	os.Exit(1)
}

// With returns a child of the global logger with the given key/value pairs
// attached.
func With(args ...interface{}) *zap.SugaredLogger {
	return global().With(args...)
}
