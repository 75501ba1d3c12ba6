/*
Copyright 2024 The Lifecycle Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package log provides the single structured logger used across the
// deploy core.
package log

import "go.uber.org/zap"

// Logger is the package-wide structured logger.
var Logger *zap.SugaredLogger

func init() {
	l, _ := zap.NewProduction()
	Logger = l.Sugar()
}

// SetLogger replaces the package-wide logger, used by callers that want
// to route core logs into their own zap pipeline.
func SetLogger(l *zap.SugaredLogger) {
	Logger = l
}

// With returns a child logger with the given key/value pairs attached,
// conventionally deployUUID/buildUUID/namespace for every log line
// emitted while acting on a single Deploy.
func With(kv ...interface{}) *zap.SugaredLogger {
	return Logger.With(kv...)
}
