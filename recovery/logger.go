// Package recovery
//
// (C) Copyright Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package recovery

import (
	"fmt"
	"log"
)

// Logger is the sink every phase reports progress and recoverable
// anomalies through.
type Logger interface {
	Printf(format string, args ...any)
}

// stdLogger writes to the standard logger and, if configured, mirrors
// each line onto a caller-owned channel without blocking; a line is not
// sent when the channel is full.
type stdLogger struct {
	ch chan string
}

func (l *stdLogger) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Println(msg)
	if l.ch == nil {
		return
	}
	select {
	case l.ch <- msg:
	default:
	}
}

func newLogger(cfg *Config) Logger {
	return &stdLogger{ch: cfg.LogChannel}
}
