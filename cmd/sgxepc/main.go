// Copyright 2024 The gsgx Authors.
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

// Binary sgxepc drives the enclave page cache against the software leaf
// simulator: it builds an enclave, faults its pages in, forces them out
// through the writeback path and loads them back, reporting pool statistics.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var debugLog = flag.Bool("debug-log", false, "enable debug logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Run), "")
	subcommands.Register(new(Version), "")

	flag.Parse()

	logrus.SetLevel(logrus.InfoLevel)
	if *debugLog {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...any) {
	logrus.Errorf(format, args...)
	os.Exit(128)
}
