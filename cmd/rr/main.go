// Copyright 2024 The RR-Go Authors.
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

// Command rr is the record/replay debugger's CLI entrypoint: record,
// replay, and attach subcommands wired against internal/rrconfig and
// the six core components.
//
// Grounded on runsc/cli's Main (subcommands.Register + flag.Parse
// before Execute) generalized from runsc's OCI-runtime-command surface
// to this core's three commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/replaycore/rr/pkg/rrlog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&recordCmd{}, "")
	subcommands.Register(&replayCmd{}, "")
	subcommands.Register(&attachCmd{}, "")

	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if err := rrlog.SetLevel(*logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "rr: %v\n", err)
		os.Exit(int(subcommands.ExitUsageError))
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}
