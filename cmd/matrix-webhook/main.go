// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-webhook is a Matrix webhook relay bot. It accepts HTTP POST
// payloads on per-integration token URLs and delivers them as formatted
// messages into Matrix rooms, keeping one long-lived session with the
// homeserver for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix"

	"github.com/aiku/matrix-webhook/pkg/bridge"
)

const (
	name    = "matrix-webhook"
	version = "0.1.0"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath      = flag.MakeFull("c", "config", "The path to the config file.", "config.yaml").String()
	generateExample = flag.MakeFull("e", "generate-example-config", "Print the example config and quit.", "false").Bool()
	printVersion    = flag.MakeFull("v", "version", "Print the version and quit.", "false").Bool()
	wantHelp, _     = flag.MakeHelpFlag()
)

// versionDesc builds the one-line version string. Tagged release builds show
// the plain version; everything else is marked as a dev build with the short
// commit when one was linked in.
func versionDesc() string {
	vers := version
	if Tag != "v"+version {
		if len(Commit) > 8 {
			vers += "+dev." + Commit[:8]
		} else {
			vers += "+dev"
		}
	}
	return fmt.Sprintf("%s %s (built %s with %s)", name, vers, BuildTime, runtime.Version())
}

func main() {
	flag.SetHelpTitles(
		"matrix-webhook - A Matrix webhook relay bot.",
		"matrix-webhook [-h] [-c <path>] [-e] [-v]",
	)
	err := flag.Parse()
	switch {
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	case *wantHelp:
		flag.PrintHelp()
	case *printVersion:
		fmt.Println(versionDesc())
	case *generateExample:
		fmt.Print(bridge.ExampleConfig)
	default:
		os.Exit(run())
	}
}

func run() int {
	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		return 1
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		return 1
	}
	mautrix.DefaultUserAgent = fmt.Sprintf("%s/%s %s", name, version, mautrix.DefaultUserAgent)

	br, err := bridge.New(cfg, *log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize the bridge")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", versionDesc()).Msg("Starting matrix-webhook")
	if err := br.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Bridge stopped with an error")
		return 1
	}
	return 0
}
