package main

import (
	"context"

	"github.com/xizzxy/gatekeeper/internal/cmd"
)

// Version information set via ldflags during build, for example
// go build -ldflags="-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2025-10-28"
var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(context.Background()); err != nil {
		cmd.ExitWithError(err)
	}
}
