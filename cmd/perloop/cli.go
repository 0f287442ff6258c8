// Package main is the perloop CLI entry point.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface, grounded on
// vinayprograms-agent/cmd/agent/cli.go's kong-struct layout.
type CLI struct {
	Run     RunCmd     `cmd:"" help:"Drive a mission goal through the P-E-R loop to completion"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// RunCmd runs one mission goal end to end.
type RunCmd struct {
	Goal            string `arg:"" help:"The mission goal to accomplish"`
	Config          string `help:"Config file path" default:"perloop.toml"`
	SessionID       string `help:"Session identifier (generated if omitted)"`
	NoHITL          bool   `help:"Disable human-in-the-loop approval, auto-approving every plan"`
	WebApprovalAddr string `help:"Address to listen on for web-submitted approvals (empty disables the web race arm)" default:":8099"`
}

// VersionCmd prints build metadata.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
