package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// set via -ldflags at release time
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("onedispatch %s (%s) %s/%s\n", version, commit, runtime.GOOS, runtime.GOARCH)
	},
}
