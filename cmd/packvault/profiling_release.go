//go:build !debug && !profile

package main

import "github.com/spf13/cobra"

func registerProfiling(_ *cobra.Command) {
	// no profiling in release builds
}
