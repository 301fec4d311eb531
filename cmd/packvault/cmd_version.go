package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `
The "version" command prints detailed information about the build environment
and the version of this software.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runVersion(globalOptions)
		},
	}
	return cmd
}

type versionInfo struct {
	MessageType string `json:"message_type"` // version
	Version     string `json:"version"`
	GoVersion   string `json:"go_version"`
	GoOS        string `json:"go_os"`
	GoArch      string `json:"go_arch"`
}

func runVersion(gopts GlobalOptions) error {
	if gopts.JSON {
		return json.NewEncoder(gopts.out()).Encode(versionInfo{
			MessageType: "version",
			Version:     version,
			GoVersion:   runtime.Version(),
			GoOS:        runtime.GOOS,
			GoArch:      runtime.GOARCH,
		})
	}

	_, err := fmt.Fprintf(gopts.out(), "packvault %s compiled with %v on %v/%v\n",
		version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
