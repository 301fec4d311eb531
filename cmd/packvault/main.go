package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	godebug "runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/termstatus"
)

func init() {
	// the maxprocs package itself would log the adjustment
	_, _ = maxprocs.Set()
}

// ErrInvalidSourceData is returned by backup when the snapshot was saved but
// some files could not be read.
var ErrInvalidSourceData = errors.New("at least one source file could not be read")

const (
	cmdGroupDefault  = "default"
	cmdGroupAdvanced = "advanced"
)

const rootHelp = `
packvault is a backup program which stores deduplicated, compressed and
encrypted snapshots of files and directories in a repository on a local
disk or a cloud storage service.
`

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "packvault",
		Short:             "Backup and restore files",
		Long:              rootHelp,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			return globalOptions.PreRun(c.Flags(), profileSection(c), needsPassword(c.Name()))
		},
	}
	cmd.AddGroup(
		&cobra.Group{ID: cmdGroupDefault, Title: "Available Commands:"},
		&cobra.Group{ID: cmdGroupAdvanced, Title: "Advanced Options:"},
	)
	cmd.CompletionOptions.DisableDefaultCmd = true
	globalOptions.AddFlags(cmd.PersistentFlags())

	for _, sub := range []func() *cobra.Command{
		newBackupCommand, newCatCommand, newCheckCommand, newConfigCommand,
		newCopyCommand, newDiffCommand, newDumpCommand, newForgetCommand,
		newInitCommand, newKeyCommand, newListCommand, newLsCommand,
		newMergeCommand, newPruneCommand, newRepairCommand, newRepoinfoCommand,
		newRestoreCommand, newSnapshotsCommand, newTagCommand, newUnlockCommand,
		newVersionCommand,
	} {
		cmd.AddCommand(sub())
	}
	registerProfiling(cmd)
	return cmd
}

// profileSection names the config profile section of c, "repair-snapshots"
// for `packvault repair snapshots`.
func profileSection(c *cobra.Command) string {
	var parts []string
	for ; c != nil && c.HasParent(); c = c.Parent() {
		parts = append(parts, c.Name())
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "-")
}

// needsPassword reports whether cmd opens a repository. The password
// command may prompt the user, so it only runs when needed.
func needsPassword(cmd string) bool {
	switch cmd {
	case "help", "version", "__complete":
		return false
	}
	return true
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidSourceData):
		return 3
	case errors.Is(err, ErrNoRepository):
		return 10
	case restic.IsAlreadyLocked(err):
		return 11
	case errors.IsAuthenticationFailed(err):
		return 12
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}

// exitMessage formats err for the user. Unexpected errors carry their stack
// and whatever libraries wrote to the standard logger.
func exitMessage(err error, libraryLog *bytes.Buffer) string {
	switch {
	case restic.IsAlreadyLocked(err):
		return fmt.Sprintf("%v\nthe `unlock` command can be used to remove stale locks", err)
	case errors.Is(err, ErrInvalidSourceData):
		return fmt.Sprintf("Warning: %v", err)
	case errors.IsFatal(err):
		return err.Error()
	case errors.IsAuthenticationFailed(err):
		return fmt.Sprintf("Fatal: %v", err)
	}

	msg := fmt.Sprintf("%+v", err)
	if libraryLog.Len() > 0 {
		msg += "also, the following messages were logged by a library:\n" + libraryLog.String()
	}
	return msg
}

type jsonExitError struct {
	MessageType string `json:"message_type"` // exit_error
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

func printExitError(code int, message string) {
	w := globalOptions.stderr
	if !globalOptions.JSON {
		_, _ = fmt.Fprintln(w, message)
		return
	}
	if err := json.NewEncoder(w).Encode(jsonExitError{MessageType: "exit_error", Code: code, Message: message}); err != nil {
		_, _ = fmt.Fprintf(w, "JSON encode failed: %v\n", err)
	}
}

func main() {
	// GOGC 50 unless the user chose a value
	if old := godebug.SetGCPercent(50); old != 100 {
		godebug.SetGCPercent(old)
	}

	// library log output is only shown along with an unexpected error
	libraryLog := &bytes.Buffer{}
	log.SetOutput(libraryLog)

	debug.Log("main %#v", os.Args)
	debug.Log("packvault %s compiled with %v on %v/%v", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	ctx := createGlobalContext()
	term, cancel := termstatus.Setup(os.Stdin, os.Stdout, os.Stderr, false)
	globalOptions.term = term
	err := newRootCommand().ExecuteContext(ctx)
	cancel()
	globalOptions.Close()

	if err == nil {
		err = ctx.Err()
	}
	code := exitCode(err)
	if code != 0 {
		printExitError(code, exitMessage(err, libraryLog))
	}
	Exit(code)
}
