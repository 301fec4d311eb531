package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/ui/table"
)

func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage keys (passwords)",
		Long: `
The "key" command allows you to set multiple access keys or passwords
per repository.
	`,
		DisableAutoGenTag: true,
		GroupID:           cmdGroupDefault,
	}

	cmd.AddCommand(
		newKeyAddCommand(),
		newKeyListCommand(),
		newKeyPasswdCommand(),
		newKeyRemoveCommand(),
	)
	return cmd
}

// KeyAddOptions bundles the options for key add and key passwd.
type KeyAddOptions struct {
	NewPasswordFile    string
	InsecureNoPassword bool
	Username           string
	Hostname           string
}

func (opts *KeyAddOptions) Add(flags *pflag.FlagSet) {
	flags.StringVarP(&opts.NewPasswordFile, "new-password-file", "", "", "`file` from which to read the new password")
	flags.BoolVar(&opts.InsecureNoPassword, "new-insecure-no-password", false, "add an empty password for the repository (insecure)")
	flags.StringVarP(&opts.Username, "user", "", "", "the username for new key")
	flags.StringVarP(&opts.Hostname, "host", "", "", "the hostname for new key")
}

// newPasswordSource prompts for the new password unless a file is given.
func (opts KeyAddOptions) newPasswordSource(gopts GlobalOptions) engine.PasswordSource {
	return engine.PasswordFunc(func(ctx context.Context) (string, error) {
		if opts.InsecureNoPassword {
			if opts.NewPasswordFile != "" {
				return "", errors.Fatal("only either --new-password-file or --new-insecure-no-password may be specified")
			}
			return "", nil
		}
		if opts.NewPasswordFile != "" {
			password, err := loadPasswordFromFile(opts.NewPasswordFile)
			if err != nil {
				return "", err
			}
			if password == "" {
				return "", errors.Fatal("an empty password is not allowed by default. Pass the flag `--new-insecure-no-password` to packvault to disable this check")
			}
			return password, nil
		}

		// the repository is already open, so drop the current password to
		// prompt the user
		newopts := gopts
		newopts.password = ""
		newopts.InsecureNoPassword = false
		return ReadPasswordTwice(ctx, newopts,
			"enter new password: ",
			"enter password again: ")
	})
}

func (opts KeyAddOptions) engineOptions(gopts GlobalOptions) engine.AddKeyOptions {
	return engine.AddKeyOptions{
		Password: opts.newPasswordSource(gopts),
		Username: opts.Username,
		Hostname: opts.Hostname,
	}
}

func newKeyAddCommand() *cobra.Command {
	var opts KeyAddOptions

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new key (password) to the repository; returns the new key ID",
		Long: `
The "add" sub-command creates a new key and validates the key. Returns the new key ID.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
	`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyAdd(cmd.Context(), globalOptions, opts, args)
		},
	}

	opts.Add(cmd.Flags())
	return cmd
}

func runKeyAdd(ctx context.Context, gopts GlobalOptions, opts KeyAddOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the key add command expects no arguments, only options - please see `packvault help key add` for usage and flags")
	}

	printer := gopts.printer()
	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	_, err = r.AddKey(ctx, opts.engineOptions(gopts))
	return err
}

func newKeyPasswdCommand() *cobra.Command {
	var opts KeyAddOptions

	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change key (password); creates a new key ID and removes the old key ID, returns new key ID",
		Long: `
The "passwd" sub-command creates a new key, validates the key and remove the old key ID.
Returns the new key ID.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
	`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyPasswd(cmd.Context(), globalOptions, opts, args)
		},
	}

	opts.Add(cmd.Flags())
	return cmd
}

func runKeyPasswd(ctx context.Context, gopts GlobalOptions, opts KeyAddOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the key passwd command expects no arguments, only options - please see `packvault help key passwd` for usage and flags")
	}

	printer := gopts.printer()
	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	_, err = r.ChangePassword(ctx, opts.engineOptions(gopts))
	return err
}

func newKeyRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove [ID]",
		Short: "Remove key ID (password) from the repository.",
		Long: `
The "remove" sub-command removes the selected key ID. The "remove" command does not allow
removing the current key being used to access the repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
	`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRemove(cmd.Context(), globalOptions, args)
		},
	}
	return cmd
}

func runKeyRemove(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("key remove expects one argument as the key id")
	}

	printer := gopts.printer()
	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	return r.RemoveKey(ctx, args[0])
}

func newKeyListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys (passwords)",
		Long: `
The "list" sub-command lists all the keys (passwords) associated with the repository.
Returns the key ID, username, hostname, created time and if it's the current key being
used to access the repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
	`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd.Context(), globalOptions, args)
		},
	}
	return cmd
}

type keyInfo struct {
	Current  bool   `json:"current"`
	ID       string `json:"id"`
	ShortID  string `json:"-"`
	UserName string `json:"userName"`
	HostName string `json:"hostName"`
	Created  string `json:"created"`
}

func runKeyList(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the key list command expects no arguments, only options - please see `packvault help key list` for usage and flags")
	}

	printer := gopts.printer()
	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	infos, err := r.ListKeys(ctx)
	if err != nil {
		return err
	}

	keys := make([]keyInfo, 0, len(infos))
	for _, k := range infos {
		keys = append(keys, keyInfo{
			Current:  k.Current,
			ID:       k.ID.String(),
			ShortID:  k.ID.Str(),
			UserName: k.Username,
			HostName: k.Hostname,
			Created:  k.Created.Local().Format(TimeFormat),
		})
	}

	if gopts.JSON {
		return json.NewEncoder(gopts.out()).Encode(keys)
	}

	tab := table.New()
	tab.AddColumn(" ID", "{{if .Current}}*{{else}} {{end}}{{ .ShortID }}")
	tab.AddColumn("User", "{{ .UserName }}")
	tab.AddColumn("Host", "{{ .HostName }}")
	tab.AddColumn("Created", "{{ .Created }}")

	for _, key := range keys {
		tab.AddRow(key)
	}

	return tab.Write(gopts.out())
}
