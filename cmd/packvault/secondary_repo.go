package main

import (
	"context"
	"os"

	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/errors"
)

type secondaryRepoOptions struct {
	Repo            string
	RepositoryFile  string
	password        string
	PasswordFile    string
	PasswordCommand string
	KeyHint         string
}

func initSecondaryRepoOptions(f *pflag.FlagSet, opts *secondaryRepoOptions, repoPrefix string, repoUsage string) {
	f.StringVarP(&opts.Repo, "repo2", "", "", repoPrefix+" `repository` "+repoUsage+" (default: $PACKVAULT_REPOSITORY2)")
	f.StringVarP(&opts.RepositoryFile, "repository-file2", "", "", "`file` from which to read the "+repoPrefix+" repository location "+repoUsage+" (default: $PACKVAULT_REPOSITORY_FILE2)")
	f.StringVarP(&opts.PasswordFile, "password-file2", "", "", "`file` to read the "+repoPrefix+" repository password from (default: $PACKVAULT_PASSWORD_FILE2)")
	f.StringVarP(&opts.KeyHint, "key-hint2", "", "", "key ID of key to try decrypting the "+repoPrefix+" repository first (default: $PACKVAULT_KEY_HINT2)")
	f.StringVarP(&opts.PasswordCommand, "password-command2", "", "", "shell `command` to obtain the "+repoPrefix+" repository password from (default: $PACKVAULT_PASSWORD_COMMAND2)")

	opts.Repo = os.Getenv("PACKVAULT_REPOSITORY2")
	opts.RepositoryFile = os.Getenv("PACKVAULT_REPOSITORY_FILE2")
	opts.PasswordFile = os.Getenv("PACKVAULT_PASSWORD_FILE2")
	opts.KeyHint = os.Getenv("PACKVAULT_KEY_HINT2")
	opts.PasswordCommand = os.Getenv("PACKVAULT_PASSWORD_COMMAND2")
}

// fillSecondaryGlobalOpts derives the global options for the second
// repository from gopts. The password is resolved from the secondary
// options or $PACKVAULT_PASSWORD2, otherwise the user is prompted.
func fillSecondaryGlobalOpts(ctx context.Context, opts secondaryRepoOptions, gopts GlobalOptions, repoPrefix string) (GlobalOptions, error) {
	if opts.Repo == "" && opts.RepositoryFile == "" {
		return GlobalOptions{}, errors.Fatal("Please specify a " + repoPrefix + " repository location (--repo2 or --repository-file2)")
	}

	if opts.Repo != "" && opts.RepositoryFile != "" {
		return GlobalOptions{}, errors.Fatal("Options --repo2 and --repository-file2 are mutually exclusive, please specify only one")
	}

	var err error
	dstGopts := gopts
	dstGopts.Repo = opts.Repo
	dstGopts.RepositoryFile = opts.RepositoryFile
	dstGopts.PasswordFile = opts.PasswordFile
	dstGopts.PasswordCommand = opts.PasswordCommand
	dstGopts.KeyHint = opts.KeyHint
	dstGopts.InsecureNoPassword = false

	if opts.password != "" {
		dstGopts.password = opts.password
	} else {
		dstGopts.password, err = resolvePassword(&dstGopts, "PACKVAULT_PASSWORD2")
		if err != nil {
			return GlobalOptions{}, err
		}
	}
	dstGopts.password, err = ReadPassword(ctx, dstGopts, "enter password for "+repoPrefix+" repository: ")
	if err != nil {
		return GlobalOptions{}, err
	}
	return dstGopts, nil
}
