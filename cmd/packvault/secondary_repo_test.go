package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

func TestFillSecondaryGlobalOpts(t *testing.T) {
	type secondaryRepoTestCase struct {
		Opts     secondaryRepoOptions
		DstGOpts GlobalOptions
	}

	var validSecondaryRepoTestCases = []secondaryRepoTestCase{
		{
			// Repo and Password are taken over
			Opts: secondaryRepoOptions{
				Repo:     "backupDst",
				password: "secretDst",
			},
			DstGOpts: GlobalOptions{
				Repo:     "backupDst",
				password: "secretDst",
			},
		},
		{
			// RepositoryFile and PasswordFile are taken over
			Opts: secondaryRepoOptions{
				RepositoryFile: "backupDst",
				PasswordFile:   "passwordFileDst",
			},
			DstGOpts: GlobalOptions{
				RepositoryFile: "backupDst",
				password:       "secretDst",
				PasswordFile:   "passwordFileDst",
			},
		},
		{
			// RepositoryFile and PasswordCommand are taken over
			Opts: secondaryRepoOptions{
				RepositoryFile:  "backupDst",
				PasswordCommand: "echo secretDst",
			},
			DstGOpts: GlobalOptions{
				RepositoryFile:  "backupDst",
				password:        "secretDst",
				PasswordCommand: "echo secretDst",
			},
		},
	}

	var invalidSecondaryRepoTestCases = []secondaryRepoTestCase{
		{
			// no repo given
			Opts: secondaryRepoOptions{},
		},
		{
			// Repo and RepositoryFile are both given
			Opts: secondaryRepoOptions{
				Repo:           "backupDst",
				RepositoryFile: "backupDst",
			},
		},
		{
			// PasswordFile and PasswordCommand are both given
			Opts: secondaryRepoOptions{
				Repo:            "backupDst",
				PasswordFile:    "passwordFileDst",
				PasswordCommand: "notEmpty",
			},
		},
		{
			// PasswordFile does not exist
			Opts: secondaryRepoOptions{
				Repo:         "backupDst",
				PasswordFile: "NonExistingFile",
			},
		},
	}

	// Source global options
	gOpts := GlobalOptions{
		Repo:     "backupSrc",
		password: "secretSrc",
	}

	// Create temp dir to create password file.
	dir := rtest.TempDir(t)
	t.Chdir(dir)

	// Create temporary password file
	err := os.WriteFile(filepath.Join(dir, "passwordFileDst"), []byte("secretDst"), 0o666)
	rtest.OK(t, err)

	// Test all valid cases
	for _, testCase := range validSecondaryRepoTestCases {
		DstGOpts, err := fillSecondaryGlobalOpts(context.TODO(), testCase.Opts, gOpts, "destination")
		rtest.OK(t, err)
		rtest.Equals(t, testCase.DstGOpts, DstGOpts)
	}

	// Test all invalid cases
	for _, testCase := range invalidSecondaryRepoTestCases {
		_, err := fillSecondaryGlobalOpts(context.TODO(), testCase.Opts, gOpts, "destination")
		rtest.Assert(t, err != nil, "Expected error, but function did not return an error")
	}
}
