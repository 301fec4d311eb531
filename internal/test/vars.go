package test

import (
	"fmt"
	"os"
)

var (
	TestPassword        = getStringVar("PACKVAULT_TEST_PASSWORD", "geheim")
	TestCleanupTempDirs = getBoolVar("PACKVAULT_TEST_CLEANUP", true)
	TestTempDir         = getStringVar("PACKVAULT_TEST_TMPDIR", "")
	RunIntegrationTest  = getBoolVar("PACKVAULT_TEST_INTEGRATION", true)
	TestS3Server        = getStringVar("PACKVAULT_TEST_S3_SERVER", "")
	TestRESTServer      = getStringVar("PACKVAULT_TEST_REST_SERVER", "")
	TestSFTPServer      = getStringVar("PACKVAULT_TEST_SFTP_SERVER", "")
	TestSFTPPath        = getStringVar("PACKVAULT_TEST_SFTPPATH", "/usr/lib/ssh:/usr/lib/openssh:/usr/libexec")
)

func getStringVar(name, defaultValue string) string {
	if e := os.Getenv(name); e != "" {
		return e
	}

	return defaultValue
}

func getBoolVar(name string, defaultValue bool) bool {
	if e := os.Getenv(name); e != "" {
		switch e {
		case "1", "true":
			return true
		case "0", "false":
			return false
		default:
			fmt.Fprintf(os.Stderr, "invalid value for variable %q, using default\n", name)
		}
	}

	return defaultValue
}
