package sftp_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/packvault/packvault/internal/backend/sftp"
	"github.com/packvault/packvault/internal/backend/test"
	"github.com/packvault/packvault/internal/errors"
	rtest "github.com/packvault/packvault/internal/test"
)

func findSFTPServerBinary() string {
	for _, dir := range strings.Split(rtest.TestSFTPPath, ":") {
		testpath := filepath.Join(dir, "sftp-server")
		_, err := os.Stat(testpath)
		if !errors.Is(err, os.ErrNotExist) {
			return testpath
		}
	}

	return ""
}

var sftpServer = findSFTPServerBinary()

func newTestSuite(t testing.TB) *test.Suite[sftp.Config] {
	return &test.Suite[sftp.Config]{
		NewConfig: func() (*sftp.Config, error) {
			dir := rtest.TempDir(t)
			t.Logf("create new backend at %v", dir)

			cfg := sftp.NewConfig()
			cfg.Path = dir
			cfg.Command = fmt.Sprintf("%q -e", sftpServer)
			return &cfg, nil
		},

		Factory: sftp.NewFactory(),
	}
}

func TestBackendSFTP(t *testing.T) {
	if sftpServer == "" {
		t.Skip("sftp server binary not found")
	}

	newTestSuite(t).RunTests(t)
}
