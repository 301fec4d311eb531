package s3_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend/s3"
	"github.com/packvault/packvault/internal/backend/test"
	"github.com/packvault/packvault/internal/options"
)

// TestBackendS3 runs the backend test suite against a real S3 compatible
// server. It is skipped unless the PACKVAULT_TEST_S3_* variables are set.
func TestBackendS3(t *testing.T) {
	vars := []string{
		"PACKVAULT_TEST_S3_KEY",
		"PACKVAULT_TEST_S3_SECRET",
		"PACKVAULT_TEST_S3_REPOSITORY",
	}

	for _, v := range vars {
		if os.Getenv(v) == "" {
			t.Skipf("environment variable %v not set", v)
			return
		}
	}

	suite := &test.Suite[s3.Config]{
		NewConfig: func() (*s3.Config, error) {
			cfg, err := s3.ParseConfig(os.Getenv("PACKVAULT_TEST_S3_REPOSITORY"))
			if err != nil {
				return nil, err
			}

			cfg.KeyID = os.Getenv("PACKVAULT_TEST_S3_KEY")
			cfg.Secret = options.NewSecretString(os.Getenv("PACKVAULT_TEST_S3_SECRET"))
			cfg.Region = os.Getenv("PACKVAULT_TEST_S3_REGION")
			cfg.Prefix = fmt.Sprintf("test-%d", time.Now().UnixNano())
			return cfg, nil
		},
		Factory:     s3.NewFactory(),
		MinimalData: true,
	}

	suite.RunTests(t)
}
