package b2_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend/b2"
	"github.com/packvault/packvault/internal/backend/test"
	"github.com/packvault/packvault/internal/options"
)

func TestBackendB2(t *testing.T) {
	vars := []string{
		"PACKVAULT_TEST_B2_ACCOUNT_ID",
		"PACKVAULT_TEST_B2_ACCOUNT_KEY",
		"PACKVAULT_TEST_B2_REPOSITORY",
	}

	for _, v := range vars {
		if os.Getenv(v) == "" {
			t.Skipf("environment variable %v not set", v)
			return
		}
	}

	suite := &test.Suite[b2.Config]{
		NewConfig: func() (*b2.Config, error) {
			cfg, err := b2.ParseConfig(os.Getenv("PACKVAULT_TEST_B2_REPOSITORY"))
			if err != nil {
				return nil, err
			}

			cfg.AccountID = os.Getenv("PACKVAULT_TEST_B2_ACCOUNT_ID")
			cfg.Key = options.NewSecretString(os.Getenv("PACKVAULT_TEST_B2_ACCOUNT_KEY"))
			cfg.Prefix = fmt.Sprintf("test-%d", time.Now().UnixNano())
			return cfg, nil
		},
		Factory: b2.NewFactory(),

		// B2 applies deletions asynchronously
		WaitForDelayedRemoval: 10 * time.Second,
		MinimalData:           true,
	}

	suite.RunTests(t)
}
