package gs_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend/gs"
	"github.com/packvault/packvault/internal/backend/test"
)

func TestBackendGS(t *testing.T) {
	vars := []string{
		"PACKVAULT_TEST_GS_PROJECT_ID",
		"PACKVAULT_TEST_GS_REPOSITORY",
	}

	for _, v := range vars {
		if os.Getenv(v) == "" {
			t.Skipf("environment variable %v not set", v)
			return
		}
	}

	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" && os.Getenv("GOOGLE_ACCESS_TOKEN") == "" {
		t.Skipf("no Google credentials available")
	}

	suite := &test.Suite[gs.Config]{
		NewConfig: func() (*gs.Config, error) {
			cfg, err := gs.ParseConfig(os.Getenv("PACKVAULT_TEST_GS_REPOSITORY"))
			if err != nil {
				return nil, err
			}

			cfg.ProjectID = os.Getenv("PACKVAULT_TEST_GS_PROJECT_ID")
			cfg.Prefix = fmt.Sprintf("test-%d", time.Now().UnixNano())
			return cfg, nil
		},
		Factory:     gs.NewFactory(),
		MinimalData: true,
	}

	suite.RunTests(t)
}
