package swift_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/swift"
	"github.com/packvault/packvault/internal/backend/test"
)

func newSwiftTestSuite(t testing.TB) *test.Suite[swift.Config] {
	return &test.Suite[swift.Config]{
		// do not use excessive data
		MinimalData: true,

		// wait for removals for at least 5m
		WaitForDelayedRemoval: 5 * time.Minute,

		ErrorHandler: func(t testing.TB, be backend.Backend, err error) error {
			if err == nil {
				return nil
			}

			if be.IsNotExist(err) {
				t.Logf("swift: ignoring error %v", err)
				return nil
			}

			return err
		},

		NewConfig: func() (*swift.Config, error) {
			cfg, err := swift.ParseConfig(os.Getenv("PACKVAULT_TEST_SWIFT"))
			if err != nil {
				return nil, err
			}

			cfg.ApplyEnvironment("PACKVAULT_TEST_")
			cfg.Prefix += fmt.Sprintf("/test-%d", time.Now().UnixNano())
			t.Logf("using prefix %v", cfg.Prefix)
			return cfg, nil
		},

		Factory: swift.NewFactory(),
	}
}

func TestBackendSwift(t *testing.T) {
	if os.Getenv("PACKVAULT_TEST_SWIFT") == "" {
		t.Skip("PACKVAULT_TEST_SWIFT unset, skipping test")
		return
	}

	newSwiftTestSuite(t).RunTests(t)
}
