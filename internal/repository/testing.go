package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/local"
	"github.com/packvault/packvault/internal/backend/mem"
	"github.com/packvault/packvault/internal/backend/retry"
	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/test"

	"github.com/restic/chunker"
)

// testKDFParams are the parameters for the KDF to be used during testing.
var testKDFParams = crypto.Params{
	N: 128,
	R: 1,
	P: 1,
}

type logger interface {
	Logf(format string, args ...interface{})
}

// TestUseLowSecurityKDFParameters configures low-security KDF parameters for testing.
func TestUseLowSecurityKDFParameters(t logger) {
	t.Logf("using low-security KDF parameters for test")
	params = &testKDFParams
}

// TestBackend returns a fully configured in-memory backend.
func TestBackend(_ testing.TB) backend.Backend {
	return mem.New()
}

const TestChunkerPol = chunker.Pol(0x3DA3358B4DC173)

// TestRepositoryWithBackend returns a repository initialized with a test
// password. If be is nil, an in-memory backend is used. A constant polynomial
// is used for the chunker and low-security test parameters.
func TestRepositoryWithBackend(t testing.TB, be backend.Backend, opts restic.ConfigOptions) (*Repository, backend.Backend) {
	t.Helper()
	TestUseLowSecurityKDFParameters(t)
	restic.TestDisableCheckPolynomial(t)

	if be == nil {
		be = TestBackend(t)
	}

	repo := New(be, Options{})

	cfg, err := restic.CreateConfig(opts)
	if err != nil {
		t.Fatalf("TestRepository(): create config failed: %v", err)
	}
	cfg.ChunkerPolynomial = TestChunkerPol

	err = repo.init(context.TODO(), test.TestPassword, cfg)
	if err != nil {
		t.Fatalf("TestRepository(): initialize repo failed: %v", err)
	}

	return repo, be
}

// TestRepository returns a repository initialized with a test password on an
// in-memory backend. When the environment variable PACKVAULT_TEST_REPO is set
// to a non-existing directory, a local backend is created there and this is
// used instead. The directory is not removed, but left there for inspection.
func TestRepository(t testing.TB) *Repository {
	t.Helper()
	repo, _ := TestRepositoryWithOptions(t, restic.ConfigOptions{})
	return repo
}

// TestRepositoryWithOptions is like TestRepository, but creates the config
// from opts.
func TestRepositoryWithOptions(t testing.TB, opts restic.ConfigOptions) (*Repository, backend.Backend) {
	t.Helper()
	dir := os.Getenv("PACKVAULT_TEST_REPO")
	if dir != "" {
		_, err := os.Stat(dir)
		if err != nil {
			be, err := local.Create(context.TODO(), local.Config{Path: dir, Connections: 2})
			if err != nil {
				t.Fatalf("error creating local backend at %v: %v", dir, err)
			}
			return TestRepositoryWithBackend(t, be, opts)
		}

		t.Logf("directory at %v already exists, using mem backend", dir)
	}

	return TestRepositoryWithBackend(t, nil, opts)
}

// TestOpenBackend opens the repository stored in be with the test password.
func TestOpenBackend(t testing.TB, be backend.Backend) *Repository {
	t.Helper()
	repo := New(retry.New(be, 10*time.Second, nil, nil), Options{})
	err := repo.SearchKey(context.TODO(), test.TestPassword, 10, "")
	if err != nil {
		t.Fatal(err)
	}

	err = repo.LoadIndex(context.TODO(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

// TestOpenLocal opens a local repository.
func TestOpenLocal(t testing.TB, dir string) *Repository {
	be, err := local.Open(context.TODO(), local.Config{Path: dir, Connections: 2})
	if err != nil {
		t.Fatal(err)
	}

	return TestOpenBackend(t, be)
}

// TestOpenBackendRaw opens the repository stored in be with the test
// password without loading the index or wrapping be.
func TestOpenBackendRaw(t testing.TB, be backend.Backend) *Repository {
	t.Helper()
	repo := New(be, Options{})
	err := repo.SearchKey(context.TODO(), test.TestPassword, 10, "")
	if err != nil {
		t.Fatal(err)
	}
	return repo
}
