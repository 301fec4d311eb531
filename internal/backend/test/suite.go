// Package test is the conformance suite every backend.Backend implementation
// runs. A backend package wires it up like this:
//
//	func TestSuiteBackendLocal(t *testing.T) {
//		suite := &test.Suite[local.Config]{
//			NewConfig: func() (*local.Config, error) {
//				cfg := local.NewConfig()
//				cfg.Path = rtest.TempDir(t)
//				return &cfg, nil
//			},
//			Factory: local.NewFactory(),
//		}
//		suite.RunTests(t)
//	}
package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/test"
)

// Suite runs the conformance tests against the backend built by Factory.
type Suite[C any] struct {
	// Config is set by RunTests from NewConfig.
	Config *C

	// NewConfig returns the config of a fresh, empty backend location.
	NewConfig func() (*C, error)

	Factory location.Factory

	// MinimalData keeps the amount of uploaded data small, for remote
	// services.
	MinimalData bool

	// WaitForDelayedRemoval is how long a removed file may stay visible on
	// eventually consistent services.
	WaitForDelayedRemoval time.Duration

	// ErrorHandler may translate or swallow errors of Remove and Stat.
	ErrorHandler func(testing.TB, backend.Backend, error) error
}

// RunTests creates the backend and runs every conformance test as a subtest.
// The backend location is deleted at the end unless temporary directories
// are kept.
func (s *Suite[C]) RunTests(t *testing.T) {
	cfg, err := s.NewConfig()
	test.OK(t, err)
	s.Config = cfg

	s.close(t, s.create(t))

	for _, tc := range []struct {
		name string
		fn   func(*testing.T)
	}{
		{"CreateWithConfig", s.testCreateWithConfig},
		{"Config", s.testConfig},
		{"Load", s.testLoad},
		{"List", s.testList},
		{"ListCancel", s.testListCancel},
		{"Save", s.testSave},
		{"SaveConflict", s.testSaveConflict},
		{"SaveIncomplete", s.testSaveIncomplete},
		{"FileTypes", s.testFileTypes},
	} {
		t.Run(tc.name, tc.fn)
	}

	if !test.TestCleanupTempDirs {
		t.Logf("keeping backend %v", s)
		return
	}
	t.Run("Delete", s.testDelete)
}

// createOrError creates the backend and fails if a config file is present.
func (s *Suite[C]) createOrError() (backend.Backend, error) {
	be, err := s.Factory.Create(context.TODO(), s.Config, nil, nil)
	if err != nil {
		return nil, err
	}

	found, err := exists(context.TODO(), be, backend.Handle{Type: backend.ConfigFile})
	switch {
	case err != nil:
		return nil, err
	case found:
		return nil, errors.New("config already exists")
	}
	return be, nil
}

func (s *Suite[C]) create(t testing.TB) backend.Backend {
	be, err := s.createOrError()
	test.OK(t, err)
	return be
}

func (s *Suite[C]) open(t testing.TB) backend.Backend {
	be, err := s.Factory.Open(context.TODO(), s.Config, nil, nil)
	test.OK(t, err)
	t.Cleanup(func() { s.close(t, be) })
	return be
}

func (s *Suite[C]) close(t testing.TB, be backend.Backend) {
	test.OK(t, be.Close())
}

func (s *Suite[C]) String() string {
	return fmt.Sprintf("Suite[%v]", s.Factory.Scheme())
}

// removeAll removes handles and waits until none of them is visible anymore.
func (s *Suite[C]) removeAll(t testing.TB, be backend.Backend, handles ...backend.Handle) {
	handle := func(err error) error {
		if s.ErrorHandler != nil {
			return s.ErrorHandler(t, be, err)
		}
		return err
	}

	for _, h := range handles {
		test.OK(t, handle(be.Remove(context.TODO(), h)))
	}

	deadline := time.Now().Add(s.WaitForDelayedRemoval)
	for _, h := range handles {
		for {
			found, err := exists(context.TODO(), be, h)
			test.OK(t, handle(err))
			if !found {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("removed file %v still present after %v", h, s.WaitForDelayedRemoval)
			}
			time.Sleep(2 * time.Second)
		}
	}
}
