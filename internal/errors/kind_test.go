package errors_test

import (
	"testing"

	"github.com/packvault/packvault/internal/errors"
)

func TestWithKind(t *testing.T) {
	base := errors.New("MAC mismatch")
	err := errors.Wrap(errors.WithKind(base, errors.ErrCorrupt), "load pack/1234")

	if !errors.IsCorrupt(err) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("underlying error lost: %v", err)
	}
	if errors.IsNotFound(err) {
		t.Fatalf("error %v must not be of kind NotFound", err)
	}
	if err.Error() != "load pack/1234: MAC mismatch" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if errors.WithKind(nil, errors.ErrCorrupt) != nil {
		t.Fatal("WithKind(nil) must return nil")
	}
}

func TestKindConstructors(t *testing.T) {
	for _, test := range []struct {
		err  error
		kind error
	}{
		{errors.Corruptf("blob %d", 1), errors.ErrCorrupt},
		{errors.NotFoundf("blob %d", 2), errors.ErrNotFound},
		{errors.Fatalf("conflict: %v", errors.ErrConflict), errors.ErrConflict},
	} {
		if !errors.Is(test.err, test.kind) {
			t.Errorf("%v does not match %v", test.err, test.kind)
		}
	}
}
