package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIncludesInternal(t *testing.T) {
	internal := stdErrors.New("boom")
	err := Wrap(internal, "failed")

	if err.Error() != "failed: boom" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestWithInternalCopies(t *testing.T) {
	base := New("TEST", "test", 400)
	with := base.WithInternal(stdErrors.New("oops"))

	if with == base {
		t.Fatal("expected WithInternal to return a copy")
	}

	if base.Internal != nil {
		t.Fatal("expected original error to remain unchanged")
	}

	if with.Internal == nil {
		t.Fatal("expected internal error to be set")
	}
}

func TestFromError(t *testing.T) {
	appErr := ErrNotFound
	if out := FromError(appErr); out != appErr {
		t.Fatal("expected FromError to return the same AppError instance")
	}

	raw := stdErrors.New("raw")
	out := FromError(raw)
	if out.Code != ErrInternalServer.Code {
		t.Fatalf("expected internal server code, got %s", out.Code)
	}
	if out.Internal == nil {
		t.Fatal("expected internal error to be attached")
	}
}

func TestCategoryPredicates(t *testing.T) {
	cases := []struct {
		err   error
		check func(error) bool
	}{
		{ErrConfiguration.WithMessage("cert missing"), IsConfiguration},
		{ErrAuthentication.WithInternal(stdErrors.New("bad signature")), IsAuthentication},
		{ErrProtocol, IsProtocol},
		{ErrTransient, IsTransient},
		{ErrNotFound, IsNotFound},
		{ErrUnsupportedOperation, IsUnsupportedOperation},
	}

	for _, tc := range cases {
		if !tc.check(tc.err) {
			t.Fatalf("predicate failed for %v", tc.err)
		}
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if !tc.check(wrapped) {
			t.Fatalf("predicate failed for wrapped %v", tc.err)
		}
	}

	if IsAuthentication(ErrTransient) {
		t.Fatal("expected predicates to distinguish codes")
	}
	if IsTransient(stdErrors.New("plain")) {
		t.Fatal("expected plain errors to match no category")
	}
}

func TestWithMessageCopies(t *testing.T) {
	err := ErrConfiguration.WithMessage("missing fields: cert")
	if err == ErrConfiguration {
		t.Fatal("expected WithMessage to return a copy")
	}
	if err.Code != ErrConfiguration.Code {
		t.Fatalf("expected code to be preserved, got %s", err.Code)
	}
	if ErrConfiguration.Message == err.Message {
		t.Fatal("expected message to change on the copy only")
	}
}
