package apierr

import (
	"errors"
	"testing"
)

func TestWrapPreservesUnderlyingDetails(t *testing.T) {
	underlying := errors.New("connection refused")
	wrapped := Wrap(underlying, CodeUnavailable, "storage unreachable")

	if wrapped.Details != "connection refused" {
		t.Fatalf("expected underlying message preserved, got %s", wrapped.Details)
	}
	if wrapped.Code != CodeUnavailable {
		t.Fatalf("expected CodeUnavailable, got %s", wrapped.Code)
	}
}

func TestHandlePassesThroughStructuredErrors(t *testing.T) {
	original := NewAuthFailed("bad signature")
	handled := Handle(original)
	if handled != original {
		t.Fatalf("expected Handle to pass through an existing *Error unchanged")
	}
}

func TestHandleWrapsGenericErrors(t *testing.T) {
	handled := Handle(errors.New("boom"))
	if handled.Code != CodeInternal {
		t.Fatalf("expected CodeInternal for unrecognized error, got %s", handled.Code)
	}
}

func TestWithMetadataAccumulates(t *testing.T) {
	err := NewNotFound("pattern missing").WithMetadata("pattern_id", "p1").WithMetadata("peer", "peer-1")
	if len(err.Metadata) != 2 {
		t.Fatalf("expected 2 metadata entries, got %d", len(err.Metadata))
	}
}
