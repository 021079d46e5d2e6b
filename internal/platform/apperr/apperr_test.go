package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := New(KindInvalidTransition, "mar.Hold", "record is %s", "given")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("expected errors.Is to match InvalidTransition")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect NotFound match")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrInvalidTransition) {
		t.Error("expected match through fmt wrapping")
	}
}

func TestError_Message(t *testing.T) {
	err := Wrap(KindSafetyCheckUnavailable, "mar.SafetyCheck", errors.New("timeout"), "allergy source")
	want := "mar.SafetyCheck: SafetyCheckUnavailable: allergy source: timeout"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestError_WithCopiesDetails(t *testing.T) {
	base := New(KindValidation, "op", "bad")
	a := base.With("field", "reason")
	if base.Details != nil {
		t.Error("With must not mutate the receiver")
	}
	if a.Details["field"] != "reason" {
		t.Errorf("expected detail field=reason, got %v", a.Details)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for plain error")
	}
	if KindOf(NotFound("op", "recall", 1)) != KindNotFound {
		t.Error("expected NotFound kind")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrSafetyCheckUnavailable, http.StatusServiceUnavailable},
		{ErrForbidden, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHTTPError_Body(t *testing.T) {
	he := HTTPError(New(KindSafetyGateBlocked, "op", "override required").With("findings", 2))
	if he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", he.Code)
	}
	body, ok := he.Message.(Body)
	if !ok {
		t.Fatalf("expected Body message, got %T", he.Message)
	}
	if body.Kind != KindSafetyGateBlocked || body.Details["findings"] != 2 {
		t.Errorf("unexpected body: %+v", body)
	}
}
