package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad"), KindValidation},
		{"wrapped forbidden", fmt.Errorf("outer: %w", Forbidden("no")), KindForbidden},
		{"untyped", errors.New("boom"), KindInternal},
		{"internal with cause", Internal("db", errors.New("conn reset")), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NotFound("project not found"))
	if !errors.Is(err, NotFound("")) {
		t.Error("expected errors.Is to match by kind")
	}
	if errors.Is(err, Forbidden("")) {
		t.Error("expected different kinds not to match")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("conn reset")
	err := Internal("loading organization", cause)
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable")
	}
	if err.Error() != "loading organization: conn reset" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsKind(t *testing.T) {
	if IsKind(nil, KindInternal) {
		t.Error("nil error should not match any kind")
	}
	if !IsKind(BadRequest("dup"), KindBadRequest) {
		t.Error("expected bad request kind")
	}
}
