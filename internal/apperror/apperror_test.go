package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("claiming username: %w", NameTaken("nova"))
	if !errors.Is(err, ErrNameTaken) {
		t.Error("wrapped AppError lost its sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("matched the wrong sentinel")
	}
}

func TestMessages(t *testing.T) {
	if got := NotFound("thread", "categories/general/threads/t1").Error(); got != "thread not found at categories/general/threads/t1" {
		t.Errorf("unexpected message %q", got)
	}
	if got := NameTaken("nova").Error(); got != `name "nova" is already claimed` {
		t.Errorf("unexpected message %q", got)
	}
}

func TestValidationCarriesField(t *testing.T) {
	err := ValidationFailed("username", "too short")
	if err.Field != "username" {
		t.Errorf("expected field username, got %q", err.Field)
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("validation error lost its sentinel")
	}
}

func TestStoreUnavailableKeepsCauseText(t *testing.T) {
	cause := errors.New("connection refused")
	err := StoreUnavailable("read users/u1", cause)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Error("store error lost its sentinel")
	}
	want := "store unavailable during read users/u1: connection refused"
	if err.Error() != want {
		t.Errorf("unexpected message %q", err.Error())
	}
}
