package model

import (
	"errors"
	"testing"
)

func TestRuntimeKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Runtime("fetch installation token", cause)

	if err.Reason != "fetch installation token" {
		t.Errorf("Reason = %q", err.Reason)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through errors.Is")
	}
	if got := err.Error(); got != "runtime failure: fetch installation token: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestRuntimefFormatsReason(t *testing.T) {
	err := Runtimef("container exited with code %d", 137)
	if err.Reason != "container exited with code 137" {
		t.Errorf("Reason = %q", err.Reason)
	}
	if err.Err != nil {
		t.Errorf("Err = %v, want nil", err.Err)
	}
}
