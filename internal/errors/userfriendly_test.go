package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUserFriendlyError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      UserFriendlyError
		contains []string
	}{
		{
			name:     "message only",
			err:      UserFriendlyError{Message: "something broke"},
			contains: []string{"something broke"},
		},
		{
			name: "all fields",
			err: UserFriendlyError{
				Message: "setup failed",
				Reason:  "daemon down",
				Hint:    "start docker",
				Try:     "docker info",
				Err:     fmt.Errorf("dial unix: connection refused"),
			},
			contains: []string{"setup failed", "Reason: daemon down", "Hint: start docker", "Try: docker info", "Details: dial unix: connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("Error() = %q, want to contain %q", msg, s)
				}
			}
		})
	}
}

func TestUserFriendlyError_ErrorOmitsEmptyFields(t *testing.T) {
	err := UserFriendlyError{Message: "msg"}
	msg := err.Error()
	if strings.Contains(msg, "Reason:") || strings.Contains(msg, "Hint:") || strings.Contains(msg, "Try:") || strings.Contains(msg, "Details:") {
		t.Errorf("Error() = %q, should not contain empty fields", msg)
	}
}

func TestUserFriendlyError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("root cause")
	err := UserFriendlyError{Message: "wrapper", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Unwrap should return the inner error")
	}
}

func TestWrapCatalogError(t *testing.T) {
	if WrapCatalogError(nil, "implementations_quic.json") != nil {
		t.Fatal("expected nil")
	}
	inner := fmt.Errorf("unknown role: peer")
	err := WrapCatalogError(inner, "implementations_quic.json")
	if !errors.Is(err, inner) {
		t.Error("catalog error should wrap the cause")
	}
	var ce CatalogError
	if !errors.As(err, &ce) || ce.Path != "implementations_quic.json" {
		t.Errorf("errors.As(CatalogError) failed: %v", err)
	}
	if !IsFatal(err) {
		t.Error("IsFatal() = false for a catalog error")
	}
}

func TestWrapLauncherError(t *testing.T) {
	err := WrapLauncherError(fmt.Errorf("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"), "docker")
	ufe := err.(UserFriendlyError)
	if ufe.Reason != "Docker daemon is not reachable" {
		t.Errorf("unexpected reason: %q", ufe.Reason)
	}
	if ufe.Try != "docker info" {
		t.Errorf("unexpected try: %q", ufe.Try)
	}

	err = WrapLauncherError(fmt.Errorf("exec: \"./quic-go\": file not found"), "local")
	if got := err.(UserFriendlyError).Reason; got != "Image or executable not found" {
		t.Errorf("unexpected reason: %q", got)
	}
}

func TestWrapProvisioningError(t *testing.T) {
	err := WrapProvisioningError(ProvisioningError{Op: "write file", Err: fmt.Errorf("no space left on device")}, "/tmp")
	if got := err.(UserFriendlyError).Reason; got != "Disk is full" {
		t.Errorf("unexpected reason: %q", got)
	}
	if !IsFatal(err) {
		t.Error("IsFatal() = false for a provisioning error")
	}
}

func TestRunError(t *testing.T) {
	cause := fmt.Errorf("exit status 139")
	err := RunError{Kind: KindCrash, Detail: "server", Err: cause}
	if err.Error() != "crash: server: exit status 139" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("RunError should unwrap to its cause")
	}
	if IsFatal(err) {
		t.Error("IsFatal() = true for a per-run error")
	}
}

func TestWrapConfigError(t *testing.T) {
	if WrapConfigError(nil, "runner.yaml") != nil {
		t.Error("expected nil")
	}
	err := WrapConfigError(fmt.Errorf("invalid yaml"), "runner.yaml")
	ufe := err.(UserFriendlyError)
	if !strings.Contains(ufe.Message, "runner.yaml") {
		t.Errorf("message should contain config path, got %q", ufe.Message)
	}
	if ufe.Reason != "invalid yaml" {
		t.Errorf("reason should be inner error message, got %q", ufe.Reason)
	}
}
