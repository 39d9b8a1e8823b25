package errors

import (
	"fmt"
	"strings"
)

// UserFriendlyError provides user-friendly error messages with context and hints
type UserFriendlyError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e UserFriendlyError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Message)
	if e.Reason != "" {
		buf.WriteString("\n  Reason: " + e.Reason)
	}
	if e.Hint != "" {
		buf.WriteString("\n  Hint: " + e.Hint)
	}
	if e.Try != "" {
		buf.WriteString("\n  Try: " + e.Try)
	}
	if e.Err != nil {
		buf.WriteString("\n  Details: " + e.Err.Error())
	}
	return buf.String()
}

func (e UserFriendlyError) Unwrap() error {
	return e.Err
}

// WrapConfigError wraps configuration errors with user-friendly context
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Configuration error in %s", configPath),
		Reason:  err.Error(),
		Hint:    "The runner config is YAML; every key is optional and unknown keys are rejected",
		Try:     fmt.Sprintf("interop list --config %s", configPath),
		Err:     err,
	}
}

// WrapCatalogError wraps implementation catalog errors with user-friendly context
func WrapCatalogError(err error, catalogPath string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Cannot load implementation catalog %s", catalogPath),
		Reason:  err.Error(),
		Hint:    "Each entry needs an image, a url and a role of server, client or both",
		Try:     fmt.Sprintf("interop list --implementations %s", catalogPath),
		Err:     CatalogError{Path: catalogPath, Err: err},
	}
}

// WrapLauncherError wraps errors from the container runtime or process backend
func WrapLauncherError(err error, backend string) error {
	if err == nil {
		return nil
	}

	hint := "Check that the endpoint executables exist and are executable"
	try := "interop run --launcher local --parallel 1"
	if backend == "docker" {
		hint = "The Docker daemon must be reachable (DOCKER_HOST) and the simulator image pulled"
		try = "docker info"
	}
	return UserFriendlyError{
		Message: fmt.Sprintf("The %s launcher could not be set up", backend),
		Reason:  extractLauncherReason(err),
		Hint:    hint,
		Try:     try,
		Err:     err,
	}
}

// WrapProvisioningError wraps workload and certificate generation errors
func WrapProvisioningError(err error, dir string) error {
	if err == nil {
		return nil
	}

	return UserFriendlyError{
		Message: fmt.Sprintf("Cannot provision run environment under %s", dir),
		Reason:  extractProvisioningReason(err),
		Hint:    "Provisioning failures abort the whole sweep",
		Try:     "Set scratch_dir in the runner config to a writable directory with free space",
		Err:     err,
	}
}

func extractLauncherReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "Cannot connect to the Docker daemon") || strings.Contains(errStr, "connection refused") {
		return "Docker daemon is not reachable"
	}
	if strings.Contains(errStr, "permission denied") {
		return "Permission denied while talking to the container runtime"
	}
	if strings.Contains(errStr, "No such image") || strings.Contains(errStr, "not found") {
		return "Image or executable not found"
	}

	return "Launcher setup failed"
}

func extractProvisioningReason(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "no space left") {
		return "Disk is full"
	}
	if strings.Contains(errStr, "permission denied") {
		return "Scratch directory is not writable"
	}
	if strings.Contains(errStr, "certs") {
		return "Certificate chain generation failed"
	}

	return "Workload generation failed"
}
