package utils

import (
	"errors"
	"regexp"
	"strings"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrExhaustedDevicePool indicates every attachable device letter on the instance is in use.
	// Not retried: stale mappings must be cleaned up by an operator.
	ErrExhaustedDevicePool = errors.New("exhausted device pool")

	// ErrAttachTimeout indicates the volume did not report in-use within the attach budget
	ErrAttachTimeout = errors.New("attach timeout")

	// ErrDetachTimeout indicates the volume was still attached after every detach tier
	ErrDetachTimeout = errors.New("detach timeout")

	// ErrDeviceTimeout indicates the attached device node did not appear within its budget
	ErrDeviceTimeout = errors.New("device timeout")

	// ErrMountTimeout indicates the host-side mount script did not report completion in time
	ErrMountTimeout = errors.New("mount timeout")

	// ErrStillAttached is the transient condition polled on while waiting for a detach.
	// It never escapes a detach tier.
	ErrStillAttached = errors.New("volume still attached")

	// ErrNotYetAttached is the transient condition polled on while waiting for an attach
	ErrNotYetAttached = errors.New("volume not yet attached")

	// ErrDeviceNotReady is the transient condition polled on while waiting for the device node
	ErrDeviceNotReady = errors.New("device not yet present")

	// ErrNotMounted is the transient condition polled on while waiting for the mount marker
	ErrNotMounted = errors.New("volume not yet mounted")

	// ErrPollTimeout indicates a polling loop exhausted its attempt budget
	ErrPollTimeout = errors.New("polling budget exhausted")

	// ErrInvalidConfig indicates missing or sentinel configuration values
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidParameter indicates an invalid parameter was provided
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrVolumeNotFound indicates the requested volume does not exist
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrInstanceNotFound indicates the requested instance does not exist
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrServiceNotFound indicates a configured stack.service could not be resolved
	ErrServiceNotFound = errors.New("service not found")
)

var credentialPattern = regexp.MustCompile(`(?i)(authorization|x-amz-security-token|aws_secret_access_key)([=:]\s*)(?:(?:basic|bearer)\s+)?\S+`)

// SanitizeErrorMessage removes credentials from error messages before they are logged.
// Service directory and cloud SDK errors can echo request headers back.
func SanitizeErrorMessage(msg string) string {
	msg = credentialPattern.ReplaceAllString(msg, "$1$2[REDACTED]")
	return strings.TrimSpace(msg)
}
