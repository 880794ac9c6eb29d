package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Shell metacharacters that could be used for command injection
var dangerousCharacters = []string{
	";",    // Command separator
	"|",    // Pipe
	"&",    // Background/AND
	"$",    // Variable expansion
	"`",    // Command substitution
	"(",    // Subshell
	")",    // Subshell
	"<",    // Input redirection
	">",    // Output redirection
	"\n",   // Newline (command separator)
	"\r",   // Carriage return
	"*",    // Glob wildcard
	"?",    // Glob wildcard
	"[",    // Glob wildcard
	"]",    // Glob wildcard
	"'",    // String delimiter (can break out of quotes)
	"\"",   // String delimiter (can break out of quotes)
	"\\",   // Escape character
	"\t",   // Tab (can cause parsing issues)
	" ",    // Word splitting
	"\x00", // Null byte
}

var (
	// EBS volume IDs: vol- followed by 8 or 17 hex characters
	volumeIDPattern = regexp.MustCompile(`^vol-[0-9a-f]{8}([0-9a-f]{9})?$`)

	// EC2 instance IDs: i- followed by 8 or 17 hex characters
	instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8}([0-9a-f]{9})?$`)

	// run-parts only executes names made of [A-Za-z0-9_-]
	runPartsNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateShellSafe rejects values containing shell metacharacters.
// Anything interpolated into the host mount script must pass this check.
func ValidateShellSafe(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidParameter, field)
	}
	for _, char := range dangerousCharacters {
		if strings.Contains(value, char) {
			return fmt.Errorf("%w: %s contains dangerous character %q: %q", ErrInvalidParameter, field, char, value)
		}
	}
	return nil
}

// ValidateVolumeID validates an EBS volume identifier.
// The ID doubles as a run-parts script name and a host directory name.
func ValidateVolumeID(volumeID string) error {
	if err := ValidateShellSafe("volume ID", volumeID); err != nil {
		return err
	}
	if !runPartsNamePattern.MatchString(volumeID) {
		return fmt.Errorf("%w: volume ID %q is not a valid run-parts name", ErrInvalidParameter, volumeID)
	}
	if !volumeIDPattern.MatchString(volumeID) {
		return fmt.Errorf("%w: volume ID %q does not match vol-<hex>", ErrInvalidParameter, volumeID)
	}
	return nil
}

// ValidateInstanceID validates an EC2 instance identifier
func ValidateInstanceID(instanceID string) error {
	if !instanceIDPattern.MatchString(instanceID) {
		return fmt.Errorf("%w: instance ID %q does not match i-<hex>", ErrInvalidParameter, instanceID)
	}
	return nil
}

// ValidateDevicePath validates a block device path such as /dev/xvdf
func ValidateDevicePath(device string) error {
	if err := ValidateShellSafe("device path", device); err != nil {
		return err
	}
	if filepath.Clean(device) != device {
		return fmt.Errorf("%w: device path contains traversal sequences: %s", ErrInvalidParameter, device)
	}
	if !strings.HasPrefix(device, "/dev/") || len(device) == len("/dev/") {
		return fmt.Errorf("%w: device path must be under /dev: %s", ErrInvalidParameter, device)
	}
	return nil
}

// SanitizeBasePath validates and sanitizes a base path
// This should be called when setting up the base path from configuration
func SanitizeBasePath(basePath string) (string, error) {
	if basePath == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	// Check for double slashes BEFORE cleaning (filepath.Clean normalizes them)
	if strings.Contains(basePath, "//") {
		return "", fmt.Errorf("base path contains double slashes: %s", basePath)
	}

	cleanPath := filepath.Clean(basePath)

	if !filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("base path must be absolute: %s", basePath)
	}

	for _, char := range dangerousCharacters {
		if strings.Contains(cleanPath, char) {
			return "", fmt.Errorf("base path contains dangerous character %q: %s", char, cleanPath)
		}
	}

	return cleanPath, nil
}
