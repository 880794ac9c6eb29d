// Package mount provides block device signature detection, formatting and mount operations,
// and reading of mount tables.
//
// # Logging Verbosity Convention
//
// This package follows Kubernetes logging conventions for verbosity levels:
//
//   - V(0): Always visible - programmer errors, panics
//   - V(2): Production default - operation outcomes, state changes
//     Examples: "Device /dev/xvdf is blank, creating ext4 filesystem", "Unmounted /path"
//   - V(4): Debug level - intermediate steps, parameters, diagnostics
//     Examples: "Classified /dev/xvdf: kind=raw", "mount(2) source=... flags=0x0"
//   - V(5): Trace level - command output, parsing details
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
//
// Production deployments use V(2) by default. Set --v=4 for troubleshooting.
package mount
