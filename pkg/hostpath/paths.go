// Package hostpath maps well-known host filesystem locations into this process's view.
//
// The attacher runs in a container with the host root filesystem bind-mounted at a prefix
// (default /host_root). Host paths (what the host's cron and mount see) and inner paths
// (what this process opens) differ only by that prefix.
package hostpath

import (
	"path/filepath"
)

const (
	// DefaultRoot is where the host root filesystem is mounted inside the container
	DefaultRoot = "/host_root"

	// VolumesDir is the host directory volumes are mounted under
	VolumesDir = "/volumes"

	// AutomountDir is the host directory run-parts executes every minute
	AutomountDir = "/volumes/automount"

	// CronTable is the host system crontab
	CronTable = "/etc/crontab"

	// MarkerFile is written inside a volume's filesystem once it has been mounted on the host
	MarkerFile = ".mounted"

	// registrationMarker records that the run-parts line has been added to the crontab
	registrationMarker = ".registered"

	// completionPrefix prefixes the per-volume completion marker in AutomountDir
	completionPrefix = ".mounted-"
)

// Paths resolves host paths relative to the host root prefix
type Paths struct {
	// Root is the host root prefix; "" or "/" means this process runs in the host namespace
	Root string
}

// New returns Paths for root
func New(root string) Paths {
	return Paths{Root: root}
}

// Inner returns the in-container path of a host path
func (p Paths) Inner(hostPath string) string {
	if p.Root == "" {
		return filepath.Clean(hostPath)
	}
	return filepath.Join(p.Root, hostPath)
}

// MountPoint returns the host path volumeID is mounted at
func (p Paths) MountPoint(volumeID string) string {
	return filepath.Join(VolumesDir, volumeID)
}

// MountedMarker returns the host path of the marker inside the mounted volume
func (p Paths) MountedMarker(volumeID string) string {
	return filepath.Join(p.MountPoint(volumeID), MarkerFile)
}

// ScriptPath returns the host path of the volume's run-parts script.
// run-parts ignores names containing dots, so the script is named after the bare volume ID.
func (p Paths) ScriptPath(volumeID string) string {
	return filepath.Join(AutomountDir, volumeID)
}

// CompletionMarker returns the host path the script touches when it has mounted the volume
func (p Paths) CompletionMarker(volumeID string) string {
	return filepath.Join(AutomountDir, completionPrefix+volumeID)
}

// RegistrationMarker returns the host path recording crontab registration
func (p Paths) RegistrationMarker() string {
	return filepath.Join(AutomountDir, registrationMarker)
}
