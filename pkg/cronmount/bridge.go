// Package cronmount hands a device mount over to the host.
//
// A container cannot mount into the host mount namespace, so the bridge writes a
// one-shot script into a directory the host's cron runs through run-parts every minute.
// The script mounts the device, touches a completion marker and deletes itself; the
// bridge polls for the marker.
package cronmount

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/hostpath"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/security"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// RegistrationLine is appended to the host crontab once
const RegistrationLine = "* *    * * *   root    cd / && run-parts --report " + hostpath.AutomountDir

// DefaultPollInterval is how often the completion marker is checked
const DefaultPollInterval = 2 * time.Second

// Config holds the bridge's polling budget
type Config struct {
	// Poll bounds the wait for the completion marker; cron runs once a minute,
	// so the window should cover at least two runs
	Poll utils.PollConfig
}

// DefaultConfig returns a 120s budget polled every 2s
func DefaultConfig() Config {
	return Config{Poll: utils.PollWindow(120*time.Second, DefaultPollInterval)}
}

// Job is the host-side mount request for one volume. All paths are host paths.
type Job struct {
	VolumeID         string
	Device           string
	MountPoint       string
	MountedMarker    string
	ScriptPath       string
	CompletionMarker string
}

var scriptTemplate = template.Must(template.New("automount").Parse(`#!/bin/sh
# Mounts {{.VolumeID}} for volume-attacher, then removes itself.
set -e
mkdir -p {{.MountPoint}}
mountpoint -q {{.MountPoint}} || mount {{.Device}} {{.MountPoint}}
touch {{.MountedMarker}}
touch {{.CompletionMarker}}
rm -f {{.ScriptPath}}
`))

// Bridge writes and waits for host mount jobs
type Bridge struct {
	paths   hostpath.Paths
	cfg     Config
	metrics *observability.Metrics
}

// NewBridge creates a Bridge. metrics may be nil.
func NewBridge(paths hostpath.Paths, cfg Config, metrics *observability.Metrics) *Bridge {
	return &Bridge{paths: paths, cfg: cfg, metrics: metrics}
}

// NewJob validates device and volumeID and builds the job for them
func (b *Bridge) NewJob(device, volumeID string) (Job, error) {
	if err := utils.ValidateDevicePath(device); err != nil {
		return Job{}, err
	}
	if err := utils.ValidateVolumeID(volumeID); err != nil {
		return Job{}, err
	}
	return Job{
		VolumeID:         volumeID,
		Device:           device,
		MountPoint:       b.paths.MountPoint(volumeID),
		MountedMarker:    b.paths.MountedMarker(volumeID),
		ScriptPath:       b.paths.ScriptPath(volumeID),
		CompletionMarker: b.paths.CompletionMarker(volumeID),
	}, nil
}

// Script renders the shell script for job
func Script(job Job) (string, error) {
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, job); err != nil {
		return "", fmt.Errorf("failed to render mount script: %w", err)
	}
	return buf.String(), nil
}

// EnsureCronMount asks the host to mount device at /volumes/<volumeID> and waits
// for it to report completion.
//
// Safe to re-run: registration happens once, a stale completion marker is removed
// and the script is replaced atomically. Returns an error wrapping ErrMountTimeout if
// the host did not run the script within the poll budget.
func (b *Bridge) EnsureCronMount(ctx context.Context, device, volumeID string) error {
	start := time.Now()
	err := b.ensureCronMount(ctx, device, volumeID)
	b.metrics.RecordCronMount(err, time.Since(start))
	return err
}

func (b *Bridge) ensureCronMount(ctx context.Context, device, volumeID string) error {
	job, err := b.NewJob(device, volumeID)
	if err != nil {
		return err
	}

	if err := b.ensureRegistered(); err != nil {
		return err
	}

	if err := os.MkdirAll(b.paths.Inner(job.MountPoint), 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", job.MountPoint, err)
	}

	marker := b.paths.Inner(job.CompletionMarker)
	if err := os.Remove(marker); err == nil {
		klog.V(2).Infof("Removed stale completion marker %s", job.CompletionMarker)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale completion marker: %w", err)
	}

	if err := b.writeScript(job); err != nil {
		return err
	}
	klog.V(2).Infof("Deferred mount of %s at %s to host cron, waiting up to %s",
		device, job.MountPoint, b.cfg.Poll.Window())

	err = utils.Poll(ctx, b.cfg.Poll, utils.IsCondition(utils.ErrNotMounted), func(ctx context.Context) error {
		_, err := os.Stat(marker)
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", utils.ErrNotMounted, job.CompletionMarker)
		}
		return err
	})
	if errors.Is(err, utils.ErrPollTimeout) {
		return fmt.Errorf("%w: host did not mount %s within %s: %w",
			utils.ErrMountTimeout, volumeID, b.cfg.Poll.Window(), err)
	}
	if err != nil {
		return err
	}

	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Failed to remove completion marker %s: %v", job.CompletionMarker, err)
	}
	klog.V(2).Infof("Host mounted %s at %s", device, job.MountPoint)
	return nil
}

// ensureRegistered creates the automount directory and adds the run-parts line to the
// host crontab exactly once
func (b *Bridge) ensureRegistered() error {
	dir := b.paths.Inner(hostpath.AutomountDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create automount directory: %w", err)
	}

	registered := b.paths.Inner(b.paths.RegistrationMarker())
	if _, err := os.Stat(registered); err == nil {
		return nil
	}

	crontab := b.paths.Inner(hostpath.CronTable)
	present, err := crontabHasLine(crontab, RegistrationLine)
	if err != nil {
		return err
	}
	if !present {
		err = appendLine(crontab, RegistrationLine)
		security.GetLogger().LogHostChange(security.EventCrontabRegistration, hostpath.CronTable, err)
		if err != nil {
			return err
		}
		klog.V(2).Infof("Registered %s in %s", hostpath.AutomountDir, hostpath.CronTable)
	}

	if err := os.WriteFile(registered, nil, 0644); err != nil {
		return fmt.Errorf("failed to write registration marker: %w", err)
	}
	return nil
}

// crontabHasLine reports whether path contains line, ignoring whitespace differences
func crontabHasLine(path, line string) (bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read crontab: %w", err)
	}
	defer f.Close()

	want := strings.Join(strings.Fields(line), " ")
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Join(strings.Fields(scanner.Text()), " ") == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// appendLine appends line to path, first terminating an unterminated last line
func appendLine(path, line string) error {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read crontab: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open crontab: %w", err)
	}
	defer f.Close()

	entry := line + "\n"
	if len(data) > 0 && data[len(data)-1] != '\n' {
		entry = "\n" + entry
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("failed to append to crontab: %w", err)
	}
	return nil
}

// writeScript replaces the job's script atomically. The temp name contains a dot,
// so run-parts never executes a half-written file.
func (b *Bridge) writeScript(job Job) error {
	script, err := Script(job)
	if err != nil {
		return err
	}

	target := b.paths.Inner(job.ScriptPath)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+job.VolumeID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create mount script: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write mount script: %w", err)
	}
	if err := tmp.Chmod(0755); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to make mount script executable: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync mount script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close mount script: %w", err)
	}

	err = os.Rename(tmpName, target)
	security.GetLogger().LogHostChange(security.EventMountScriptInstalled, job.ScriptPath, err)
	if err != nil {
		return fmt.Errorf("failed to install mount script: %w", err)
	}
	klog.V(4).Infof("Installed mount script %s", job.ScriptPath)
	klog.V(5).Infof("Mount script for %s:\n%s", job.VolumeID, script)
	return nil
}
