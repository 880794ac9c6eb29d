package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

const sampleMountinfo = `36 35 0:34 / /sys/fs/cgroup/memory rw,nosuid,nodev,noexec,relatime - cgroup cgroup rw,memory
48 27 8:1 / /boot rw,relatime - ext4 /dev/sda1 rw
55 30 253:0 / / rw,relatime shared:1 - ext4 /dev/mapper/vg-root rw
120 55 202:80 / /volumes/vol-0a1b2c3d rw,relatime shared:45 master:1 - ext4 /dev/xvdf rw
`

func writeMountinfo(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write mountinfo file: %v", err)
	}
	return path
}

// staticTable is a MountTable over a fixed slice
type staticTable []MountInfo

func (s staticTable) Mounts(ctx context.Context) ([]MountInfo, error) {
	return s, nil
}

func TestMountTable_ParsesFile(t *testing.T) {
	path := writeMountinfo(t, sampleMountinfo)

	mounts, err := NewMountTable(path).Mounts(context.Background())
	if err != nil {
		t.Fatalf("Mounts failed: %v", err)
	}

	expected := []MountInfo{
		{Source: "cgroup", Target: "/sys/fs/cgroup/memory", FSType: "cgroup", Options: "rw,nosuid,nodev,noexec,relatime"},
		{Source: "/dev/sda1", Target: "/boot", FSType: "ext4", Options: "rw,relatime"},
		{Source: "/dev/mapper/vg-root", Target: "/", FSType: "ext4", Options: "rw,relatime"},
		{Source: "/dev/xvdf", Target: "/volumes/vol-0a1b2c3d", FSType: "ext4", Options: "rw,relatime"},
	}

	if len(mounts) != len(expected) {
		t.Fatalf("Expected %d mounts, got %d: %+v", len(expected), len(mounts), mounts)
	}
	for i := range expected {
		if mounts[i] != expected[i] {
			t.Errorf("Mount %d: expected %+v, got %+v", i, expected[i], mounts[i])
		}
	}
}

func TestMountTable_MissingFile(t *testing.T) {
	_, err := NewMountTable("/nonexistent/mountinfo").Mounts(context.Background())
	if err == nil {
		t.Error("Expected error for missing mountinfo file")
	}
}

func TestMountTable_TimesOutOnBlockedRead(t *testing.T) {
	// Opening a FIFO for reading blocks until a writer appears
	fifo := filepath.Join(t.TempDir(), "mountinfo")
	if err := unix.Mkfifo(fifo, 0600); err != nil {
		t.Skipf("mkfifo unsupported: %v", err)
	}
	t.Cleanup(func() {
		// Release the blocked reader
		if f, err := os.OpenFile(fifo, os.O_WRONLY, 0); err == nil {
			f.Close()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMountTable(fifo).Mounts(ctx)
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected timeout error message, got: %v", err)
	}
}

func TestMountTable_RealSystem(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if runtime.GOOS != "linux" {
		t.Skip("skipping test on non-Linux system (requires /proc/self/mountinfo)")
	}

	mounts, err := NewMountTable("").Mounts(context.Background())
	if err != nil {
		t.Fatalf("Mounts failed: %v", err)
	}
	if len(mounts) == 0 {
		t.Error("Expected at least one mount, got zero")
	}
}

func TestMountTable_EscapedPaths(t *testing.T) {
	testCases := []struct {
		name     string
		line     string
		expected MountInfo
	}{
		{
			name:     "space in mount path",
			line:     `100 50 8:1 / /mnt/my\040data rw,relatime - ext4 /dev/sdb1 rw`,
			expected: MountInfo{Source: "/dev/sdb1", Target: "/mnt/my data", FSType: "ext4", Options: "rw,relatime"},
		},
		{
			name:     "tab in source",
			line:     `101 50 8:2 / /mnt/normal rw,relatime - ext4 /dev/sd\011b2 rw`,
			expected: MountInfo{Source: "/dev/sd\tb2", Target: "/mnt/normal", FSType: "ext4", Options: "rw,relatime"},
		},
		{
			name:     "backslash in path",
			line:     `102 50 8:3 / /mnt/test\134path rw,relatime - ext4 /dev/sdb3 rw`,
			expected: MountInfo{Source: "/dev/sdb3", Target: `/mnt/test\path`, FSType: "ext4", Options: "rw,relatime"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeMountinfo(t, tc.line+"\n")
			mounts, err := NewMountTable(path).Mounts(context.Background())
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(mounts) != 1 || mounts[0] != tc.expected {
				t.Errorf("Expected [%+v], got %+v", tc.expected, mounts)
			}
		})
	}
}

func TestMountTable_MalformedFile(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{name: "too few fields", content: "36 35 0:34 /\n"},
		{name: "missing separator", content: "36 35 0:34 / /sys/fs/cgroup rw,relatime cgroup cgroup rw x\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeMountinfo(t, tc.content)
			if _, err := NewMountTable(path).Mounts(context.Background()); err == nil {
				t.Error("Expected error for malformed mountinfo, got nil")
			}
		})
	}
}

func TestDeviceMountTargets(t *testing.T) {
	table := staticTable{
		{Source: "/dev/sda1", Target: "/boot"},
		{Source: "/dev/xvdf", Target: "/volumes/vol-0a1b2c3d"},
		{Source: "/dev/xvdf", Target: "/mnt/elsewhere"},
	}

	targets, err := DeviceMountTargets(context.Background(), table, "/dev/xvdf")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(targets) != 2 || targets[0] != "/volumes/vol-0a1b2c3d" || targets[1] != "/mnt/elsewhere" {
		t.Errorf("Unexpected targets: %v", targets)
	}

	targets, err = DeviceMountTargets(context.Background(), table, "/dev/xvdg")
	if err != nil || targets != nil {
		t.Errorf("Expected no targets for an unmounted device, got %v, %v", targets, err)
	}
}

func TestIsDeviceMounted(t *testing.T) {
	table := staticTable{
		{Source: "/dev/sda1", Target: "/boot"},
		{Source: "/dev/xvdf", Target: "/volumes/vol-0a1b2c3d"},
	}

	tests := []struct {
		device string
		want   bool
	}{
		{device: "/dev/xvdf", want: true},
		{device: "/dev/xvdg", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			got, err := IsDeviceMounted(context.Background(), table, tt.device)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsDeviceMounted(%s) = %v, want %v", tt.device, got, tt.want)
			}
		})
	}
}

func TestIsDeviceMounted_ResolvesSymlink(t *testing.T) {
	dir := t.TempDir()
	kernelName := filepath.Join(dir, "nvme1n1")
	requested := filepath.Join(dir, "xvdf")
	if err := os.WriteFile(kernelName, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(kernelName, requested); err != nil {
		t.Fatal(err)
	}

	table := staticTable{{Source: kernelName, Target: "/volumes/vol-0a1b2c3d"}}
	got, err := IsDeviceMounted(context.Background(), table, requested)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got {
		t.Error("Expected the kernel name of a symlinked device to match")
	}
}

func TestDetectDuplicateMounts(t *testing.T) {
	var mounts []MountInfo
	for i := 0; i < 50; i++ {
		mounts = append(mounts, MountInfo{Source: "/dev/good"})
	}
	for i := 0; i < MaxDuplicateMountsPerDevice; i++ {
		mounts = append(mounts, MountInfo{Source: "/dev/storm"})
	}

	count, err := DetectDuplicateMounts(mounts, "/dev/good")
	if err != nil {
		t.Errorf("Expected no error for /dev/good, got: %v", err)
	}
	if count != 50 {
		t.Errorf("Expected count 50, got %d", count)
	}

	count, err = DetectDuplicateMounts(mounts, "/dev/storm")
	if err == nil {
		t.Fatal("Expected error at threshold")
	}
	if count != MaxDuplicateMountsPerDevice {
		t.Errorf("Expected count %d, got %d", MaxDuplicateMountsPerDevice, count)
	}
	if !errors.Is(err, ErrMountStorm) {
		t.Errorf("Expected ErrMountStorm, got: %v", err)
	}

	if _, err := IsDeviceMounted(context.Background(), staticTable(mounts), "/dev/storm"); !errors.Is(err, ErrMountStorm) {
		t.Errorf("IsDeviceMounted should surface the mount storm, got: %v", err)
	}
}

func TestConvertMobyMount(t *testing.T) {
	converted := ConvertMobyMount(&mountinfo.Info{
		Source:     "/dev/nvme1n1",
		Mountpoint: "/volumes/vol-0a1b2c3d",
		FSType:     "ext4",
		Options:    "rw,relatime",
	})
	want := MountInfo{Source: "/dev/nvme1n1", Target: "/volumes/vol-0a1b2c3d", FSType: "ext4", Options: "rw,relatime"}
	if converted != want {
		t.Errorf("Expected %+v, got %+v", want, converted)
	}
}
