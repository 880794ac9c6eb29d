package reconciler_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/volume-attacher/pkg/attachment"
	"git.srvlab.io/whiskey/volume-attacher/pkg/cloud"
	"git.srvlab.io/whiskey/volume-attacher/pkg/cronmount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/hostpath"
	"git.srvlab.io/whiskey/volume-attacher/pkg/mount"
	"git.srvlab.io/whiskey/volume-attacher/pkg/observability"
	"git.srvlab.io/whiskey/volume-attacher/pkg/reconciler"
	"git.srvlab.io/whiskey/volume-attacher/pkg/services"
	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

const (
	volumeID      = "vol-0a1b2c3d"
	instanceID    = "i-0123456789abcdef0"
	otherInstance = "i-0fedcba987654321f"
	rootMountLine = "55 30 253:0 / / rw,relatime shared:1 - ext4 /dev/mapper/vg-root rw\n"
)

// blockDevices stands in for the kernel and blkid: device nodes are files under the
// host root and each carries the signature blkid would report for it
type blockDevices struct {
	paths hostpath.Paths

	mu      sync.Mutex
	content map[string]string
	formats []string
	mounts  map[string]string
}

func newBlockDevices(paths hostpath.Paths) *blockDevices {
	return &blockDevices{paths: paths, content: make(map[string]string), mounts: make(map[string]string)}
}

// plug creates the device node for a blank volume
func (b *blockDevices) plug(device string) {
	b.plugWith(device, "")
}

// plugWith creates the device node for a volume carrying the given signature
func (b *blockDevices) plugWith(device, format string) {
	path := b.paths.Inner(device)
	b.mu.Lock()
	b.content[path] = format
	b.mu.Unlock()
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, nil, 0644)).To(Succeed())
}

func (b *blockDevices) Formats() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.formats...)
}

func (b *blockDevices) Classify(device string) (mount.Signature, error) {
	if _, err := os.Stat(device); err != nil {
		return mount.Signature{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return mount.ClassifyDiskFormat(b.content[device]), nil
}

func (b *blockDevices) Mount(source, target, fsType string, options []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mounts[target] = source
	return nil
}

func (b *blockDevices) Unmount(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.mounts, target)
	// The marker lives on the unmounted filesystem
	_ = os.Remove(filepath.Join(target, hostpath.MarkerFile))
	return nil
}

func (b *blockDevices) IsLikelyMountPoint(path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.mounts[path]
	return ok, nil
}

func (b *blockDevices) Format(device, fsType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.formats = append(b.formats, device)
	b.content[device] = fsType
	return nil
}

// hostCron plays the host's cron: it runs the mount script of the volume once it is
// installed, creating the markers and a mount table entry
type hostCron struct {
	paths     hostpath.Paths
	mountinfo string
	runs      atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
}

func startHostCron(paths hostpath.Paths, mountinfo string) *hostCron {
	ctx, cancel := context.WithCancel(context.Background())
	c := &hostCron{paths: paths, mountinfo: mountinfo, cancel: cancel, done: make(chan struct{})}
	go c.loop(ctx)
	DeferCleanup(c.stop)
	return c
}

func (c *hostCron) stop() {
	c.cancel()
	<-c.done
}

func (c *hostCron) loop(ctx context.Context) {
	defer GinkgoRecover()
	defer close(c.done)

	script := c.paths.Inner(c.paths.ScriptPath(volumeID))
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := os.Stat(script)
		if err != nil || info.Mode().Perm()&0111 == 0 {
			continue
		}
		Expect(os.MkdirAll(c.paths.Inner(c.paths.MountPoint(volumeID)), 0755)).To(Succeed())
		Expect(os.WriteFile(c.paths.Inner(c.paths.MountedMarker(volumeID)), nil, 0644)).To(Succeed())
		appendMount(c.mountinfo, "/dev/xvdb", c.paths.MountPoint(volumeID))
		Expect(os.WriteFile(c.paths.Inner(c.paths.CompletionMarker(volumeID)), nil, 0644)).To(Succeed())
		Expect(os.Remove(script)).To(Succeed())
		c.runs.Add(1)
	}
}

func appendMount(mountinfo, device, target string) {
	f, err := os.OpenFile(mountinfo, os.O_WRONLY|os.O_APPEND, 0)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	_, err = fmt.Fprintf(f, "120 55 202:16 / %s rw,relatime shared:45 - ext4 %s rw\n", target, device)
	Expect(err).NotTo(HaveOccurred())
}

// staticMetadata reports a fixed identity and counts lookups
type staticMetadata struct {
	identity cloud.Identity
	calls    atomic.Int32
}

func (m *staticMetadata) Identity(ctx context.Context) (cloud.Identity, error) {
	m.calls.Add(1)
	return m.identity, nil
}

// harness wires a Runner to in-memory collaborators rooted at a temp directory
type harness struct {
	paths     hostpath.Paths
	mountinfo string

	cloud     *cloud.MockClient
	directory *services.MockDirectory
	devices   *blockDevices
	metadata  *staticMetadata
	metrics   *observability.Metrics

	targets     []services.Target
	mountPoll   utils.PollConfig
	devicePoll  utils.PollConfig
	factoryRuns atomic.Int32
}

func newHarness() *harness {
	root := GinkgoT().TempDir()
	paths := hostpath.New(root)
	Expect(os.MkdirAll(paths.Inner("/etc"), 0755)).To(Succeed())

	mountinfo := filepath.Join(root, "mountinfo")
	Expect(os.WriteFile(mountinfo, []byte(rootMountLine), 0644)).To(Succeed())

	h := &harness{
		paths:     paths,
		mountinfo: mountinfo,
		cloud:     cloud.NewMockClient(),
		directory: services.NewMockDirectory(),
		devices:   newBlockDevices(paths),
		metadata: &staticMetadata{identity: cloud.Identity{
			InstanceID:       instanceID,
			AvailabilityZone: "eu-west-1a",
			Region:           "eu-west-1",
		}},
		metrics:    observability.NewMetrics(),
		mountPoll:  utils.PollConfig{Interval: 2 * time.Millisecond, MaxAttempts: 1000},
		devicePoll: utils.PollConfig{Interval: 2 * time.Millisecond, MaxAttempts: 500},
	}

	h.cloud.AddInstance(&cloud.Instance{ID: instanceID, DeviceNames: []string{"/dev/sda1"}})
	h.cloud.AddInstance(&cloud.Instance{ID: otherInstance, DeviceNames: []string{"/dev/sda1", "/dev/xvdf"}})
	return h
}

// gate configures RESTART_SERVICES-style targets, each registered as running
func (h *harness) gate(targets ...string) []string {
	var uris []string
	for _, t := range targets {
		parsed, err := services.ParseTargets(t)
		Expect(err).NotTo(HaveOccurred())
		h.targets = append(h.targets, parsed...)
		uris = append(uris, h.directory.AddService(parsed[0].Stack, parsed[0].Service, "Running"))
	}
	return uris
}

func (h *harness) newReconciler(ctx context.Context, identity cloud.Identity) (*reconciler.Reconciler, error) {
	h.factoryRuns.Add(1)
	fast := utils.PollConfig{Interval: time.Millisecond, MaxAttempts: 5}
	controller := attachment.NewController(h.cloud, attachment.Config{
		AttachPoll:        fast,
		PassiveDetachPoll: fast,
		PlainDetachPoll:   fast,
		ForcedDetachPoll:  fast,
	}, h.metrics)

	return reconciler.NewReconciler(reconciler.ReconcilerConfig{
		Attacher: controller,
		Tagger:   h.cloud,
		Filesystems: mount.NewProvisioner(h.devices, mount.ProvisionerConfig{
			TempDir:    GinkgoT().TempDir(),
			Classifier: h.devices,
		}, h.metrics),
		HostMounter: cronmount.NewBridge(h.paths, cronmount.Config{Poll: h.mountPoll}, h.metrics),
		MountTable:  mount.NewMountTable(h.mountinfo),
		Paths:       h.paths,
		DevicePoll:  h.devicePoll,
		Metrics:     h.metrics,
	})
}

func (h *harness) runner(volumeName string) *reconciler.Runner {
	r, err := reconciler.NewRunner(reconciler.RunnerConfig{
		VolumeID:        volumeID,
		VolumeName:      volumeName,
		Paths:           h.paths,
		Metadata:        h.metadata,
		Gate:            services.NewGate(h.directory, h.targets, h.metrics),
		NewReconciler:   h.newReconciler,
		SettleDelay:     5 * time.Millisecond,
		MetricsTextfile: filepath.Join(GinkgoT().TempDir(), "volume_attacher.prom"),
		Metrics:         h.metrics,
	})
	Expect(err).NotTo(HaveOccurred())
	return r
}

func (h *harness) mountedMarker() string {
	return h.paths.Inner(h.paths.MountedMarker(volumeID))
}

func (h *harness) detachRequests() []bool {
	var forced []bool
	for _, c := range h.cloud.Calls() {
		if c.Op == cloud.OpDetachVolume {
			forced = append(forced, c.Force)
		}
	}
	return forced
}

// devicePolls returns how often the device node has been checked for
func (h *harness) devicePolls() float64 {
	families, err := h.metrics.Registry().Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, mf := range families {
		if !strings.HasSuffix(mf.GetName(), "poll_attempts_total") {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "site" && l.GetValue() == "device" {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func reconcilerRequest() reconciler.Request {
	return reconciler.Request{InstanceID: instanceID, VolumeID: volumeID}
}
