package cloud

import (
	"context"
	"fmt"
	"sync"

	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// Operation names recorded by MockClient
const (
	OpDescribeVolume   = "DescribeVolume"
	OpDescribeInstance = "DescribeInstance"
	OpAttachVolume     = "AttachVolume"
	OpDetachVolume     = "DetachVolume"
	OpTagVolumeName    = "TagVolumeName"
)

// Call is a recorded MockClient invocation
type Call struct {
	Op         string
	VolumeID   string
	InstanceID string
	Device     string
	Force      bool
}

// pendingTransition is a state change that becomes visible after a number of reloads
type pendingTransition struct {
	remaining int
	apply     func(v *Volume)
}

// MockClient is an in-memory implementation of Client for testing.
// Requested transitions converge after ConvergeAfter volume reloads, mimicking the
// eventually-consistent behavior of the real API.
type MockClient struct {
	mu        sync.Mutex
	volumes   map[string]*Volume
	instances map[string]*Instance
	pending   map[string]*pendingTransition
	calls     []Call
	errors    map[string]error

	// ConvergeAfter is the number of DescribeVolume calls before a requested
	// attach/detach becomes visible (0 = immediately)
	ConvergeAfter int

	// IgnorePlainDetach makes non-forced detach requests have no effect
	IgnorePlainDetach bool

	// IgnoreForceDetach makes forced detach requests have no effect
	IgnoreForceDetach bool

	// IgnoreAttach makes attach requests have no effect
	IgnoreAttach bool
}

// NewMockClient creates a new MockClient for testing
func NewMockClient() *MockClient {
	return &MockClient{
		volumes:   make(map[string]*Volume),
		instances: make(map[string]*Instance),
		pending:   make(map[string]*pendingTransition),
		errors:    make(map[string]error),
	}
}

// AddVolume adds a volume to the mock (test helper)
func (m *MockClient) AddVolume(v *Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[v.ID] = copyVolume(v)
}

// AddInstance adds an instance to the mock (test helper)
func (m *MockClient) AddInstance(i *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[i.ID] = &Instance{ID: i.ID, DeviceNames: append([]string(nil), i.DeviceNames...)}
}

// SetError makes every call to op fail with err; nil clears it (test helper)
func (m *MockClient) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, op)
		return
	}
	m.errors[op] = err
}

// DetachAfterReloads schedules a detach no caller requested, becoming visible after
// n volume reloads. Models the owning instance releasing the volume on its own.
func (m *MockClient) DetachAfterReloads(volumeID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[volumeID] = &pendingTransition{remaining: n, apply: m.detachLocked}
}

// Calls returns a copy of all recorded calls
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many times op was invoked
func (m *MockClient) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Volume returns a snapshot of the volume without recording a call (test helper)
func (m *MockClient) Volume(volumeID string) (*Volume, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return nil, false
	}
	return copyVolume(v), true
}

// DescribeVolume implements Client
func (m *MockClient) DescribeVolume(ctx context.Context, volumeID string) (*Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpDescribeVolume, VolumeID: volumeID})
	if err := m.errors[OpDescribeVolume]; err != nil {
		return nil, err
	}

	v, ok := m.volumes[volumeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, volumeID)
	}

	if p, ok := m.pending[volumeID]; ok {
		p.remaining--
		if p.remaining <= 0 {
			p.apply(v)
			delete(m.pending, volumeID)
		}
	}

	return copyVolume(v), nil
}

// DescribeInstance implements Client
func (m *MockClient) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpDescribeInstance, InstanceID: instanceID})
	if err := m.errors[OpDescribeInstance]; err != nil {
		return nil, err
	}

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrInstanceNotFound, instanceID)
	}
	return &Instance{ID: inst.ID, DeviceNames: append([]string(nil), inst.DeviceNames...)}, nil
}

// AttachVolume implements Client
func (m *MockClient) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpAttachVolume, VolumeID: volumeID, InstanceID: instanceID, Device: device})
	if err := m.errors[OpAttachVolume]; err != nil {
		return err
	}

	v, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, volumeID)
	}
	if owner, attached := v.Owner(); attached {
		return fmt.Errorf("VolumeInUse: %s is already attached to %s", volumeID, owner)
	}
	if m.IgnoreAttach {
		return nil
	}

	apply := func(v *Volume) {
		v.State = VolumeStateInUse
		v.Attachments = []Attachment{{InstanceID: instanceID, Device: device, State: "attached"}}
		if inst, ok := m.instances[instanceID]; ok {
			inst.DeviceNames = append(inst.DeviceNames, device)
		}
	}
	m.schedule(volumeID, v, apply)
	return nil
}

// DetachVolume implements Client
func (m *MockClient) DetachVolume(ctx context.Context, volumeID, instanceID, device string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpDetachVolume, VolumeID: volumeID, InstanceID: instanceID, Device: device, Force: force})
	if err := m.errors[OpDetachVolume]; err != nil {
		return err
	}

	v, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, volumeID)
	}
	if (force && m.IgnoreForceDetach) || (!force && m.IgnorePlainDetach) {
		return nil
	}
	m.schedule(volumeID, v, m.detachLocked)
	return nil
}

// TagVolumeName implements Client
func (m *MockClient) TagVolumeName(ctx context.Context, volumeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: OpTagVolumeName, VolumeID: volumeID})
	if err := m.errors[OpTagVolumeName]; err != nil {
		return err
	}

	v, ok := m.volumes[volumeID]
	if !ok {
		return fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, volumeID)
	}
	v.Name = name
	return nil
}

// schedule applies a transition now or after ConvergeAfter reloads. Caller holds m.mu.
func (m *MockClient) schedule(volumeID string, v *Volume, apply func(v *Volume)) {
	if m.ConvergeAfter <= 0 {
		apply(v)
		delete(m.pending, volumeID)
		return
	}
	m.pending[volumeID] = &pendingTransition{remaining: m.ConvergeAfter, apply: apply}
}

// detachLocked clears the volume's attachment. Caller holds m.mu.
func (m *MockClient) detachLocked(v *Volume) {
	for _, a := range v.Attachments {
		if inst, ok := m.instances[a.InstanceID]; ok {
			kept := inst.DeviceNames[:0]
			for _, d := range inst.DeviceNames {
				if d != a.Device {
					kept = append(kept, d)
				}
			}
			inst.DeviceNames = kept
		}
	}
	v.Attachments = nil
	v.State = VolumeStateAvailable
}

func copyVolume(v *Volume) *Volume {
	out := *v
	out.Attachments = append([]Attachment(nil), v.Attachments...)
	return &out
}
