package security

import "time"

// EventCategory represents the category of an audited action
type EventCategory string

const (
	// CategoryVolumeOperation covers attach and detach requests against the cloud API
	CategoryVolumeOperation EventCategory = "volume_operation"

	// CategoryDataAccess covers writes to block devices
	CategoryDataAccess EventCategory = "data_access"

	// CategoryHostChange covers files written into the host root
	CategoryHostChange EventCategory = "host_change"

	// CategoryServiceControl covers stop and redeploy requests sent to the service directory
	CategoryServiceControl EventCategory = "service_control"

	// CategorySecurityViolation covers input rejected before it could reach a shell or the API
	CategorySecurityViolation EventCategory = "security_violation"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// EventOutcome represents the outcome of an event
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
	OutcomeDenied  EventOutcome = "denied"
)

// EventType represents specific kinds of audited actions
type EventType string

const (
	EventAttachRequest        EventType = "attach_request"
	EventDetachRequest        EventType = "detach_request"
	EventForcedDetachRequest  EventType = "forced_detach_request"
	EventFormat               EventType = "format"
	EventCrontabRegistration  EventType = "crontab_registration"
	EventMountScriptInstalled EventType = "mount_script_installed"
	EventServiceStop          EventType = "service_stop"
	EventServiceRedeploy      EventType = "service_redeploy"
	EventValidationFailure    EventType = "validation_failure"
)

// SecurityEvent is one audited action
type SecurityEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Category  EventCategory `json:"category"`
	Severity  EventSeverity `json:"severity"`
	Outcome   EventOutcome  `json:"outcome"`
	Message   string        `json:"message"`

	VolumeID   string `json:"volume_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	DevicePath string `json:"device_path,omitempty"`
	Path       string `json:"path,omitempty"`
	Service    string `json:"service,omitempty"`

	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewSecurityEvent creates a new event stamped with the current time
func NewSecurityEvent(eventType EventType, category EventCategory, severity EventSeverity, message string) *SecurityEvent {
	return &SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Details:   make(map[string]string),
	}
}

// WithOutcome sets the outcome for the event
func (e *SecurityEvent) WithOutcome(outcome EventOutcome) *SecurityEvent {
	e.Outcome = outcome
	return e
}

// WithVolume sets the volume and the instance it is being moved to or from
func (e *SecurityEvent) WithVolume(volumeID, instanceID string) *SecurityEvent {
	e.VolumeID = volumeID
	e.InstanceID = instanceID
	return e
}

// WithDevice sets the device path
func (e *SecurityEvent) WithDevice(device string) *SecurityEvent {
	e.DevicePath = device
	return e
}

// WithPath sets the file that was written
func (e *SecurityEvent) WithPath(path string) *SecurityEvent {
	e.Path = path
	return e
}

// WithService sets the service name
func (e *SecurityEvent) WithService(service string) *SecurityEvent {
	e.Service = service
	return e
}

// WithError records err and marks the event failed. Credentials are redacted.
func (e *SecurityEvent) WithError(err error) *SecurityEvent {
	if err != nil {
		e.Error = sanitize(err)
		e.Outcome = OutcomeFailure
	}
	return e
}

// WithDetail adds a custom detail field
func (e *SecurityEvent) WithDetail(key, value string) *SecurityEvent {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
