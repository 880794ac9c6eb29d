package security

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/volume-attacher/pkg/utils"
)

// Logger writes an audit trail of every action that changes state outside this process
type Logger struct {
	// observe, when set, receives every event after it is logged (tests)
	observe func(*SecurityEvent)
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the process-wide audit logger
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = NewLogger()
	})
	return globalLogger
}

// NewLogger creates a new audit logger
func NewLogger() *Logger {
	return &Logger{}
}

// severityMap maps EventSeverity to the klog function used for it
var severityMap = map[EventSeverity]func(args ...interface{}){
	SeverityInfo:     func(args ...interface{}) { klog.V(2).Info(args...) },
	SeverityWarning:  klog.Warning,
	SeverityError:    klog.Error,
	SeverityCritical: klog.Error,
}

// LogEvent logs an event as a single key=value line
func (l *Logger) LogEvent(event *SecurityEvent) {
	logFunc, ok := severityMap[event.Severity]
	if !ok {
		logFunc = severityMap[SeverityInfo]
	}
	logFunc(formatLogMessage(event))

	// Critical events are also emitted as JSON for log shippers
	if event.Severity == SeverityCritical {
		if data, err := json.Marshal(event); err == nil {
			klog.Errorf("CRITICAL_AUDIT_EVENT: %s", data)
		}
	}

	if l.observe != nil {
		l.observe(event)
	}
}

func formatLogMessage(event *SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[AUDIT] category=%s type=%s severity=%s outcome=%s msg=%q",
		event.Category, event.EventType, event.Severity, event.Outcome, event.Message)

	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, " %s=%s", key, value)
		}
	}
	field("volume_id", event.VolumeID)
	field("instance_id", event.InstanceID)
	field("device_path", event.DevicePath)
	field("path", event.Path)
	field("service", event.Service)
	if event.Error != "" {
		fmt.Fprintf(&b, " error=%q", event.Error)
	}

	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, event.Details[k])
	}

	fmt.Fprintf(&b, " timestamp=%s", event.Timestamp.Format("2006-01-02T15:04:05.000Z"))
	return b.String()
}

// outcomeOf maps an action's error to its outcome and severity
func outcomeOf(err error, failure EventSeverity) (EventOutcome, EventSeverity) {
	if err != nil {
		return OutcomeFailure, failure
	}
	return OutcomeSuccess, SeverityInfo
}

// LogAttachRequest records an attach request
func (l *Logger) LogAttachRequest(volumeID, instanceID, device string, err error) {
	outcome, severity := outcomeOf(err, SeverityError)
	l.LogEvent(NewSecurityEvent(EventAttachRequest, CategoryVolumeOperation, severity, "Attach requested").
		WithOutcome(outcome).
		WithVolume(volumeID, instanceID).
		WithDevice(device).
		WithError(err))
}

// LogDetachRequest records a detach request. Forced detaches are always warnings:
// the owner gets no chance to flush.
func (l *Logger) LogDetachRequest(volumeID, instanceID, device string, force bool, err error) {
	eventType, msg, severity := EventDetachRequest, "Detach requested", SeverityInfo
	if force {
		eventType, msg, severity = EventForcedDetachRequest, "Forced detach requested", SeverityWarning
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome, severity = OutcomeFailure, SeverityError
	}
	l.LogEvent(NewSecurityEvent(eventType, CategoryVolumeOperation, severity, msg).
		WithOutcome(outcome).
		WithVolume(volumeID, instanceID).
		WithDevice(device).
		WithError(err))
}

// LogFormat records a filesystem being created on a device
func (l *Logger) LogFormat(device, fsType string, err error) {
	outcome, severity := outcomeOf(err, SeverityCritical)
	l.LogEvent(NewSecurityEvent(EventFormat, CategoryDataAccess, severity, "Filesystem created").
		WithOutcome(outcome).
		WithDevice(device).
		WithDetail("fs_type", fsType).
		WithError(err))
}

// LogHostChange records a file written into the host root
func (l *Logger) LogHostChange(eventType EventType, path string, err error) {
	outcome, severity := outcomeOf(err, SeverityError)
	l.LogEvent(NewSecurityEvent(eventType, CategoryHostChange, severity, "Host file written").
		WithOutcome(outcome).
		WithPath(path).
		WithError(err))
}

// LogServiceAction records a stop or redeploy request
func (l *Logger) LogServiceAction(eventType EventType, service string, err error) {
	outcome, severity := outcomeOf(err, SeverityError)
	l.LogEvent(NewSecurityEvent(eventType, CategoryServiceControl, severity, "Service action requested").
		WithOutcome(outcome).
		WithService(service).
		WithError(err))
}

// LogValidationFailure records rejected input. The value is quoted, never interpreted.
func (l *Logger) LogValidationFailure(field, value string, err error) {
	l.LogEvent(NewSecurityEvent(EventValidationFailure, CategorySecurityViolation, SeverityWarning, "Input rejected").
		WithOutcome(OutcomeDenied).
		WithDetail("field", field).
		WithDetail("value", value).
		WithError(err).
		WithOutcome(OutcomeDenied))
}

func sanitize(err error) string {
	return utils.SanitizeErrorMessage(err.Error())
}
