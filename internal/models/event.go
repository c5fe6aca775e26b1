package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Nova notification types the reconciler acts on.
const (
	EventCreate = "compute.instance.create.end"
	EventDelete = "compute.instance.delete.start"
)

// EnvelopeKey wraps the notification inside an oslo.messaging v2 envelope.
const EnvelopeKey = "oslo.message"

// SupportedEvents maps a workflow name to the event type that triggers it.
var SupportedEvents = map[string]string{
	"create": EventCreate,
	"delete": EventDelete,
}

// IsSupported reports whether eventType routes to a workflow.
func IsSupported(eventType string) bool {
	for _, t := range SupportedEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// VMMetadata is the subset of custom instance metadata carried in the payload.
type VMMetadata struct {
	MachineName string `json:"AQ_MACHINENAME,omitempty"`
}

// Payload is the instance section of a lifecycle notification.
type Payload struct {
	InstanceID string     `json:"instance_id"`
	VMName     string     `json:"display_name"`
	VCPUs      int        `json:"vcpus"`
	MemoryMB   int        `json:"memory_mb"`
	VMHost     string     `json:"host"`
	Metadata   VMMetadata `json:"metadata"`
}

// LifecycleEvent is one decoded compute notification. It is built once per
// message and not modified afterwards.
type LifecycleEvent struct {
	EventType   string  `json:"event_type"`
	ProjectName string  `json:"_context_project_name"`
	ProjectID   string  `json:"_context_project_id"`
	UserName    string  `json:"_context_user_name"`
	Payload     Payload `json:"payload"`
}

// Identity returns the key used against the inventory service and the CMDB.
func (e *LifecycleEvent) Identity() VMIdentity {
	return VMIdentity{ProjectID: e.ProjectID, InstanceID: e.Payload.InstanceID}
}

// VMIdentity identifies a VM. InstanceID doubles as the CMDB serial number.
type VMIdentity struct {
	ProjectID  string `json:"project_id"`
	InstanceID string `json:"instance_id"`
}

func (v VMIdentity) String() string {
	return v.ProjectID + "/" + v.InstanceID
}

// ValidationError rejects a message before any state is touched.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Unwrap strips the oslo envelope from a raw queue body. The inner message is
// normally a JSON encoded string; an inline object is accepted as well.
func Unwrap(body []byte) ([]byte, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ValidationError{Field: "envelope", Reason: "malformed JSON", Err: err}
	}
	raw, ok := env[EnvelopeKey]
	if !ok {
		return nil, &ValidationError{Field: "envelope", Reason: fmt.Sprintf("missing %q", EnvelopeKey)}
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		return []byte(inner), nil
	}
	return raw, nil
}

// PeekEventType reads only event_type so unsupported notifications can be
// dropped without decoding their payload.
func PeekEventType(msg []byte) (string, error) {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return "", &ValidationError{Field: "event_type", Reason: "malformed message", Err: err}
	}
	return head.EventType, nil
}

// DecodeEvent decodes an unwrapped notification into a LifecycleEvent.
func DecodeEvent(msg []byte) (*LifecycleEvent, error) {
	var ev LifecycleEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, &ValidationError{Field: "message", Reason: "malformed message", Err: err}
	}
	if !IsSupported(ev.EventType) {
		return nil, &ValidationError{Field: "event_type", Reason: "unsupported type " + ev.EventType}
	}
	if strings.TrimSpace(ev.Payload.InstanceID) == "" {
		return nil, &ValidationError{Field: "payload.instance_id", Reason: "empty"}
	}
	return &ev, nil
}

// RawAddress is one entry of a server's address list as returned by the
// compute API.
type RawAddress struct {
	Version int    `json:"version"`
	Addr    string `json:"addr"`
	MACAddr string `json:"OS-EXT-IPS-MAC:mac_addr"`
	Type    string `json:"OS-EXT-IPS:type,omitempty"`
}

// AddressBlock groups a server's addresses by network name.
type AddressBlock map[string][]RawAddress
