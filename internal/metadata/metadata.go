// Package metadata resolves the CMDB build parameters for a VM from its image
// metadata, overridden by the instance's own metadata.
package metadata

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Wire keys on image and instance metadata.
const (
	KeyArchetype   = "AQ_ARCHETYPE"
	KeyDomain      = "AQ_DOMAIN"
	KeyPersonality = "AQ_PERSONALITY"
	KeyOSName      = "AQ_OS"
	KeyOSVersion   = "AQ_OSVERSION"
	KeySandbox     = "AQ_SANDBOX"
)

// ManagedMarker is the key whose presence marks an image or VM as CMDB managed.
const ManagedMarker = KeyOSName

// aliases maps each BuildMetadata field to its wire key.
var aliases = map[string]string{
	"archetype":   KeyArchetype,
	"domain":      KeyDomain,
	"personality": KeyPersonality,
	"osName":      KeyOSName,
	"osVersion":   KeyOSVersion,
	"sandbox":     KeySandbox,
}

var required = []string{"archetype", "domain", "personality", "osName", "osVersion"}

// blocklist holds override values that mean "unset" rather than a real value.
var blocklist = map[string]struct{}{
	"none": {},
	"null": {},
	"":     {},
}

// BuildMetadata controls how the CMDB builds a host template.
type BuildMetadata struct {
	Archetype   string `json:"archetype"`
	Domain      string `json:"domain"`
	Personality string `json:"personality"`
	OSName      string `json:"os_name"`
	OSVersion   string `json:"os_version"`
	Sandbox     string `json:"sandbox,omitempty"`
}

// MissingFieldError is returned when image metadata lacks a required key.
type MissingFieldError struct {
	Key string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required metadata field %s", e.Key)
}

// Selector returns the CMDB parameter name and value that place a host:
// the sandbox when set, otherwise the domain.
func (m *BuildMetadata) Selector() (string, string) {
	if m.Sandbox != "" {
		return "sandbox", m.Sandbox
	}
	return "domain", m.Domain
}

func (m *BuildMetadata) field(name string) *string {
	switch name {
	case "archetype":
		return &m.Archetype
	case "domain":
		return &m.Domain
	case "personality":
		return &m.Personality
	case "osName":
		return &m.OSName
	case "osVersion":
		return &m.OSVersion
	case "sandbox":
		return &m.Sandbox
	}
	return nil
}

// FromImage builds metadata from an image's properties.
func FromImage(image map[string]string) (*BuildMetadata, error) {
	m := &BuildMetadata{}
	for _, name := range required {
		v, ok := image[aliases[name]]
		if !ok {
			return nil, &MissingFieldError{Key: aliases[name]}
		}
		*m.field(name) = v
	}
	m.Sandbox = image[KeySandbox]
	return m, nil
}

// Override applies instance metadata on top of m. Values that are empty or
// blocklisted are skipped with a warning.
func (m *BuildMetadata) Override(vm map[string]string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for name, key := range aliases {
		v, ok := vm[key]
		if !ok {
			continue
		}
		if !Valid(v) {
			logger.Warn("ignoring invalid metadata override",
				zap.String("key", key), zap.String("value", v))
			continue
		}
		*m.field(name) = v
	}
}

// Valid reports whether an override value carries a real setting.
func Valid(v string) bool {
	_, blocked := blocklist[strings.ToLower(strings.TrimSpace(v))]
	return !blocked
}

// Resolve builds the metadata from image properties and applies the
// instance overrides.
func Resolve(image, overrides map[string]string, logger *zap.Logger) (*BuildMetadata, error) {
	m, err := FromImage(image)
	if err != nil {
		return nil, err
	}
	m.Override(overrides, logger)
	return m, nil
}

// IsManaged reports whether either metadata map carries the managed marker.
func IsManaged(image, vm map[string]string) bool {
	if _, ok := image[ManagedMarker]; ok {
		return true
	}
	_, ok := vm[ManagedMarker]
	return ok
}
