package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidProfile is returned when a profile fails validation before
// it reaches the store.
var ErrInvalidProfile = errors.New("invalid service profile")

// ServiceProfile describes one capability a device exposes. The
// Characteristics payload is free-form JSON owned by the service; the
// storage layers below never look inside it.
type ServiceProfile struct {
	DeviceID        string          `json:"deviceId"`
	ServiceID       string          `json:"serviceId"`
	ServiceType     string          `json:"serviceType,omitempty"`
	Characteristics json.RawMessage `json:"characteristics,omitempty"`
}

// Validate checks the fields the key scheme depends on.
func (p ServiceProfile) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("%w: device id is empty", ErrInvalidProfile)
	}
	if p.ServiceID == "" {
		return fmt.Errorf("%w: service id is empty", ErrInvalidProfile)
	}
	if strings.Contains(p.DeviceID, "/") || strings.Contains(p.ServiceID, "/") {
		return fmt.Errorf("%w: identifiers must not contain '/'", ErrInvalidProfile)
	}
	if len(p.Characteristics) > 0 && !json.Valid(p.Characteristics) {
		return fmt.Errorf("%w: characteristics is not valid JSON", ErrInvalidProfile)
	}
	return nil
}

// ProfileKey builds the store key for a device's service profile.
func ProfileKey(deviceID, serviceID string) string {
	return deviceID + "/" + serviceID
}
