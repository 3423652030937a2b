package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/common/pathutil"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

const identityFileName = "device_identity.json"

// DeviceIdentity is the locally persisted identity record of this device.
type DeviceIdentity struct {
	DeviceID  string `json:"device_id"`
	CreatedAt string `json:"created_at"`
}

// LoadOrCreateDeviceID returns the device ID persisted under identityDir,
// generating and persisting a fresh one on first start.
func LoadOrCreateDeviceID(identityDir string) (string, error) {
	if err := os.MkdirAll(identityDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create identity directory: %w", err)
	}

	path, err := pathutil.SafePath(identityDir, identityFileName)
	if err != nil {
		return "", fmt.Errorf("invalid identity file path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var identity DeviceIdentity
		if err := json.Unmarshal(data, &identity); err != nil {
			return "", fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		if identity.DeviceID == "" {
			return "", fmt.Errorf("identity file %s contains no device ID", path)
		}
		return identity.DeviceID, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read identity file: %w", err)
	}

	identity := DeviceIdentity{
		DeviceID:  uuid.NewString(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	data, err = json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write identity file: %w", err)
	}

	logger.Info("Created device identity", "deviceID", identity.DeviceID, "path", path)
	return identity.DeviceID, nil
}
