package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/infra"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
	"github.com/samber/lo"
)

const (
	onlinePrefix = "devices/online/"

	DefaultWatchInterval = 5 * time.Second
)

// DeviceRecord is the presence document a device publishes while it is online.
type DeviceRecord struct {
	DeviceID string    `json:"deviceId"`
	Hostname string    `json:"hostname,omitempty"`
	OnlineAt time.Time `json:"onlineAt"`
}

// ChangeHandler receives the device IDs that joined or departed between two
// consecutive polls.
type ChangeHandler func(joined, departed []string)

type DeviceRegistry interface {
	Online() error
	// Offline is called by the device when it is going to shutdown
	Offline() error
	OnlineDevices() ([]DeviceRecord, error)
	Watch(ctx context.Context, interval time.Duration, onChange ChangeHandler)
}

type registry struct {
	deviceID string
	hostname string

	mu       sync.Mutex
	lastSeen []string

	consulKV infra.ConsulKV
}

func NewRegistry(deviceID string, consulKV infra.ConsulKV) *registry {
	hostname, _ := os.Hostname()
	return &registry{
		deviceID: deviceID,
		hostname: hostname,
		consulKV: consulKV,
	}
}

func (r *registry) onlineKey(deviceID string) string {
	return onlinePrefix + deviceID
}

// Online publishes the device's presence record. Calling it again refreshes
// the record's timestamp.
func (r *registry) Online() error {
	record := DeviceRecord{
		DeviceID: r.deviceID,
		Hostname: r.hostname,
		OnlineAt: time.Now().UTC(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal device record failed: %w", err)
	}

	kv := &api.KVPair{
		Key:   r.onlineKey(r.deviceID),
		Value: value,
	}

	_, err = r.consulKV.Put(kv, nil)
	if err != nil {
		return fmt.Errorf("Put online key failed: %w", err)
	}

	return nil
}

func (r *registry) Offline() error {
	_, err := r.consulKV.Delete(r.onlineKey(r.deviceID), nil)
	if err != nil {
		return fmt.Errorf("Delete online key failed: %w", err)
	}

	return nil
}

// OnlineDevices returns the presence records of all other online devices.
func (r *registry) OnlineDevices() ([]DeviceRecord, error) {
	pairs, _, err := r.consulKV.List(onlinePrefix, nil)
	if err != nil {
		return nil, fmt.Errorf("List online keys failed: %w", err)
	}

	records := make([]DeviceRecord, 0, len(pairs))
	for _, pair := range pairs {
		var record DeviceRecord
		if err := json.Unmarshal(pair.Value, &record); err != nil || record.DeviceID == "" {
			logger.Warn("Skipping malformed device record", "key", pair.Key)
			continue
		}
		if record.DeviceID == r.deviceID {
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// Watch polls the registry until ctx is done, reporting devices that joined or
// departed since the previous poll. The first poll runs immediately.
func (r *registry) Watch(ctx context.Context, interval time.Duration, onChange ChangeHandler) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		records, err := r.OnlineDevices()
		if err != nil {
			logger.Error("List online devices failed", err)
		} else {
			joined, departed := r.observe(records)
			for _, deviceID := range joined {
				logger.Info("Device online", "deviceID", deviceID)
			}
			for _, deviceID := range departed {
				logger.Warn("Device offline!", "deviceID", deviceID)
			}
			if onChange != nil && (len(joined) > 0 || len(departed) > 0) {
				onChange(joined, departed)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// observe diffs the freshly listed devices against the previous snapshot.
func (r *registry) observe(records []DeviceRecord) (joined, departed []string) {
	current := make([]string, 0, len(records))
	for _, record := range records {
		current = append(current, record.DeviceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	departed, joined = lo.Difference(r.lastSeen, current)
	r.lastSeen = current
	return joined, departed
}
