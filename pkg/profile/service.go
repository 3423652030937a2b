package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/notify"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/profilestore"
)

type pendingWrite struct {
	key       string
	value     []byte
	deviceID  string
	serviceID string
}

// Service is the typed layer over the profile store. It fills in the
// local device identity, JSON-encodes profiles, publishes change
// events, and queues writes that arrive before the store finished
// initializing.
type Service struct {
	storage   *profilestore.Storage
	publisher notify.Publisher
	deviceID  string

	mu      sync.Mutex
	ready   bool
	pending []pendingWrite
}

// NewService wires a Service to its storage. It claims the storage's
// init callback to flush queued writes, so the storage must not have a
// callback registered yet.
func NewService(storage *profilestore.Storage, publisher notify.Publisher, deviceID string) (*Service, error) {
	if deviceID == "" {
		return nil, errors.New("device id is empty")
	}
	if publisher == nil {
		publisher = notify.NoopPublisher{}
	}

	s := &Service{
		storage:   storage,
		publisher: publisher,
		deviceID:  deviceID,
	}
	if !storage.RegisterInitCallback(s.onStorageInitDone) {
		return nil, errors.New("storage already has an init callback registered")
	}
	return s, nil
}

// Init initializes the underlying store. Blocks for the whole bounded
// acquisition; run it on its own goroutine when startup must not wait.
func (s *Service) Init(ctx context.Context) error {
	return s.storage.Init(ctx)
}

// Ready reports whether store initialization has completed. Completion
// does not imply success; writes to a store that failed to initialize
// surface profilestore.ErrNotInitialized.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// LocalDeviceID returns the device identity profiles are written
// under when they carry none.
func (s *Service) LocalDeviceID() string {
	return s.deviceID
}

// onStorageInitDone runs once when store initialization completes. It
// marks the service ready and flushes the queued writes in one batch.
// Flush failures are logged and the writes dropped; initialization
// completion is not a success signal.
func (s *Service) onStorageInitDone() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.ready = true
	s.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	changes := make([]notify.ChangeType, len(pending))
	keys := make([]string, len(pending))
	values := make([][]byte, len(pending))
	for i, write := range pending {
		changes[i] = s.probeChangeType(write.key)
		keys[i] = write.key
		values[i] = write.value
	}

	if err := s.storage.PutProfileBatch(keys, values); err != nil {
		logger.Error("Failed to flush pending profile writes", err, "count", len(pending))
		return
	}
	logger.Info("Flushed pending profile writes", "count", len(pending))

	for i, write := range pending {
		s.publishChange(write.deviceID, write.serviceID, changes[i])
	}
}

// probeChangeType distinguishes an insert from an update by reading
// the current key.
func (s *Service) probeChangeType(key string) notify.ChangeType {
	if _, err := s.storage.GetProfile(key); err == nil {
		return notify.ChangeUpdated
	}
	return notify.ChangeInserted
}

func (s *Service) publishChange(deviceID, serviceID string, change notify.ChangeType) {
	err := s.publisher.PublishProfileChange(notify.ProfileChangeEvent{
		DeviceID:   deviceID,
		ServiceID:  serviceID,
		ChangeType: change,
	})
	if err != nil {
		logger.Error("Failed to publish profile change", err, "device", deviceID, "service", serviceID)
	}
}

// PutServiceProfile stores one profile. An empty DeviceID means the
// local device. Writes arriving before the store is ready are queued
// and flushed when initialization completes.
func (s *Service) PutServiceProfile(p ServiceProfile) error {
	if p.DeviceID == "" {
		p.DeviceID = s.deviceID
	}
	if err := p.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode service profile: %w", err)
	}
	key := ProfileKey(p.DeviceID, p.ServiceID)

	s.mu.Lock()
	if !s.ready {
		s.pending = append(s.pending, pendingWrite{
			key:       key,
			value:     value,
			deviceID:  p.DeviceID,
			serviceID: p.ServiceID,
		})
		s.mu.Unlock()
		logger.Info("Profile store not ready, queued profile write", "key", key)
		return nil
	}
	s.mu.Unlock()

	change := s.probeChangeType(key)
	if err := s.storage.PutProfile(key, value); err != nil {
		return err
	}
	s.publishChange(p.DeviceID, p.ServiceID, change)
	return nil
}

// PutServiceProfileBatch stores all profiles as one atomic batch.
// Validation and encoding happen up front; one bad profile fails the
// whole call with nothing written.
func (s *Service) PutServiceProfileBatch(profiles []ServiceProfile) error {
	if len(profiles) == 0 {
		return nil
	}

	writes := make([]pendingWrite, len(profiles))
	for i, p := range profiles {
		if p.DeviceID == "" {
			p.DeviceID = s.deviceID
		}
		if err := p.Validate(); err != nil {
			return err
		}
		value, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode service profile: %w", err)
		}
		writes[i] = pendingWrite{
			key:       ProfileKey(p.DeviceID, p.ServiceID),
			value:     value,
			deviceID:  p.DeviceID,
			serviceID: p.ServiceID,
		}
	}

	s.mu.Lock()
	if !s.ready {
		s.pending = append(s.pending, writes...)
		s.mu.Unlock()
		logger.Info("Profile store not ready, queued profile batch", "count", len(writes))
		return nil
	}
	s.mu.Unlock()

	changes := make([]notify.ChangeType, len(writes))
	keys := make([]string, len(writes))
	values := make([][]byte, len(writes))
	for i, write := range writes {
		changes[i] = s.probeChangeType(write.key)
		keys[i] = write.key
		values[i] = write.value
	}

	if err := s.storage.PutProfileBatch(keys, values); err != nil {
		return err
	}
	for i, write := range writes {
		s.publishChange(write.deviceID, write.serviceID, changes[i])
	}
	return nil
}

// GetServiceProfile reads one profile. An empty deviceID means the
// local device. A missing profile surfaces as kvstore.ErrKeyNotFound.
func (s *Service) GetServiceProfile(deviceID, serviceID string) (ServiceProfile, error) {
	var p ServiceProfile

	if deviceID == "" {
		deviceID = s.deviceID
	}
	if serviceID == "" {
		return p, fmt.Errorf("%w: service id is empty", ErrInvalidProfile)
	}

	value, err := s.storage.GetProfile(ProfileKey(deviceID, serviceID))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(value, &p); err != nil {
		return p, fmt.Errorf("failed to decode service profile: %w", err)
	}
	return p, nil
}

// DeleteServiceProfile removes a profile of the local device. Deleting
// a profile that does not exist surfaces kvstore.ErrKeyNotFound and
// publishes nothing.
func (s *Service) DeleteServiceProfile(serviceID string) error {
	if serviceID == "" {
		return fmt.Errorf("%w: service id is empty", ErrInvalidProfile)
	}

	key := ProfileKey(s.deviceID, serviceID)
	if _, err := s.storage.GetProfile(key); err != nil {
		return err
	}

	if err := s.storage.DeleteProfile(key); err != nil {
		return err
	}
	s.publishChange(s.deviceID, serviceID, notify.ChangeDeleted)
	return nil
}
