package profile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/kvstore"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/notify"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/profilestore"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []notify.ProfileChangeEvent
}

func (c *capturePublisher) PublishProfileChange(event notify.ProfileChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) Events() []notify.ProfileChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.ProfileChangeEvent(nil), c.events...)
}

func newTestService(t *testing.T) (*Service, *capturePublisher, *kvstore.BadgerStoreManager) {
	t.Helper()

	manager, err := kvstore.NewBadgerStoreManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = manager.Close()
	})

	storage := profilestore.New(manager, "device_profile_service", "profiles")
	publisher := &capturePublisher{}
	svc, err := NewService(storage, publisher, "local-device")
	require.NoError(t, err)
	return svc, publisher, manager
}

func TestNewService_Validation(t *testing.T) {
	manager, err := kvstore.NewBadgerStoreManager(t.TempDir())
	require.NoError(t, err)
	defer manager.Close()

	storage := profilestore.New(manager, "svc", "profiles")

	_, err = NewService(storage, nil, "")
	assert.Error(t, err)

	first, err := NewService(storage, nil, "local-device")
	require.NoError(t, err)
	assert.Equal(t, "local-device", first.LocalDeviceID())

	// The init callback slot is single-assignment, so a second service
	// cannot share the storage
	_, err = NewService(storage, nil, "other-device")
	assert.Error(t, err)
}

func TestService_PutAndGet(t *testing.T) {
	svc, publisher, _ := newTestService(t)
	require.NoError(t, svc.Init(context.Background()))
	require.True(t, svc.Ready())

	in := ServiceProfile{
		ServiceID:       "storage",
		ServiceType:     "characteristicProfile",
		Characteristics: json.RawMessage(`{"capacity":128}`),
	}
	require.NoError(t, svc.PutServiceProfile(in))

	// Empty device id resolves to the local device
	got, err := svc.GetServiceProfile("", "storage")
	require.NoError(t, err)
	assert.Equal(t, "local-device", got.DeviceID)
	assert.Equal(t, "storage", got.ServiceID)
	assert.JSONEq(t, `{"capacity":128}`, string(got.Characteristics))

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.ChangeInserted, events[0].ChangeType)
	assert.Equal(t, "local-device", events[0].DeviceID)

	// A second write to the same service is an update
	in.Characteristics = json.RawMessage(`{"capacity":256}`)
	require.NoError(t, svc.PutServiceProfile(in))

	events = publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.ChangeUpdated, events[1].ChangeType)
}

func TestService_GetMissingProfile(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Init(context.Background()))

	_, err := svc.GetServiceProfile("", "never-written")
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)
}

func TestService_RejectsInvalidProfiles(t *testing.T) {
	svc, publisher, _ := newTestService(t)
	require.NoError(t, svc.Init(context.Background()))

	assert.ErrorIs(t, svc.PutServiceProfile(ServiceProfile{}), ErrInvalidProfile)
	assert.ErrorIs(t, svc.PutServiceProfile(ServiceProfile{ServiceID: "a/b"}), ErrInvalidProfile)

	_, err := svc.GetServiceProfile("deviceA", "")
	assert.ErrorIs(t, err, ErrInvalidProfile)

	assert.ErrorIs(t, svc.DeleteServiceProfile(""), ErrInvalidProfile)

	assert.Empty(t, publisher.Events())
}

func TestService_PutBatch(t *testing.T) {
	svc, publisher, _ := newTestService(t)
	require.NoError(t, svc.Init(context.Background()))

	profiles := []ServiceProfile{
		{ServiceID: "storage", Characteristics: json.RawMessage(`{"capacity":128}`)},
		{ServiceID: "display", Characteristics: json.RawMessage(`{"width":1920}`)},
		{DeviceID: "deviceB", ServiceID: "camera"},
	}
	require.NoError(t, svc.PutServiceProfileBatch(profiles))

	for _, p := range profiles {
		got, err := svc.GetServiceProfile(p.DeviceID, p.ServiceID)
		require.NoError(t, err)
		assert.Equal(t, p.ServiceID, got.ServiceID)
	}

	events := publisher.Events()
	assert.Len(t, events, 3)
	for _, event := range events {
		assert.Equal(t, notify.ChangeInserted, event.ChangeType)
	}
}

func TestService_PutBatch_OneBadProfileWritesNothing(t *testing.T) {
	svc, publisher, _ := newTestService(t)
	require.NoError(t, svc.Init(context.Background()))

	err := svc.PutServiceProfileBatch([]ServiceProfile{
		{ServiceID: "storage"},
		{ServiceID: ""},
	})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	_, err = svc.GetServiceProfile("", "storage")
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)
	assert.Empty(t, publisher.Events())
}

func TestService_Delete(t *testing.T) {
	svc, publisher, _ := newTestService(t)
	require.NoError(t, svc.Init(context.Background()))

	require.NoError(t, svc.PutServiceProfile(ServiceProfile{ServiceID: "storage"}))
	require.NoError(t, svc.DeleteServiceProfile("storage"))

	_, err := svc.GetServiceProfile("", "storage")
	assert.ErrorIs(t, err, kvstore.ErrKeyNotFound)

	events := publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, notify.ChangeDeleted, events[1].ChangeType)

	// Deleting a profile that is already gone publishes nothing
	assert.ErrorIs(t, svc.DeleteServiceProfile("storage"), kvstore.ErrKeyNotFound)
	assert.Len(t, publisher.Events(), 2)
}

func TestService_QueuesWritesUntilReady(t *testing.T) {
	svc, publisher, _ := newTestService(t)

	require.False(t, svc.Ready())
	require.NoError(t, svc.PutServiceProfile(ServiceProfile{
		ServiceID:       "storage",
		Characteristics: json.RawMessage(`{"capacity":128}`),
	}))
	require.NoError(t, svc.PutServiceProfileBatch([]ServiceProfile{
		{ServiceID: "display"},
	}))

	// Nothing has reached the store or the publisher yet
	assert.Empty(t, publisher.Events())

	require.NoError(t, svc.Init(context.Background()))
	require.True(t, svc.Ready())

	got, err := svc.GetServiceProfile("", "storage")
	require.NoError(t, err)
	assert.JSONEq(t, `{"capacity":128}`, string(got.Characteristics))

	_, err = svc.GetServiceProfile("", "display")
	require.NoError(t, err)

	events := publisher.Events()
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, notify.ChangeInserted, event.ChangeType)
	}
}

func TestService_FlushProbesExistingKeys(t *testing.T) {
	manager, err := kvstore.NewBadgerStoreManager(t.TempDir())
	require.NoError(t, err)
	defer manager.Close()

	// Seed the store before the service initializes
	seeded, err := manager.GetSingleStore(kvstore.Options{CreateIfMissing: true}, "device_profile_service", "profiles")
	require.NoError(t, err)
	require.NoError(t, seeded.Put("local-device/storage", []byte(`{"deviceId":"local-device","serviceId":"storage"}`)))

	storage := profilestore.New(manager, "device_profile_service", "profiles")
	publisher := &capturePublisher{}
	svc, err := NewService(storage, publisher, "local-device")
	require.NoError(t, err)

	require.NoError(t, svc.PutServiceProfile(ServiceProfile{ServiceID: "storage"}))
	require.NoError(t, svc.Init(context.Background()))

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.ChangeUpdated, events[0].ChangeType)
}

func TestService_DropsQueueWhenInitFails(t *testing.T) {
	manager, err := kvstore.NewBadgerStoreManager(t.TempDir())
	require.NoError(t, err)
	defer manager.Close()

	storage := profilestore.New(manager, "device_profile_service", "profiles")
	storage.SetOptions(kvstore.Options{CreateIfMissing: false})

	publisher := &capturePublisher{}
	svc, err := NewService(storage, publisher, "local-device")
	require.NoError(t, err)

	require.NoError(t, svc.PutServiceProfile(ServiceProfile{ServiceID: "storage"}))

	// Cancel the retry loop quickly so the test stays fast
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, svc.Init(ctx))

	// Completion fired, the flush failed, the queue is dropped
	assert.True(t, svc.Ready())
	assert.Empty(t, publisher.Events())
	assert.ErrorIs(t, svc.PutServiceProfile(ServiceProfile{ServiceID: "later"}), profilestore.ErrNotInitialized)
}
