package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

// ChangeType names what happened to a profile.
type ChangeType string

const (
	ChangeInserted ChangeType = "inserted"
	ChangeUpdated  ChangeType = "updated"
	ChangeDeleted  ChangeType = "deleted"
)

// ProfileChangeEvent is published whenever a service profile is
// written or removed.
type ProfileChangeEvent struct {
	EventID    string     `json:"eventId"`
	DeviceID   string     `json:"deviceId"`
	ServiceID  string     `json:"serviceId"`
	ChangeType ChangeType `json:"changeType"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// ProfileChangeSubject is the NATS subject carrying change events for
// one device.
func ProfileChangeSubject(deviceID string) string {
	return "profile.change." + deviceID
}

type Publisher interface {
	PublishProfileChange(event ProfileChangeEvent) error
}

type Subscription interface {
	Unsubscribe() error
}

type natsPublisher struct {
	natsConn *nats.Conn
}

type natsSubscription struct {
	subscription *nats.Subscription
}

func (ns *natsSubscription) Unsubscribe() error {
	return ns.subscription.Unsubscribe()
}

// NewNATSPublisher creates a Publisher over an established NATS
// connection.
func NewNATSPublisher(natsConn *nats.Conn) Publisher {
	return &natsPublisher{natsConn}
}

func (p *natsPublisher) PublishProfileChange(event ProfileChangeEvent) error {
	subject, data, err := encodeProfileChange(event)
	if err != nil {
		return err
	}

	logger.Debug("[NATS] Publishing profile change", "subject", subject, "change", string(event.ChangeType))
	return p.natsConn.Publish(subject, data)
}

// encodeProfileChange fills the event's identity fields when unset and
// renders the wire form.
func encodeProfileChange(event ProfileChangeEvent) (subject string, data []byte, err error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	data, err = json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal profile change event: %w", err)
	}
	return ProfileChangeSubject(event.DeviceID), data, nil
}

// Subscribe delivers change events for deviceID to handler. Events
// that fail to decode are logged and skipped.
func Subscribe(natsConn *nats.Conn, deviceID string, handler func(ProfileChangeEvent)) (Subscription, error) {
	sub, err := natsConn.Subscribe(ProfileChangeSubject(deviceID), func(msg *nats.Msg) {
		var event ProfileChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Error("Failed to decode profile change event", err, "subject", msg.Subject)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, err
	}

	return &natsSubscription{subscription: sub}, nil
}

// NoopPublisher drops every event. Used when the daemon runs without a
// message broker.
type NoopPublisher struct{}

func (NoopPublisher) PublishProfileChange(ProfileChangeEvent) error { return nil }
