package events

import (
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/fitable-broker/pkg/commsutil"
)

const subscriberLogPrefix = "events:subscriber"

// ChangeHandler receives decoded change events.
type ChangeHandler func(event *RegistryChangedEvent)

// SubscribeChanges subscribes to subject and hands every decodable change
// event to handler. Malformed payloads are logged and dropped.
func SubscribeChanges(nc *comms.Conn, subject string, handler ChangeHandler) (*comms.Subscription, error) {
	if subject == "" {
		subject = commsutil.SubjectChangeEvent
	}
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var event RegistryChangedEvent
		if err := commsutil.DecodePayload(msg.Data, &event); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping malformed change event on %s: %v", subscriberLogPrefix, msg.Subject, err))
			return
		}
		handler(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", subscriberLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening for change events on %s", subscriberLogPrefix, subject))
	return sub, nil
}
