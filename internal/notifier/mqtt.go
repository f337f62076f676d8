package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// TopicPrefix is the root of every topic this service publishes to.
const TopicPrefix = "fleet"

// Publisher is the part of mqtt.Client the notifier needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes each event as JSON to fleet/schedules/{id}/recomputed.
type MQTTNotifier struct {
	client Publisher
	qos    byte
}

// NewMQTTNotifier creates an MQTTNotifier. Messages are retained so a
// dashboard subscribing later sees the latest state.
func NewMQTTNotifier(client Publisher) *MQTTNotifier {
	return &MQTTNotifier{client: client, qos: 1}
}

// RecomputedTopic returns the topic for a schedule's recompute events.
func RecomputedTopic(scheduleID string) string {
	return fmt.Sprintf("%s/schedules/%s/recomputed", TopicPrefix, scheduleID)
}

// Notify publishes the event and waits for the broker or ctx.
func (n *MQTTNotifier) Notify(ctx context.Context, event models.RecomputeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	token := n.client.Publish(RecomputedTopic(event.ScheduleID), n.qos, true, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish recompute event: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
