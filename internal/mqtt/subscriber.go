// Package mqtt carries sync batches from field clients over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/notifier"
)

const (
	TopicSync = "fleet/clients/+/sync"
	QoS       = 1
)

// Submitter applies a sync batch.
type Submitter interface {
	Submit(ctx context.Context, batch models.SyncBatch, clientID string) (*models.BatchResult, error)
}

// Ack is published to fleet/clients/{id}/sync/ack after each batch.
type Ack struct {
	*models.BatchResult
	Error string `json:"error,omitempty"`
}

// TopicToClientID extracts the client id from "fleet/clients/{id}/sync".
func TopicToClientID(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "fleet" || parts[1] != "clients" || parts[3] != "sync" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// AckTopic returns the topic a client listens on for batch outcomes.
func AckTopic(clientID string) string {
	return fmt.Sprintf("fleet/clients/%s/sync/ack", clientID)
}

// Handler turns sync messages into gateway submissions.
type Handler struct {
	gateway   Submitter
	publisher notifier.Publisher
	timeout   time.Duration
	logger    log.FieldLogger
	inflight  sync.WaitGroup
}

// NewHandler creates a Handler that acknowledges through publisher.
func NewHandler(gateway Submitter, publisher notifier.Publisher, timeout time.Duration, logger log.FieldLogger) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{gateway: gateway, publisher: publisher, timeout: timeout, logger: logger}
}

// HandleMessage is a pahomqtt.MessageHandler. Paho handlers must not
// block, so the batch is submitted and acknowledged on its own goroutine.
func (h *Handler) HandleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	clientID, ok := TopicToClientID(msg.Topic())
	if !ok {
		h.logger.WithField("topic", msg.Topic()).Warn("mqtt: invalid topic")
		return
	}
	payload := msg.Payload()
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.process(clientID, payload)
	}()
}

// Wait blocks until every batch received so far was submitted and acknowledged.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) process(clientID string, payload []byte) {
	logger := h.logger.WithField("client_id", clientID)

	var batch models.SyncBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		logger.WithError(err).Warn("mqtt: invalid json")
		h.ack(clientID, Ack{Error: "invalid json: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	start := time.Now()
	result, err := h.gateway.Submit(ctx, batch, clientID)
	metrics.SyncBatchLatency.WithLabelValues("mqtt").Observe(time.Since(start).Seconds())
	if err != nil {
		logger.WithError(err).Warn("mqtt: batch refused")
		h.ack(clientID, Ack{Error: err.Error()})
		return
	}
	h.ack(clientID, Ack{BatchResult: result})
}

func (h *Handler) ack(clientID string, ack Ack) {
	payload, err := json.Marshal(ack)
	if err != nil {
		h.logger.WithError(err).Error("mqtt: encode ack")
		return
	}
	token := h.publisher.Publish(AckTopic(clientID), QoS, false, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		h.logger.WithError(token.Error()).WithField("client_id", clientID).Warn("mqtt: ack not delivered")
	}
}

// Subscribe subscribes the handler to fleet/clients/+/sync.
func Subscribe(client pahomqtt.Client, h *Handler) error {
	token := client.Subscribe(TopicSync, QoS, h.HandleMessage)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", TopicSync, token.Error())
	}
	h.logger.WithField("topic", TopicSync).Info("mqtt: subscribed")
	return nil
}

// Connect creates a client and connects it to the broker.
func Connect(broker, clientID, user, pass string) (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(false)
	if user != "" {
		opts.SetUsername(user).SetPassword(pass)
	}
	client := pahomqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}
