package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqttcommon "ecobin-dispatch/internal/common/mqtt"
	"ecobin-dispatch/internal/models"

	"go.uber.org/zap"
)

// Subscriber the subset of the MQTT client the consumer needs
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Ingest operations the inbound topics feed
type Ingest interface {
	ApplyTelemetry(ctx context.Context, binID string, update models.TelemetryUpdate) (*models.Bin, *models.BinSample, error)
	RecordLocation(ctx context.Context, driverID string, update models.LocationUpdate) (*models.DriverLocationSample, error)
}

// Topics subscription filters; the single "+" segment carries the bin or driver id
type Topics struct {
	Telemetry string
	Location  string
}

// MQTTConsumer feeds bin telemetry and driver positions from MQTT into ingest.
// Messages are decoded on the client's callback and applied on a per-bin (or per-driver)
// worker, so a slow dispatch for one bin never holds up the others.
type MQTTConsumer struct {
	client  Subscriber
	ingest  Ingest
	topics  Topics
	qos     byte
	workers *keyedWorkers
	logger  *zap.Logger
}

func NewMQTTConsumer(client Subscriber, ingest Ingest, topics Topics, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		client:  client,
		ingest:  ingest,
		topics:  topics,
		qos:     qos,
		workers: newKeyedWorkers(DefaultQueueSize),
		logger:  logger,
	}
}

// Start subscribes and blocks until ctx is done
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.client.Subscribe(c.topics.Telemetry, c.qos, c.handler(ctx, c.handleTelemetry)); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}
	if err := c.client.Subscribe(c.topics.Location, c.qos, c.handler(ctx, c.handleLocation)); err != nil {
		_ = c.client.Unsubscribe(c.topics.Telemetry)
		return fmt.Errorf("failed to subscribe to location topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("telemetry_topic", c.topics.Telemetry),
		zap.String("location_topic", c.topics.Location),
	)

	<-ctx.Done()
	return nil
}

// Stop removes both subscriptions and waits for the in-flight message of every worker
func (c *MQTTConsumer) Stop() error {
	err := c.client.Unsubscribe(c.topics.Telemetry, c.topics.Location)
	if err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.workers.Close()
	if err != nil {
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

type topicHandler func(ctx context.Context, topic string, payload []byte) error

func (c *MQTTConsumer) handler(ctx context.Context, h topicHandler) mqttcommon.MessageHandler {
	return func(topic string, payload []byte) error {
		c.logger.Debug("Received MQTT message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
		)
		return h(ctx, topic, payload)
	}
}

func (c *MQTTConsumer) handleTelemetry(ctx context.Context, topic string, payload []byte) error {
	binID, err := TopicID(c.topics.Telemetry, topic)
	if err != nil {
		return err
	}
	var update models.TelemetryUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("failed to unmarshal telemetry for bin %s: %w", binID, err)
	}
	if err := update.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry for bin %s: %w", binID, err)
	}
	return c.workers.Submit(ctx, "bin:"+binID, func() {
		if _, _, err := c.ingest.ApplyTelemetry(ctx, binID, update); err != nil {
			c.logger.Warn("Failed to apply telemetry",
				zap.String("bin_id", binID),
				zap.Error(err),
			)
		}
	})
}

func (c *MQTTConsumer) handleLocation(ctx context.Context, topic string, payload []byte) error {
	driverID, err := TopicID(c.topics.Location, topic)
	if err != nil {
		return err
	}
	var update models.LocationUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("failed to unmarshal location for driver %s: %w", driverID, err)
	}
	return c.workers.Submit(ctx, "driver:"+driverID, func() {
		if _, err := c.ingest.RecordLocation(ctx, driverID, update); err != nil {
			c.logger.Warn("Failed to record location",
				zap.String("driver_id", driverID),
				zap.Error(err),
			)
		}
	})
}

// TopicID extracts the segment matched by the "+" wildcard of filter
func TopicID(filter, topic string) (string, error) {
	want := strings.Split(filter, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	id := ""
	for i, seg := range want {
		switch {
		case seg == "+":
			id = got[i]
		case seg != got[i]:
			return "", fmt.Errorf("topic %s does not match %s", topic, filter)
		}
	}
	if id == "" {
		return "", fmt.Errorf("invalid topic format: %s", topic)
	}
	return id, nil
}
