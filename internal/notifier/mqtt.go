package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher the MQTT publish capability; satisfied by *mqtt.Client
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier publishes events to notify/{driver|society}/{id} and notify/all
type MQTTNotifier struct {
	pub    Publisher
	prefix string
	qos    byte
}

func NewMQTTNotifier(pub Publisher, prefix string, qos byte) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, prefix: prefix, qos: qos}
}

// Topic for target
func (n *MQTTNotifier) Topic(target Target) string {
	return n.prefix + target.Key("/")
}

type mqttEnvelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func (n *MQTTNotifier) Push(_ context.Context, target Target, event string, payload any) error {
	if err := target.validate(); err != nil {
		return err
	}
	body, err := json.Marshal(mqttEnvelope{Event: event, Data: payload, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	return n.pub.Publish(n.Topic(target), n.qos, false, body)
}
