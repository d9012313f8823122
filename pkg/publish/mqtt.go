package publish

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weight-tracker/weight-tracker/pkg/calibration"
	"github.com/weight-tracker/weight-tracker/pkg/types"
)

const (
	connectTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // ms
	calibrationSuffix = "/calibration"
)

// MQTT publishes weight records and calibration changes to a broker.
// Records are retained, so a new subscriber immediately gets the latest
// weight.
type MQTT struct {
	client mqtt.Client
	topic  string
}

// NewMQTT connects to broker. If the broker is unreachable the client keeps
// retrying in the background and New still returns a usable publisher.
func NewMQTT(broker, topic, clientID string) (*MQTT, error) {
	if broker == "" || topic == "" {
		return nil, pkgerrors.New("mqtt broker and topic are required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			logrus.WithField("broker", broker).Info("connected to mqtt broker")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithError(err).WithField("broker", broker).Warn("lost connection to mqtt broker")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logrus.WithField("broker", broker).Warn("mqtt broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, pkgerrors.Wrapf(err, "failed to connect to mqtt broker %s", broker)
	}

	return NewMQTTWithClient(client, topic), nil
}

// NewMQTTWithClient uses an existing client.
func NewMQTTWithClient(client mqtt.Client, topic string) *MQTT {
	return &MQTT{client: client, topic: topic}
}

// HandleRecord publishes rec without waiting for the broker.
func (m *MQTT) HandleRecord(rec types.WeightRecord) {
	m.publish(m.topic, rec)
}

// PublishCalibration publishes st on <topic>/calibration.
func (m *MQTT) PublishCalibration(st calibration.State) {
	m.publish(m.topic+calibrationSuffix, st)
}

func (m *MQTT) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("failed to encode mqtt payload")
		return
	}

	token := m.client.Publish(topic, 0, true, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			logrus.WithError(err).WithField("topic", topic).Debug("mqtt publish failed")
		}
	}()
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.client.Disconnect(disconnectQuiesce)
}
