package eventbridge

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT errors.
var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
)

// MQTT defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultKeepAlive      = 60 * time.Second

	disconnectQuiesce = 250 // milliseconds
)

// MQTTConfig configures an MQTTPublisher.
type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883 or ssl://broker:8883.
	Broker   string
	ClientID string
	Username string
	Password string

	QoS      byte
	Retained bool

	// TLS is used for ssl:// brokers. Nil uses the system roots.
	TLS *tls.Config

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTPublisher publishes through a paho client. It reconnects on its own
// after the first successful connection.
type MQTTPublisher struct {
	client pahomqtt.Client
	config MQTTConfig
}

// DialMQTT connects to the broker.
func DialMQTT(config MQTTConfig) (*MQTTPublisher, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("%w: no broker", ErrConnectionFailed)
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrConnectionFailed, config.QoS)
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	if config.ClientID == "" {
		config.ClientID = "lwm2m-server"
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetKeepAlive(DefaultKeepAlive)
	if config.TLS != nil {
		opts.SetTLSConfig(config.TLS)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &MQTTPublisher{client: client, config: config}, nil
}

// Publish sends payload to topic and waits for the broker's
// acknowledgement at the configured QoS.
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := p.client.Publish(topic, p.config.QoS, p.config.Retained, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, p.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close disconnects after pending publishes drain.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(disconnectQuiesce)
	return nil
}

var _ Publisher = (*MQTTPublisher)(nil)
