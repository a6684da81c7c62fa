package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/loykin/keepalive/internal/history"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
	defaultTopicPrefix    = "keepalive/events"
)

// ErrConnectionFailed is returned when the broker cannot be reached.
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Options configures the MQTT sink.
type Options struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// Publisher is the subset of the paho client used by Sink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Sink publishes each event as JSON to <prefix>/<process name>/<event type>.
type Sink struct {
	client Publisher
	prefix string
	qos    byte
	retain bool
}

// New connects to the broker.
func New(opts Options) (*Sink, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", opts.QoS)
	}
	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("keepalive-%d", time.Now().UnixNano())
	}
	co.SetClientID(clientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(defaultConnectTimeout)

	c := pahomqtt.NewClient(co)
	token := c.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return NewWithClient(c, opts), nil
}

// NewWithClient wraps an already connected client.
func NewWithClient(c Publisher, opts Options) *Sink {
	prefix := strings.TrimRight(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &Sink{client: c, prefix: prefix, qos: opts.QoS, retain: opts.Retain}
}

// Topic returns the topic an event is published to.
func (s *Sink) Topic(e history.Event) string {
	return s.prefix + "/" + e.Name + "/" + string(e.Type)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(e), s.qos, s.retain, payload)
	timeout := defaultPublishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out", s.Topic(e))
	}
	return token.Error()
}

func (s *Sink) Close() error {
	s.client.Disconnect(disconnectQuiesceMs)
	return nil
}
