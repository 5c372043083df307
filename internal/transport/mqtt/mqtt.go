// Package mqtt adapts an MQTT broker connection to the transport interfaces.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/transport"
)

const (
	DefaultQoS            = 1
	DefaultConnectTimeout = 10 * time.Second
	// disconnectQuiesce is how long Close lets in-flight work finish, in ms.
	disconnectQuiesce = 250
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt operation timed out")

// Options configures a broker connection.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// conn is the part of paho.Client used here.
type conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
	Disconnect(quiesce uint)
}

// Client publishes and subscribes through one broker connection.
type Client struct {
	c       conn
	qos     byte
	timeout time.Duration
	log     *zap.Logger
}

// Dial connects to the broker.
func Dial(opts Options) (*Client, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "motion-engine"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	log := monitoring.L().Named("mqtt")

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(paho.Client) {
			log.Info("connected", zap.String("broker", opts.Broker))
		})
	if opts.Username != "" {
		po.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		po.SetPassword(opts.Password)
	}

	pc := paho.NewClient(po)
	if err := wait(pc.Connect(), opts.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	return newClient(pc, opts), nil
}

func newClient(c conn, opts Options) *Client {
	qos := opts.QoS
	if qos > 2 {
		qos = DefaultQoS
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Client{c: c, qos: qos, timeout: timeout, log: monitoring.L().Named("mqtt")}
}

func wait(tok paho.Token, d time.Duration) error {
	if !tok.WaitTimeout(d) {
		return ErrTimeout
	}
	return tok.Error()
}

// Publish sends payload and waits for the broker acknowledgement or ctx.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	tok := c.c.Publish(topic, c.qos, false, payload)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for filter and blocks until ctx is done. Handler
// errors are logged; MQTT has no per-message negative acknowledgement.
func (c *Client) Subscribe(ctx context.Context, filter string, h transport.Handler) error {
	cb := func(_ paho.Client, msg paho.Message) {
		m := transport.Message{Topic: msg.Topic(), Payload: msg.Payload()}
		if err := h(ctx, m); err != nil {
			c.log.Warn("handler failed", zap.String("topic", m.Topic), zap.Error(err))
		}
	}
	if err := wait(c.c.Subscribe(filter, c.qos, cb), c.timeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	c.log.Info("subscribed", zap.String("filter", filter))

	<-ctx.Done()

	if err := wait(c.c.Unsubscribe(filter), c.timeout); err != nil {
		c.log.Warn("unsubscribe failed", zap.String("filter", filter), zap.Error(err))
	}
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.c.Disconnect(disconnectQuiesce)
	return nil
}
