// Package mqttbridge carries PHY frames over MQTT to a packet forwarder or
// network server bridge instead of a local radio.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"cloudpico-node/internal/radio"
)

var ErrNotConnected = errors.New("mqtt client not connected")

const (
	publishTimeout   = 5 * time.Second
	downlinkCapacity = 16
)

type Config struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// Uplink is the JSON envelope published for every transmission.
type Uplink struct {
	DeviceID        string    `json:"device_id"`
	PHYPayload      []byte    `json:"phy_payload"`
	Frequency       uint32    `json:"frequency"`
	DataRate        int       `json:"data_rate"`
	SpreadingFactor int       `json:"spreading_factor,omitempty"`
	Bandwidth       int       `json:"bandwidth,omitempty"`
	TxPower         int       `json:"tx_power"`
	Timestamp       time.Time `json:"timestamp"`
}

// Downlink is the JSON envelope expected on the down topic.
type Downlink struct {
	PHYPayload []byte `json:"phy_payload"`
}

type Client struct {
	client    mqtt.Client
	cfg       Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	downlinks chan []byte

	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ radio.Transport = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttbridge: empty broker")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("mqttbridge: empty client id")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "lora"
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With("component", "mqttbridge"),
		downlinks: make(chan []byte, downlinkCapacity),
		stopCh:    make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscribing in the connect handler restores the subscription after
	// every reconnect of a clean session.
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		token := cl.Subscribe(c.DownTopic(), 1, c.handleDownlink)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			c.logger.Error("mqtt subscribe failed", "topic", c.DownTopic(), "error", token.Error())
		}
		c.setConnected(true)
		c.logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port, "down_topic", c.DownTopic())
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

func (c *Client) UpTopic() string {
	return fmt.Sprintf("%s/%s/up", c.cfg.TopicPrefix, c.cfg.ClientID)
}

func (c *Client) DownTopic() string {
	return fmt.Sprintf("%s/%s/down", c.cfg.TopicPrefix, c.cfg.ClientID)
}

// Connect establishes connection to the MQTT broker.
// This function waits for the initial connection, and respects ctx and Close().
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return radio.ErrTransportStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return radio.ErrTransportStopped
		default:
		}
	}
}

// Send publishes one transmission on the up topic.
func (c *Client) Send(ctx context.Context, tx radio.Transmission) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	at := tx.At
	if at.IsZero() {
		at = time.Now()
	}
	data, err := json.Marshal(Uplink{
		DeviceID:        c.cfg.ClientID,
		PHYPayload:      tx.PHYPayload,
		Frequency:       tx.Frequency,
		DataRate:        tx.DataRate,
		SpreadingFactor: tx.SpreadingFactor,
		Bandwidth:       tx.Bandwidth,
		TxPower:         tx.TxPower,
		Timestamp:       at,
	})
	if err != nil {
		return fmt.Errorf("marshal uplink: %w", err)
	}

	topic := c.UpTopic()
	token := c.client.Publish(topic, 1, false, data)

	timeout := time.NewTimer(publishTimeout)
	defer timeout.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish uplink: %w", err)
	}

	c.logger.Debug("published uplink", "topic", topic, "len", len(tx.PHYPayload))
	return nil
}

func (c *Client) Downlinks() <-chan []byte { return c.downlinks }

func (c *Client) handleDownlink(_ mqtt.Client, msg mqtt.Message) {
	var dl Downlink
	if err := json.Unmarshal(msg.Payload(), &dl); err != nil {
		c.logger.Warn("invalid downlink envelope", "topic", msg.Topic(), "error", err)
		return
	}
	if len(dl.PHYPayload) == 0 {
		c.logger.Warn("downlink without phy_payload", "topic", msg.Topic())
		return
	}

	select {
	case c.downlinks <- dl.PHYPayload:
	default:
		c.logger.Warn("downlink buffer full, dropping frame")
	}
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Close stops the client and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
	return nil
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
