package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpico-node/internal/radio"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startBroker spins up an in-process MQTT broker.
func startBroker(t *testing.T) int {
	t.Helper()
	port := freePort(t)

	broker := mochi.New(nil)
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{
		Type:    "tcp",
		ID:      "test",
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})))
	require.NoError(t, broker.Serve())
	t.Cleanup(func() { _ = broker.Close() })
	return port
}

func peer(t *testing.T, port int) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port))
	opts.SetClientID("network-server")
	cl := mqtt.NewClient(opts)
	token := cl.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { cl.Disconnect(100) })
	return cl
}

func connectedClient(t *testing.T, port int) *Client {
	t.Helper()
	c, err := NewClient(Config{Broker: "127.0.0.1", Port: port, ClientID: "node-1", TopicPrefix: "lab"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	require.Eventually(t, c.IsConnected, 5*time.Second, 20*time.Millisecond)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{ClientID: "x"}, nil)
	require.Error(t, err)
	_, err = NewClient(Config{Broker: "localhost"}, nil)
	require.Error(t, err)

	c, err := NewClient(Config{Broker: "localhost", Port: 1883, ClientID: "node-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "lora/node-1/up", c.UpTopic())
	assert.Equal(t, "lora/node-1/down", c.DownTopic())
}

func TestSend_NotConnected(t *testing.T) {
	c, err := NewClient(Config{Broker: "localhost", Port: 1, ClientID: "node-1"}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, c.Send(context.Background(), radio.Transmission{}), ErrNotConnected)
}

func TestSend_PublishesEnvelope(t *testing.T) {
	port := startBroker(t)
	ns := peer(t, port)

	got := make(chan Uplink, 1)
	token := ns.Subscribe("lab/node-1/up", 1, func(_ mqtt.Client, msg mqtt.Message) {
		var up Uplink
		if err := json.Unmarshal(msg.Payload(), &up); err == nil {
			got <- up
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	c := connectedClient(t, port)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Send(context.Background(), radio.Transmission{
		PHYPayload:      []byte{0x40, 0xda, 0x1b},
		Frequency:       868100000,
		DataRate:        5,
		SpreadingFactor: 7,
		Bandwidth:       125000,
		TxPower:         16,
		At:              at,
	}))

	select {
	case up := <-got:
		assert.Equal(t, "node-1", up.DeviceID)
		assert.Equal(t, []byte{0x40, 0xda, 0x1b}, up.PHYPayload)
		assert.Equal(t, uint32(868100000), up.Frequency)
		assert.Equal(t, 16, up.TxPower)
		assert.True(t, at.Equal(up.Timestamp))
	case <-time.After(5 * time.Second):
		t.Fatal("uplink not received")
	}
}

func TestDownlinks_DeliversFrames(t *testing.T) {
	port := startBroker(t)
	ns := peer(t, port)
	c := connectedClient(t, port)

	// Garbage first: must be dropped without blocking the valid frame.
	ns.Publish(c.DownTopic(), 1, false, []byte("not json")).WaitTimeout(5 * time.Second)

	body, err := json.Marshal(Downlink{PHYPayload: []byte{0x60, 0x01, 0x02}})
	require.NoError(t, err)
	token := ns.Publish(c.DownTopic(), 1, false, body)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case frame := <-c.Downlinks():
		assert.Equal(t, []byte{0x60, 0x01, 0x02}, frame)
	case <-time.After(5 * time.Second):
		t.Fatal("downlink not delivered")
	}
}

func TestClose_Idempotent(t *testing.T) {
	port := startBroker(t)
	c := connectedClient(t, port)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
	require.ErrorIs(t, c.Connect(context.Background()), radio.ErrTransportStopped)
}
