package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdsoc/internal/poller"
)

func TestPublisher_Topics(t *testing.T) {
	p := New(Config{DeviceName: "Ioniq Electric"})
	assert.Equal(t, "homeassistant/sensor/ioniq_electric_state_of_charge/state", p.StateTopic())
	assert.Equal(t, "homeassistant/sensor/ioniq_electric_state_of_charge/config", p.ConfigTopic())
}

func TestPublisher_BrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://broker:1883", New(Config{Broker: "broker"}).BrokerURL())
	assert.Equal(t, "tcp://broker:8883", New(Config{Broker: "broker:8883"}).BrokerURL())
	assert.Equal(t, "ssl://broker:8883", New(Config{Broker: "ssl://broker:8883"}).BrokerURL())
}

func TestPublisher_DiscoveryPayload(t *testing.T) {
	p := New(Config{ClientID: "obdsoc-garage", DeviceName: "Car"})

	data, err := p.DiscoveryPayload()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "battery", got["device_class"])
	assert.Equal(t, "%", got["unit_of_measurement"])
	assert.Equal(t, p.StateTopic(), got["state_topic"])
	assert.Equal(t, "car_state_of_charge", got["unique_id"])
	device := got["device"].(map[string]any)
	assert.Equal(t, []any{"obdsoc-garage"}, device["identifiers"])
}

func TestPublisher_ConnectWithoutBroker(t *testing.T) {
	err := New(Config{}).Connect(context.Background())
	assert.Error(t, err)
}

func TestPublisher_IgnoresReadsWhileDisconnected(t *testing.T) {
	p := New(Config{Broker: "localhost"})
	assert.NotPanics(t, func() {
		p.CycleCompleted(poller.Outcome{SOCFound: true, SOC: 80})
		p.Close()
	})
}

// stalledToken never completes, like a publish to a broker that stopped
// answering.
type stalledToken struct{ done chan struct{} }

func (t stalledToken) Wait() bool { <-t.done; return true }

func (t stalledToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t stalledToken) Done() <-chan struct{} { return t.done }
func (t stalledToken) Error() error          { return nil }

type recordingClient struct {
	pahomqtt.Client

	mu        sync.Mutex
	published map[string]any
	done      chan struct{}
}

func (c *recordingClient) IsConnected() bool { return true }

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = payload
	return stalledToken{done: c.done}
}

func TestPublisher_CycleCompletedDoesNotWaitForBroker(t *testing.T) {
	client := &recordingClient{published: map[string]any{}, done: make(chan struct{})}
	defer close(client.done)

	p := New(Config{Broker: "localhost"})
	p.client = client

	start := time.Now()
	p.CycleCompleted(poller.Outcome{SOCFound: true, SOC: 72.5})
	assert.Less(t, time.Since(start), time.Second, "a stalled broker must not hold up the poller")

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, "72.5", client.published[p.StateTopic()])
}

func TestPublisher_SkipsFailedReads(t *testing.T) {
	client := &recordingClient{published: map[string]any{}, done: make(chan struct{})}
	close(client.done)

	p := New(Config{Broker: "localhost"})
	p.client = client
	p.CycleCompleted(poller.Outcome{State: poller.StateConnectedReadFailed})

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.published)
}
