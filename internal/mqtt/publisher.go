package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/obdsoc/internal/poller"
)

// Config holds the MQTT settings.
type Config struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Broker          string `yaml:"broker" json:"broker"` // host or host:port
	ClientID        string `yaml:"client_id" json:"clientId"`
	Username        string `yaml:"username" json:"username"`
	Password        string `yaml:"password" json:"-"`
	DiscoveryPrefix string `yaml:"discovery_prefix" json:"discoveryPrefix"`
	DeviceName      string `yaml:"device_name" json:"deviceName"`
}

// Publisher announces the SOC sensor to Home Assistant via MQTT discovery
// and publishes every successful reading as retained state.
type Publisher struct {
	cfg Config

	mu     sync.Mutex
	client pahomqtt.Client
}

// New creates a Publisher. Call Connect before readings are published.
func New(cfg Config) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "obdsoc"
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Car"
	}
	return &Publisher{cfg: cfg}
}

// BrokerURL turns the configured broker into a paho server URL.
func (p *Publisher) BrokerURL() string {
	b := p.cfg.Broker
	if strings.Contains(b, "://") {
		return b
	}
	if !strings.Contains(b, ":") {
		b += ":1883"
	}
	return "tcp://" + b
}

// Connect dials the broker and publishes the discovery config. Reconnects
// are handled by paho.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("mqtt: no broker configured")
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.BrokerURL())
	opts.SetClientID(p.cfg.ClientID)
	opts.SetUsername(p.cfg.Username)
	opts.SetPassword(p.cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Printf("[mqtt] connected to %s", p.BrokerURL())
		if err := p.publishDiscovery(c); err != nil {
			log.Printf("[mqtt] discovery failed: %v", err)
		}
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", p.BrokerURL(), err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		log.Printf("[mqtt] disconnected")
	}
}

// CycleCompleted publishes the SOC of successful reads. It does not wait
// for the broker to acknowledge.
func (p *Publisher) CycleCompleted(out poller.Outcome) {
	if !out.SOCFound {
		return
	}
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}

	payload := strconv.FormatFloat(out.SOC, 'f', 1, 64)
	topic := p.StateTopic()
	token := client.Publish(topic, 1, true, payload)
	// Called from the poller loop; acknowledge in the background.
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			log.Printf("[mqtt] publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("[mqtt] publish to %s failed: %v", topic, err)
		}
	}()
}

func (p *Publisher) objectID() string {
	return strings.ToLower(strings.ReplaceAll(p.cfg.DeviceName, " ", "_")) + "_state_of_charge"
}

// StateTopic is where the SOC value is published.
func (p *Publisher) StateTopic() string {
	return fmt.Sprintf("%s/sensor/%s/state", p.cfg.DiscoveryPrefix, p.objectID())
}

// ConfigTopic is where the discovery config is published.
func (p *Publisher) ConfigTopic() string {
	return fmt.Sprintf("%s/sensor/%s/config", p.cfg.DiscoveryPrefix, p.objectID())
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type haSensorConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	DeviceClass       string   `json:"device_class"`
	StateClass        string   `json:"state_class"`
	UnitOfMeasurement string   `json:"unit_of_measurement"`
	DisplayPrecision  int      `json:"suggested_display_precision"`
	Device            haDevice `json:"device"`
}

// DiscoveryPayload builds the Home Assistant sensor config.
func (p *Publisher) DiscoveryPayload() ([]byte, error) {
	id := p.objectID()
	return json.Marshal(haSensorConfig{
		Name:              "State of Charge",
		UniqueID:          id,
		StateTopic:        p.StateTopic(),
		DeviceClass:       "battery",
		StateClass:        "measurement",
		UnitOfMeasurement: "%",
		DisplayPrecision:  1,
		Device: haDevice{
			Identifiers:  []string{p.cfg.ClientID},
			Name:         p.cfg.DeviceName,
			Manufacturer: "obdsoc",
			Model:        "OBD-II SOC reader",
		},
	})
}

func (p *Publisher) publishDiscovery(c pahomqtt.Client) error {
	payload, err := p.DiscoveryPayload()
	if err != nil {
		return err
	}
	token := c.Publish(p.ConfigTopic(), 1, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", p.ConfigTopic())
	}
	return token.Error()
}
