package heat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Control topic suffixes under <prefix>/control/
const (
	ControlDataset = "dataset"
	ControlZoom    = "zoom"
	ControlRefresh = "refresh"
)

// controlTimeout bounds the fetch triggered by a control message
const controlTimeout = 60 * time.Second

// Controller receives view events. *Scheduler implements it.
type Controller interface {
	SelectDataset(ctx context.Context, name string) error
	OnZoomChange(zoom int)
	Refresh(ctx context.Context) error
}

// ControlTopic returns <prefix>/control/<kind>
func ControlTopic(prefix, kind string) string {
	return fmt.Sprintf("%s/control/%s", prefix, kind)
}

// MQTTClient manages the broker connection and control-topic subscriptions
type MQTTClient struct {
	client      mqtt.Client
	prefix      string
	controller  Controller
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from cfg. An empty broker disables MQTT and
// returns nil, nil. Call Start to connect.
func NewMQTTClient(cfg MQTTConfig, controller Controller) (*MQTTClient, error) {
	if cfg.Broker == "" {
		log.Println("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if controller == nil {
		return nil, fmt.Errorf("MQTT enabled but no controller provided")
	}

	prefix := cfg.PublishPrefix
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	c := &MQTTClient{prefix: prefix, controller: controller}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "heatmesh"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // keep subscriptions across reconnects
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// NewMQTTClientWithClient wires an existing mqtt.Client such as a MockClient.
// Register OnConnectHandler with the client so control topics get subscribed.
func NewMQTTClientWithClient(client mqtt.Client, prefix string, controller Controller) *MQTTClient {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &MQTTClient{client: client, prefix: prefix, controller: controller}
}

// OnConnectHandler returns the handler that subscribes to the control topics
func (c *MQTTClient) OnConnectHandler() mqtt.OnConnectHandler {
	return c.onConnect
}

// Start connects in the background, retrying with exponential backoff until ctx is done
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] retrying connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the control topics
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	c.subscribe(client)
}

func (c *MQTTClient) subscribe(client mqtt.Client) {
	handlers := map[string]mqtt.MessageHandler{
		ControlTopic(c.prefix, ControlDataset): c.handleDataset,
		ControlTopic(c.prefix, ControlZoom):    c.handleZoom,
		ControlTopic(c.prefix, ControlRefresh): c.handleRefresh,
	}
	for topic, h := range handlers {
		token := client.Subscribe(topic, 0, h)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] error subscribing to %s: %v", topic, token.Error())
			continue
		}
		log.Printf("[MQTT] subscribed to %s", topic)
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// controlPayload is the {"value": ...} form of a control message
type controlPayload struct {
	Value json.RawMessage `json:"value"`
}

// parseControlValue accepts {"value": x}, a JSON string, a JSON number or raw text
func parseControlValue(payload []byte) (string, bool) {
	var obj controlPayload
	if err := json.Unmarshal(payload, &obj); err == nil && len(obj.Value) > 0 {
		payload = obj.Value
	}

	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	v := strings.TrimSpace(string(payload))
	return v, v != ""
}

func (c *MQTTClient) handleDataset(_ mqtt.Client, msg mqtt.Message) {
	name, ok := parseControlValue(msg.Payload())
	if !ok {
		log.Printf("[MQTT] empty dataset payload on %s, skipping", msg.Topic())
		return
	}
	log.Printf("[MQTT] dataset selected: %s", name)

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := c.controller.SelectDataset(ctx, name); err != nil {
		log.Printf("[MQTT] selecting %s: %v", name, err)
	}
}

func (c *MQTTClient) handleZoom(_ mqtt.Client, msg mqtt.Message) {
	raw, ok := parseControlValue(msg.Payload())
	if !ok {
		return
	}
	zoom, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			log.Printf("[MQTT] invalid zoom payload %q", raw)
			return
		}
		zoom = int(f)
	}
	c.controller.OnZoomChange(zoom)
}

func (c *MQTTClient) handleRefresh(_ mqtt.Client, _ mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := c.controller.Refresh(ctx); err != nil {
		log.Printf("[MQTT] refresh: %v", err)
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// Prefix returns the topic prefix
func (c *MQTTClient) Prefix() string {
	return c.prefix
}
