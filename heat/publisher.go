package heat

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// LayerSummary is the compact message published on <prefix>/summary
type LayerSummary struct {
	Dataset    string    `json:"dataset"`
	Title      string    `json:"title,omitempty"`
	Zoom       int       `json:"zoom"`
	Seq        uint64    `json:"seq"`
	Buckets    int       `json:"buckets"`
	Summary    Summary   `json:"summary"`
	Legend     string    `json:"legend"`
	Fallback   bool      `json:"fallback"`
	RenderedAt time.Time `json:"renderedAt"`
}

// SummarizeLayer builds the summary message for a layer
func SummarizeLayer(l Layer) LayerSummary {
	return LayerSummary{
		Dataset:    l.Dataset,
		Title:      l.Title,
		Zoom:       l.Zoom,
		Seq:        l.Seq,
		Buckets:    len(l.Points),
		Summary:    l.Summary,
		Legend:     LegendText(l.Summary),
		Fallback:   l.Fallback,
		RenderedAt: l.RenderedAt,
	}
}

// Publisher publishes rendered layers to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	lastSeq       uint64
	mu            sync.RWMutex
}

// NewPublisher creates a layer publisher. A nil client disables publishing.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // late subscribers get the current layer
	}
}

// LayerTopic returns <prefix>/layer
func (p *Publisher) LayerTopic() string {
	return p.publishPrefix + "/layer"
}

// SummaryTopic returns <prefix>/summary
func (p *Publisher) SummaryTopic() string {
	return p.publishPrefix + "/summary"
}

// PublishLayer publishes the full layer and its summary.
// Layers older than the last published one are skipped.
func (p *Publisher) PublishLayer(l Layer) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	if l.Seq != 0 && l.Seq <= p.lastSeq {
		p.mu.Unlock()
		return nil
	}
	p.lastSeq = l.Seq
	p.mu.Unlock()

	if err := p.publishJSON(p.LayerTopic(), l); err != nil {
		return err
	}
	if err := p.publishJSON(p.SummaryTopic(), SummarizeLayer(l)); err != nil {
		return err
	}

	log.Printf("[MQTT] published layer %d for %s (zoom %d, %d buckets)", l.Seq, l.Dataset, l.Zoom, len(l.Points))
	return nil
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Listener returns a LayerTracker change hook that publishes every new layer
func (p *Publisher) Listener() func(Layer) {
	return func(l Layer) {
		if err := p.PublishLayer(l); err != nil {
			log.Printf("[MQTT] %v", err)
		}
	}
}

// LastSeq returns the sequence number of the last published layer
func (p *Publisher) LastSeq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
