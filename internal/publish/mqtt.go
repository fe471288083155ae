package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/timeutil"
)

// publishTimeout bounds the wait for a broker acknowledgement.
const publishTimeout = 5 * time.Second

// MQTTConfig configures the peak publisher.
type MQTTConfig struct {
	Broker   string
	ClientID string
	// Topic is the prefix; each baseline publishes to Topic/<n>, 1-based.
	Topic    string
	QoS      byte
	Retained bool
}

// PeakSummary is the per-baseline payload.
type PeakSummary struct {
	Profile    string    `json:"profile"`
	BaselineID int       `json:"baseline_id"`
	PeakBin    int       `json:"peak_bin"`
	Max        float64   `json:"max"`
	Min        float64   `json:"min"`
	Range      float64   `json:"range"`
	Frames     uint64    `json:"frames"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// MQTTPublisher publishes a PeakSummary for every baseline that received a
// frame since the previous publish.
type MQTTPublisher struct {
	client     mqtt.Client
	cfg        MQTTConfig
	lastFrames map[int]uint64
}

// NewMQTTPublisher connects to the broker.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: no broker configured")
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt connection lost: %v", err)
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: timed out connecting to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, err)
	}
	log.Printf("mqtt publisher connected to %s (topic %s)", cfg.Broker, cfg.Topic)
	return NewMQTTPublisherWithClient(c, cfg), nil
}

// NewMQTTPublisherWithClient wraps an existing client.
func NewMQTTPublisherWithClient(c mqtt.Client, cfg MQTTConfig) *MQTTPublisher {
	if cfg.Topic == "" {
		cfg.Topic = "lagview/peaks"
	}
	return &MQTTPublisher{client: c, cfg: cfg, lastFrames: make(map[int]uint64)}
}

// Publish sends one message per updated baseline and returns how many were
// sent. Placeholder snapshots are never published.
func (p *MQTTPublisher) Publish(s aggregate.Snapshot) (int, error) {
	if s.Placeholder {
		return 0, nil
	}
	n := 0
	for _, b := range s.Baselines {
		if b.Frames == 0 || b.Frames == p.lastFrames[b.BaselineID] {
			continue
		}
		payload, err := json.Marshal(PeakSummary{
			Profile:    s.Profile,
			BaselineID: b.BaselineID,
			PeakBin:    b.PeakBin,
			Max:        b.Max,
			Min:        b.Min,
			Range:      b.Range,
			Frames:     b.Frames,
			UpdatedAt:  b.UpdatedAt,
		})
		if err != nil {
			return n, err
		}
		topic := fmt.Sprintf("%s/%d", p.cfg.Topic, b.BaselineID+1)
		token := p.client.Publish(topic, p.cfg.QoS, p.cfg.Retained, payload)
		if !token.WaitTimeout(publishTimeout) {
			return n, fmt.Errorf("mqtt: publish to %s timed out", topic)
		}
		if err := token.Error(); err != nil {
			return n, fmt.Errorf("mqtt: publish to %s: %w", topic, err)
		}
		p.lastFrames[b.BaselineID] = b.Frames
		n++
	}
	return n, nil
}

// Run publishes source() every interval until ctx is cancelled.
func (p *MQTTPublisher) Run(ctx context.Context, source func() aggregate.Snapshot, interval time.Duration, clock timeutil.Clock) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
			if _, err := p.Publish(source()); err != nil {
				log.Printf("%v", err)
			}
		}
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
