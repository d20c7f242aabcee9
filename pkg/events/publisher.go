// Package events announces completed frames on an MQTT broker so other
// services can react without joining the UDP stream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/antmicro/farshow/internal"
	"github.com/antmicro/farshow/pkg/reassembly"
)

const (
	DefaultTopicPrefix = "farshow"
	defaultQueueDepth  = 64
	publishTimeout     = 2 * time.Second
)

// FrameEvent is the JSON body published for every completed frame.
type FrameEvent struct {
	ReceiverID string    `json:"receiver_id"`
	Stream     string    `json:"stream"`
	FrameID    uint32    `json:"frame_id"`
	Format     string    `json:"format"`
	Bytes      int       `json:"bytes"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	ReceivedAt time.Time `json:"received_at"`
}

type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883". A bare host:port
	// gets the tcp scheme.
	Broker      string
	ClientID    string
	ReceiverID  string
	TopicPrefix string
	QoS         byte
	QueueDepth  int
}

// Publisher implements the receiver renderer interface. Render never blocks:
// events go through a bounded queue and are dropped when it is full.
type Publisher struct {
	cfg    Config
	client paho.Client
	queue  chan FrameEvent
	wg     sync.WaitGroup
	once   sync.Once

	mu        sync.Mutex
	published uint64
	dropped   uint64
	failed    uint64
}

func NewPublisher(cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "farshow-" + cfg.ReceiverID
	}
	if cfg.Broker != "" && !strings.Contains(cfg.Broker, "://") {
		cfg.Broker = "tcp://" + cfg.Broker
	}
	return &Publisher{
		cfg:   cfg,
		queue: make(chan FrameEvent, cfg.QueueDepth),
	}
}

// Connect dials the broker and starts the publishing goroutine.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) {
			internal.Info("mqtt connection established", internal.Fields{
				internal.FieldAddr: p.cfg.Broker,
			})
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			internal.Warn("mqtt connection lost, will auto-reconnect", internal.Fields{
				internal.FieldAddr:  p.cfg.Broker,
				internal.FieldError: err.Error(),
			})
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.start(client)
	return nil
}

func (p *Publisher) start(client paho.Client) {
	p.client = client
	p.wg.Add(1)
	go p.loop()
}

// Topic is where events of stream are published.
func (p *Publisher) Topic(stream string) string {
	return fmt.Sprintf("%s/%s/streams/%s/frames", p.cfg.TopicPrefix, p.cfg.ReceiverID, stream)
}

func (p *Publisher) Render(frame *reassembly.CompletedFrame) {
	if frame == nil || p.client == nil {
		return
	}
	ev := FrameEvent{
		ReceiverID: p.cfg.ReceiverID,
		Stream:     frame.Stream,
		FrameID:    frame.FrameID,
		Format:     string(frame.Format),
		Bytes:      len(frame.Data),
		ReceivedAt: frame.ReceivedAt,
	}
	if frame.Image != nil {
		b := frame.Image.Bounds()
		ev.Width, ev.Height = b.Dx(), b.Dy()
	}
	select {
	case p.queue <- ev:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for ev := range p.queue {
		if err := p.publish(ev); err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			internal.Debug("frame event not published", internal.Fields{
				internal.FieldStream:  ev.Stream,
				internal.FieldFrameID: ev.FrameID,
				internal.FieldError:   err.Error(),
			})
			continue
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
}

func (p *Publisher) publish(ev FrameEvent) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal frame event: %w", err)
	}
	token := p.client.Publish(p.Topic(ev.Stream), p.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Stats returns published, dropped and failed event counts.
func (p *Publisher) Stats() (published, dropped, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.dropped, p.failed
}

// Close flushes queued events and disconnects. Render must not be called
// after Close.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.client == nil {
			return
		}
		close(p.queue)
		p.wg.Wait()
		p.client.Disconnect(250)
	})
}
