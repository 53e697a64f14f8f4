// Package publisher handles publishing camera events to RabbitMQ.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/camera"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/rtsp"
)

const (
	defaultExchange = "discovery.events"
	eventSource     = "/collectors/camera-scanner"

	// EventCameraVerified is the CloudEvent type emitted per camera after a run.
	EventCameraVerified = "discovery.camera.verified"
	// RoutingKeyCamera is the routing key for camera events.
	RoutingKeyCamera = "discovered.camera"
)

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends CloudEvents to RabbitMQ.
type Publisher struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	scanID string
}

// CloudEvent represents the CloudEvents 1.0 specification structure.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	Type            string      `json:"type"`
	Source          string      `json:"source"`
	Subject         string      `json:"subject,omitempty"`
	ID              string      `json:"id"`
	Time            string      `json:"time"`
	DataContentType string      `json:"datacontenttype"`
	Data            interface{} `json:"data"`
}

// CameraData is the payload of a camera event. Credentials are never included.
type CameraData struct {
	CameraID     string       `json:"camera_id"`
	Host         string       `json:"host"`
	OnvifAddress string       `json:"onvif_address,omitempty"`
	Source       string       `json:"source"`
	Make         string       `json:"make,omitempty"`
	Model        string       `json:"model,omitempty"`
	Serial       string       `json:"serial,omitempty"`
	Identified   bool         `json:"identified"`
	Success      bool         `json:"success"`
	Streams      []StreamData `json:"streams,omitempty"`
	Errors       []string     `json:"errors,omitempty"`
}

// StreamData describes one stream profile.
type StreamData struct {
	Role      string  `json:"role"`
	URI       string  `json:"uri"`
	Codec     string  `json:"codec,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frame_rate,omitempty"`
	Bitrate   int     `json:"bitrate_kbps,omitempty"`
}

// New creates a new Publisher connected to RabbitMQ.
func New(cfg config.RabbitMQConfig, logger *zap.SugaredLogger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p := newWithChannel(ch, cfg.Exchange, logger)
	p.conn = conn
	return p, nil
}

func newWithChannel(ch channel, exchange string, logger *zap.SugaredLogger) *Publisher {
	if exchange == "" {
		exchange = defaultExchange
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// SetScanID sets the scan ID used as the subject of subsequent events.
func (p *Publisher) SetScanID(id string) {
	p.mu.Lock()
	p.scanID = id
	p.mu.Unlock()
}

// PublishCamera publishes the final state of one camera record.
func (p *Publisher) PublishCamera(rec camera.Record) error {
	event := p.createEvent(EventCameraVerified, CameraEvent(rec))
	return p.publish(event, RoutingKeyCamera)
}

// CameraEvent converts rec to an event payload.
func CameraEvent(rec camera.Record) CameraData {
	data := CameraData{
		CameraID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(rec.Key)).String(),
		Host:       rec.Host,
		Source:     string(rec.Source),
		Make:       rec.Make,
		Model:      rec.Model,
		Serial:     rec.Serial,
		Identified: rec.Identified,
		Success:    rec.Successful(),
		Errors:     rec.Errors(),
	}
	if rec.HasEndpoint() {
		data.OnvifAddress = rec.Key
	}
	for _, prof := range rec.Profiles {
		data.Streams = append(data.Streams, StreamData{
			Role:      string(prof.Role),
			URI:       rtsp.StripCredentials(prof.URI),
			Codec:     prof.Codec,
			Width:     prof.Width,
			Height:    prof.Height,
			FrameRate: prof.FrameRate,
			Bitrate:   prof.Bitrate,
		})
	}
	return data
}

func (p *Publisher) createEvent(eventType string, data interface{}) CloudEvent {
	p.mu.RLock()
	subject := p.scanID
	p.mu.RUnlock()

	return CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          eventSource,
		Subject:         subject,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC().Format(time.RFC3339),
		DataContentType: "application/json",
		Data:            data,
	}
}

func (p *Publisher) publish(event CloudEvent, routingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/cloudevents+json",
			Body:        body,
			MessageId:   event.ID,
			Timestamp:   time.Now(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("Event published",
		"type", event.Type,
		"id", event.ID,
		"routing_key", routingKey,
	)

	return nil
}
