// Package ingest feeds telemetry from an MQTT broker into the event pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"rescuenav/internal/model"
	"rescuenav/internal/store"
)

const source = "mqtt"

// Sink receives decoded boundary events. The API's Ingestor implements it.
type Sink interface {
	Detection(ctx context.Context, source string, ev model.DetectionEvent) (store.VictimChange, error)
	Likelihood(ctx context.Context, source string, ev model.LikelihoodEvent) (store.VictimChange, error)
	Responder(ctx context.Context, source string, ev model.ResponderEvent) (store.ResponderChange, error)
}

var ErrUnknownTopic = errors.New("unknown topic")

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is the topic root: <prefix>/detections, <prefix>/likelihoods, <prefix>/responders.
	Prefix string
	QoS    byte
}

// Subscriber consumes the telemetry topics and hands each message to a Sink.
type Subscriber struct {
	client mqtt.Client
	cfg    Config
	sink   Sink
	log    *zap.Logger
}

// NewSubscriber builds a subscriber with an auto-reconnecting client. It does
// not connect until Run.
func NewSubscriber(cfg Config, sink Sink, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rescuenav"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("rescuenav-%d", time.Now().UnixNano())
	}
	s := &Subscriber{cfg: cfg, sink: sink, log: log.Named("mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// subscriptions are lost with a clean session; restore them on every connect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			s.log.Error("mqtt subscribe failed", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", zap.Error(err))
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Topics returns the subscribed topic names.
func (s *Subscriber) Topics() []string {
	return []string{s.cfg.Prefix + "/detections", s.cfg.Prefix + "/likelihoods", s.cfg.Prefix + "/responders"}
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	filters := map[string]byte{}
	for _, t := range s.Topics() {
		filters[t] = s.cfg.QoS
	}
	if token := c.SubscribeMultiple(filters, s.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %v: %w", s.Topics(), token.Error())
	}
	s.log.Info("mqtt subscribed", zap.Strings("topics", s.Topics()))
	return nil
}

// Run connects and consumes until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	<-ctx.Done()
	s.client.Disconnect(250)
	return nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if err := s.Handle(context.Background(), msg.Topic(), msg.Payload()); err != nil {
		// invalid telemetry is dropped, never retried
		s.log.Warn("mqtt message dropped", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// Handle decodes one message by topic and forwards it to the sink.
func (s *Subscriber) Handle(ctx context.Context, topic string, payload []byte) error {
	kind := strings.TrimPrefix(topic, s.cfg.Prefix+"/")
	switch kind {
	case "detections":
		var ev model.DetectionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode detection: %w", err)
		}
		_, err := s.sink.Detection(ctx, source, ev)
		return err
	case "likelihoods":
		var ev model.LikelihoodEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode likelihood: %w", err)
		}
		_, err := s.sink.Likelihood(ctx, source, ev)
		return err
	case "responders":
		var ev model.ResponderEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("decode responder: %w", err)
		}
		_, err := s.sink.Responder(ctx, source, ev)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}
