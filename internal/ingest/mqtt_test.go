package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescuenav/internal/model"
	"rescuenav/internal/store"
)

type fakeSink struct {
	mu          sync.Mutex
	detections  []model.DetectionEvent
	likelihoods []model.LikelihoodEvent
	responders  []model.ResponderEvent
	sources     []string
	err         error
}

func (f *fakeSink) Detection(_ context.Context, src string, ev model.DetectionEvent) (store.VictimChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, ev)
	f.sources = append(f.sources, src)
	return store.VictimChange{}, f.err
}

func (f *fakeSink) Likelihood(_ context.Context, src string, ev model.LikelihoodEvent) (store.VictimChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.likelihoods = append(f.likelihoods, ev)
	f.sources = append(f.sources, src)
	return store.VictimChange{}, f.err
}

func (f *fakeSink) Responder(_ context.Context, src string, ev model.ResponderEvent) (store.ResponderChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders = append(f.responders, ev)
	f.sources = append(f.sources, src)
	return store.ResponderChange{}, f.err
}

// fakeMessage satisfies mqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestHandleDispatchesByTopic(t *testing.T) {
	sink := &fakeSink{}
	s := NewSubscriber(Config{Broker: "tcp://127.0.0.1:1883", Prefix: "field"}, sink, nil)
	ctx := context.Background()

	require.NoError(t, s.Handle(ctx, "field/detections", []byte(`{"victim_id":"v1","lat":1,"lon":2,"injury_level":"severe","survival_likelihood":0.4}`)))
	require.NoError(t, s.Handle(ctx, "field/likelihoods", []byte(`{"victim_id":"v1","survival_likelihood":0.3}`)))
	require.NoError(t, s.Handle(ctx, "field/responders", []byte(`{"responder_id":"r1","lat":1,"lon":2,"status":"idle","remaining_capacity":2}`)))

	require.Len(t, sink.detections, 1)
	assert.Equal(t, "severe", sink.detections[0].InjuryLevel)
	require.Len(t, sink.likelihoods, 1)
	assert.InDelta(t, 0.3, sink.likelihoods[0].SurvivalLikelihood, 1e-9)
	require.Len(t, sink.responders, 1)
	require.NotNil(t, sink.responders[0].RemainingCapacity)
	assert.Equal(t, 2, *sink.responders[0].RemainingCapacity)
	assert.Equal(t, []string{"mqtt", "mqtt", "mqtt"}, sink.sources)
}

func TestHandleRejectsBadInput(t *testing.T) {
	sink := &fakeSink{}
	s := NewSubscriber(Config{Broker: "tcp://127.0.0.1:1883"}, sink, nil)
	ctx := context.Background()

	err := s.Handle(ctx, "rescuenav/unknown", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTopic)
	assert.Error(t, s.Handle(ctx, "rescuenav/detections", []byte(`{"victim_id":`)))
	assert.Empty(t, sink.detections)

	sink.err = errors.New("boom")
	assert.EqualError(t, s.Handle(ctx, "rescuenav/likelihoods", []byte(`{"victim_id":"v1","survival_likelihood":0.3}`)), "boom")
}

func TestOnMessageDropsFailures(t *testing.T) {
	sink := &fakeSink{err: errors.New("invalid")}
	s := NewSubscriber(Config{Broker: "tcp://127.0.0.1:1883"}, sink, nil)
	assert.NotPanics(t, func() {
		s.onMessage(nil, fakeMessage{topic: "rescuenav/detections", payload: []byte(`{"victim_id":"v1"}`)})
	})
	assert.Len(t, sink.detections, 1)
	assert.Equal(t, []string{"rescuenav/detections", "rescuenav/likelihoods", "rescuenav/responders"}, s.Topics())
}
