package broker

import (
	"context"
	"sync"

	"promorelay/pkg/models"
)

type NopProducer struct{}

func (NopProducer) Publish(context.Context, string, models.MessageEnvelope) error { return nil }
func (NopProducer) Close() error                                                   { return nil }

// Published is one envelope captured by MemoryProducer.
type Published struct {
	Topic    string
	Envelope models.MessageEnvelope
}

// MemoryProducer keeps everything it is given. Err, when set, is returned
// from every Publish.
type MemoryProducer struct {
	mu        sync.Mutex
	published []Published
	Err       error
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{}
}

func (p *MemoryProducer) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.published = append(p.published, Published{Topic: topic, Envelope: msg})
	return nil
}

func (p *MemoryProducer) Close() error {
	return nil
}

func (p *MemoryProducer) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.published...)
}

// Topic returns the envelopes published to topic, in order.
func (p *MemoryProducer) Topic(topic string) []models.MessageEnvelope {
	var out []models.MessageEnvelope
	for _, pub := range p.Published() {
		if pub.Topic == topic {
			out = append(out, pub.Envelope)
		}
	}
	return out
}
