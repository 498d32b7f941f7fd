package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"TradeTrail/internal/event"
)

// AcceptedEvent is the outbound wire format for a committed event,
// mirroring the submission envelope plus the server receipt time.
type AcceptedEvent struct {
	InstanceID string          `json:"instance_id"`
	SeqNo      int64           `json:"seq_no"`
	EventType  string          `json:"event_type"`
	Timestamp  int64           `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prev_hash"`
	EventHash  string          `json:"event_hash"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Publisher drains the accepted-event channel to JetStream so
// downstream consumers (copy-trade mirrors, scoring) see commits
// without polling the log. Publish failures are non-fatal; the event
// log remains the source of truth.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan *event.Envelope
}

func NewPublisher(js jetstream.JetStream, input <-chan *event.Envelope) *Publisher {
	return &Publisher{js: js, input: input}
}

// Run starts the outbound publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				log.Printf("WARN: outbound publish failed instance=%s seq=%d: %v",
					env.InstanceID, env.SeqNo, err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	out := AcceptedEvent{
		InstanceID: env.InstanceID,
		SeqNo:      env.SeqNo,
		EventType:  env.Type.String(),
		Timestamp:  env.Timestamp.Unix(),
		Payload:    env.RawPayload,
		PrevHash:   env.PrevHash.String(),
		EventHash:  env.EventHash.String(),
		ReceivedAt: env.ReceivedAt,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal accepted event: %w", err)
	}

	// The event hash doubles as the JetStream message ID, so a retried
	// publish after redelivery deduplicates server-side.
	subject := fmt.Sprintf(AcceptedSubjectFmt, env.Type.String())
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.EventHash.String()))
	return err
}
