package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS topology. Producers publish submissions to
// trail.events.<instanceID>; accepted events go out on
// trail.ledger.accepted.<eventType>.
const (
	EventStreamName    = "TRAIL_EVENTS"
	EventSubjects      = "trail.events.>"
	IngestConsumer     = "trail-ingest"
	LedgerStreamName   = "TRAIL_LEDGER"
	LedgerSubjects     = "trail.ledger.>"
	AcceptedSubjectFmt = "trail.ledger.accepted.%s"
)

// Subscriber consumes submissions from JetStream and runs them through
// the orchestrator. Deterministic rejections are ACKed away after
// logging; transient failures are NAKed for redelivery, which is safe
// because a replayed (seqNo, eventHash) lands on the idempotent path.
type Subscriber struct {
	js        jetstream.JetStream
	validator *EnvelopeValidator
	orch      *Orchestrator
	consumer  jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, validator *EnvelopeValidator, orch *Orchestrator) *Subscriber {
	return &Subscriber{
		js:        js,
		validator: validator,
		orch:      orch,
	}
}

// Subscribe creates the durable consumer and starts handling. Explicit
// ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, EventStreamName, jetstream.ConsumerConfig{
		Durable:       IngestConsumer,
		FilterSubject: EventSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", IngestConsumer, err)
	}

	cc, err := consumer.Consume(s.handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", IngestConsumer, err)
	}
	s.consumer = cc

	log.Printf("INFO: subscribed to %s (consumer=%s)", EventSubjects, IngestConsumer)
	return nil
}

func (s *Subscriber) handle(msg jetstream.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data := msg.Data()
	if err := s.validator.Validate(data); err != nil {
		log.Printf("WARN: dropping malformed submission on %s: %v", msg.Subject(), err)
		msg.Ack()
		return
	}

	env, err := ParseEnvelope(data, time.Now())
	if err != nil {
		log.Printf("WARN: dropping unparseable submission on %s: %v", msg.Subject(), err)
		msg.Ack()
		return
	}

	if _, err := s.orch.Ingest(ctx, env); err != nil {
		rej := AsReject(err)
		if rej.Reason.Retryable() || rej.Reason == ReasonStorageFailure {
			msg.Nak()
			return
		}
		// Deterministic given current state; redelivery cannot heal it.
		msg.Ack()
		return
	}

	msg.Ack()
}

// Stop gracefully stops the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	log.Println("INFO: NATS subscriber stopped")
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. FileStorage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      EventStreamName,
			Subjects:  []string{EventSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      LedgerStreamName,
			Subjects:  []string{LedgerSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream
// context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
