package resolver

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/go-resolution"
)

// A Proposal is a judgement proposed by a matching worker or a reviewer,
// waiting to be applied to the identity graph.
type Proposal struct {
	A, B      string
	Judgement resolution.Judgement
	User      string
	Score     float64
	Force     bool
}

func (p Proposal) options() []DecideOption {
	opts := []DecideOption{WithUser(p.User), WithScore(p.Score)}
	if p.Force {
		opts = append(opts, WithForce())
	}
	return opts
}

// A Feed publishes proposals to a topic, so that concurrent workers never call
// Resolver.Decide directly. A single ApplyJudgements procedure consumes the
// topic and applies proposals one at a time.
type Feed struct {
	topic *pubsub.Topic
}

// NewFeed returns a Feed publishing to the given topic.
func NewFeed(topic *pubsub.Topic) *Feed {
	return &Feed{topic: topic}
}

// Propose publishes a proposal. It returns once the topic accepted the message.
func (f *Feed) Propose(ctx context.Context, p Proposal) error {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(p); err != nil {
		return fmt.Errorf("encode gob: %w", err)
	}
	msg := &pubsub.Message{
		Body: b.Bytes(),
		// Brokers that partition by key keep proposals about the same pair in order.
		Metadata: map[string]string{
			"pair":      resolution.NewPair(p.A, p.B).String(),
			"judgement": p.Judgement.String(),
		},
	}
	if err := f.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

type judgementApplier struct {
	source   *pubsub.Subscription
	resolver *Resolver
}

// ApplyJudgements returns a [component.Procedure] that receives proposals from
// the given subscription and applies them to the resolver sequentially.
//
// Proposals that conflict with standing judgements are logged and dropped, as
// are messages that cannot be decoded. Any other failure to apply a proposal
// stops the procedure without acknowledging the message, so that it is
// delivered again once the procedure restarts.
func ApplyJudgements(source *pubsub.Subscription, r *Resolver) component.Procedure {
	return judgementApplier{source: source, resolver: r}
}

func (a judgementApplier) Exec(l *component.L) {
	logger := component.Logger(l.Context())
	for l.Continue() {
		err := a.next(l.GraceContext(), logger)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// we're shutting down
			return
		}
		if err != nil {
			logger.Error("Couldn't apply proposed judgement", slog.Any("error", err))
			l.Fatal(err)
		}
	}
}

// next receives a single message and handles it.
func (a judgementApplier) next(ctx context.Context, logger *slog.Logger) error {
	msg, err := a.source.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	return a.handleMessage(ctx, logger, msg)
}

func (a judgementApplier) handleMessage(ctx context.Context, logger *slog.Logger, msg *pubsub.Message) (err error) {
	ctx, span := tracer.Start(ctx, "judgementApplier.handleMessage", trace.WithAttributes(
		attribute.String("msg.id", msg.LoggableID),
	))
	defer span.End()

	var p Proposal
	if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&p); err != nil {
		// Redelivering a malformed message cannot fix it.
		logger.Error("Dropping undecodable proposal", slog.Any("error", err), slog.Any("metadata", msg.Metadata))
		span.SetStatus(codes.Error, err.Error())
		msg.Ack()
		return nil
	}

	defer func(start time.Time) {
		measureProposal(ctx, p.Judgement, err == nil, time.Since(start))
	}(time.Now())

	logger = logger.With(slog.String("a", p.A), slog.String("b", p.B), slog.Any("judgement", p.Judgement))
	canonical, err := a.resolver.Decide(ctx, p.A, p.B, p.Judgement, p.options()...)
	var conflict *resolution.ConflictError
	if errors.As(err, &conflict) {
		logger.Warn("Rejected proposal conflicting with a standing judgement", slog.Any("standing", conflict.Existing))
		msg.Ack()
		return nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("decide %s and %s: %w", p.A, p.B, err)
	}

	// Acknowledge only once the judgement is recorded; the feed is at-least-once and
	// repeating a standing judgement is a no-op.
	msg.Ack()
	logger.Debug("Applied proposed judgement", slog.String("canonical", canonical))
	return nil
}
