package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/packgrant/packgrant/core/infra/logging"
	"github.com/packgrant/packgrant/core/packs"
)

// QueueEngine load-balances host reports across engine replicas.
const QueueEngine = "packgrant-engine"

// OutcomeReport is what the host publishes when a client answers a pack request.
type OutcomeReport struct {
	ID       string `json:"id,omitempty"`
	PlayerID string `json:"player_id"`
	Address  string `json:"address"`
	Asset    string `json:"asset"`
	Outcome  string `json:"outcome"`
}

// DisconnectNotice is what the host publishes when a player leaves.
type DisconnectNotice struct {
	ID       string `json:"id,omitempty"`
	PlayerID string `json:"player_id"`
	Address  string `json:"address"`
}

// Engine is the part of the resolver that reports drive.
type Engine interface {
	ReportOutcome(ctx context.Context, id packs.Identity, asset string, outcome packs.Outcome) (packs.AttemptRecord, error)
	Flush(ctx context.Context, id packs.Identity) (int, error)
}

// PublishOutcome sends a report, stamping an id used for JetStream dedupe.
func (b *NatsBus) PublishOutcome(report OutcomeReport) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	return b.PublishDurable(SubjectOutcome, report.ID, report)
}

func (b *NatsBus) PublishDisconnect(notice DisconnectNotice) error {
	if notice.ID == "" {
		notice.ID = uuid.NewString()
	}
	return b.PublishDurable(SubjectDisconnect, notice.ID, notice)
}

// Listen subscribes engine to outcome and disconnect subjects.
func Listen(ctx context.Context, b *NatsBus, engine Engine) error {
	if engine == nil {
		return errors.New("nil engine")
	}
	if err := b.Subscribe(SubjectOutcome, QueueEngine, outcomeHandler(ctx, engine)); err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectOutcome, err)
	}
	if err := b.Subscribe(SubjectDisconnect, QueueEngine, disconnectHandler(ctx, engine)); err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectDisconnect, err)
	}
	return nil
}

// outcomeHandler drops malformed reports and asks for redelivery when the
// attempt store failed.
func outcomeHandler(ctx context.Context, engine Engine) func([]byte) error {
	return func(data []byte) error {
		var report OutcomeReport
		if err := json.Unmarshal(data, &report); err != nil {
			logging.Warn("bus", "drop malformed outcome report", "error", err)
			return nil
		}
		outcome, err := packs.ParseOutcome(report.Outcome)
		if err != nil {
			logging.Warn("bus", "drop outcome report", "player", report.PlayerID, "asset", report.Asset, "error", err)
			return nil
		}
		if strings.TrimSpace(report.Asset) == "" {
			logging.Warn("bus", "drop incomplete outcome report", "player", report.PlayerID)
			return nil
		}
		id, err := packs.NormalizeIdentity(report.PlayerID, report.Address)
		if err != nil {
			logging.Warn("bus", "drop outcome report", "player", report.PlayerID, "asset", report.Asset, "error", err)
			return nil
		}
		if _, err := engine.ReportOutcome(ctx, id, report.Asset, outcome); err != nil {
			return redeliverable(err)
		}
		return nil
	}
}

func disconnectHandler(ctx context.Context, engine Engine) func([]byte) error {
	return func(data []byte) error {
		var notice DisconnectNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			logging.Warn("bus", "drop malformed disconnect notice", "error", err)
			return nil
		}
		id, err := packs.NormalizeIdentity(notice.PlayerID, notice.Address)
		if err != nil {
			logging.Warn("bus", "drop disconnect notice", "player", notice.PlayerID, "error", err)
			return nil
		}
		if _, err := engine.Flush(ctx, id); err != nil {
			return redeliverable(err)
		}
		return nil
	}
}

// EventPublisher forwards engine events to SubjectEvents.
type EventPublisher struct {
	bus *NatsBus
}

var _ packs.EventSink = (*EventPublisher)(nil)

func NewEventPublisher(b *NatsBus) *EventPublisher {
	return &EventPublisher{bus: b}
}

func (p *EventPublisher) Publish(evt packs.Event) {
	if p == nil || p.bus == nil {
		return
	}
	if err := p.bus.Publish(SubjectEvents, evt); err != nil {
		logging.Warn("bus", "publish event failed", "type", evt.Type, "error", err)
	}
}
