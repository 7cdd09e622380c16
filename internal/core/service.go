package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DeliveryPolicy controls whether threats are refused at the door
type DeliveryPolicy struct {
	BlockThreats bool
	BlockTier    ThreatTier
}

// DeliveryService is the core service that scores and stores accepted envelopes
type DeliveryService struct {
	scorer Scorer
	store  MessageStore
	parser MessageParser
	policy DeliveryPolicy
	logger *zap.Logger
}

// NewDeliveryService creates a new delivery service
func NewDeliveryService(
	scorer Scorer,
	store MessageStore,
	parser MessageParser,
	policy DeliveryPolicy,
	logger *zap.Logger,
) *DeliveryService {
	return &DeliveryService{
		scorer: scorer,
		store:  store,
		parser: parser,
		policy: policy,
		logger: logger,
	}
}

// Deliver scores an envelope and persists it with its verdict. When the
// policy blocks the verdict tier the message is not saved and ErrRejected
// is returned alongside the result.
func (s *DeliveryService) Deliver(ctx context.Context, env *Envelope) (*DeliveryResult, error) {
	subject, text, fingerprint := "", env.Body, ""
	if parsed, err := s.parser.Parse([]byte(env.Body)); err != nil {
		s.logger.Debug("Falling back to raw body for scoring", zap.Error(err))
	} else {
		subject, fingerprint = parsed.Subject, parsed.Fingerprint
		if parsed.Text != "" {
			text = parsed.Text
		}
	}

	verdict := s.scorer.Score(ctx, text, subject, env.Sender)
	result := &DeliveryResult{Verdict: verdict, Status: StatusInbox}
	if verdict.IsThreat() {
		result.Status = StatusQuarantine
	}

	s.logger.Info("Message scored",
		zap.String("sender", env.Sender),
		zap.Int("recipients", len(env.Recipients)),
		zap.Bool("is_threat", verdict.IsThreat()),
		zap.Float64("confidence", verdict.Confidence()),
		zap.Stringer("tier", verdict.Tier()))

	if s.policy.BlockThreats && verdict.IsThreat() && verdict.Tier() >= s.policy.BlockTier {
		return result, fmt.Errorf("%w: tier %s", ErrRejected, verdict.Tier())
	}

	msg := &StoredMessage{
		Sender:          env.Sender,
		Recipients:      append([]string(nil), env.Recipients...),
		Subject:         subject,
		Body:            env.Body,
		ReceivedAt:      env.ReceivedAt,
		Secured:         env.Secured,
		AuthenticatedAs: env.AuthenticatedAs,
		Verdict:         verdict,
		Fingerprint:     fingerprint,
		Status:          result.Status,
	}
	id, err := s.store.Save(ctx, msg)
	if err != nil {
		return result, fmt.Errorf("failed to save message: %w", err)
	}
	result.ID = id
	return result, nil
}
