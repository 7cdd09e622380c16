package core

import (
	"context"
)

// Classifier defines the interface for remote threat classifiers
type Classifier interface {
	// Classify asks the remote model for a verdict on one message
	Classify(ctx context.Context, body, subject, sender string) (*Classification, error)
}

// Scorer turns message content into a verdict
type Scorer interface {
	Score(ctx context.Context, body, subject, sender string) Verdict
}

// MessageStore defines the persistence operations the gateway needs
type MessageStore interface {
	// Save persists a message and returns its id
	Save(ctx context.Context, msg *StoredMessage) (string, error)

	// FindByParticipant returns messages sent by or addressed to address, most recent first
	FindByParticipant(ctx context.Context, address string, limit int) ([]*StoredMessage, error)

	// CountForMailbox returns the number of live messages addressed to identity
	CountForMailbox(ctx context.Context, identity string) (int, error)

	// UpdateStatus changes the status of a message and reports whether it existed
	UpdateStatus(ctx context.Context, id string, status MessageStatus) (bool, error)
}

// Authenticator verifies mailbox credentials
type Authenticator interface {
	// Authenticate returns the account for valid credentials, ErrInvalidCredentials
	// or ErrAccountLocked otherwise
	Authenticate(ctx context.Context, identity, secret, origin string) (*Account, error)
}

// ParsedMessage is the readable content extracted from raw message data
type ParsedMessage struct {
	From        string
	To          []string
	Subject     string
	Text        string
	Fingerprint string
}

// MessageParser extracts readable content from raw message data
type MessageParser interface {
	Parse(raw []byte) (*ParsedMessage, error)
}
