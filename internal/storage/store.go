package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/event-relay/internal/model"
)

// ErrNamespaceRequired is returned when a record or query has no project or contract.
var ErrNamespaceRequired = errors.New("namespace project and contract required")

// Store persists decoded records, scan cursors and webhook delivery outcomes.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureNamespace(ctx context.Context, ns model.Namespace) error
	DropNamespace(ctx context.Context, ns model.Namespace) error
	Namespaces(ctx context.Context) ([]model.Namespace, error)

	Exists(ctx context.Context, ns model.Namespace, key model.RecordKey) (bool, error)
	// Put inserts rec unless its key is already present. inserted reports whether a row was written.
	Put(ctx context.Context, rec model.Record) (inserted bool, err error)
	Records(ctx context.Context, ns model.Namespace, q RecordQuery) ([]model.Record, error)

	GetCursor(ctx context.Context, eventID string) (block uint64, ok bool, err error)
	// AdvanceCursor never moves a cursor backwards.
	AdvanceCursor(ctx context.Context, eventID string, block uint64) error
	DeleteCursor(ctx context.Context, eventID string) error
	Cursors(ctx context.Context) ([]Cursor, error)

	RecordDelivery(ctx context.Context, d Delivery) error
	DeliveryStats(ctx context.Context) (map[DeliveryStatus]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// RecordQuery filters Records. Zero values mean unbounded.
type RecordQuery struct {
	EventID   string
	FromBlock uint64
	ToBlock   uint64
	Limit     int
}

// Cursor is the last fully persisted block of an event.
type Cursor struct {
	EventID   string
	Block     uint64
	UpdatedAt time.Time
}

// DeliveryStatus is the outcome of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	// DeliveryDead marks a payload that exhausted its retries or was dropped.
	DeliveryDead DeliveryStatus = "dead"
)

// Delivery records the latest outcome of sending one record to one webhook.
type Delivery struct {
	Namespace    model.Namespace
	EventID      string
	RecordKey    model.RecordKey
	URL          string
	Status       DeliveryStatus
	Attempts     int
	ResponseCode int
	Error        string
	Payload      map[string]any
}

// Validate rejects deliveries without a namespace, url or status.
func (d Delivery) Validate() error {
	if d.Namespace.Project == "" || d.Namespace.Contract == "" {
		return ErrNamespaceRequired
	}
	if d.URL == "" || d.Status == "" {
		return errors.New("delivery url and status are required")
	}
	return nil
}

// ValidateRecord rejects records without a namespace or event id.
func ValidateRecord(rec model.Record) error {
	if rec.Namespace.Project == "" || rec.Namespace.Contract == "" {
		return ErrNamespaceRequired
	}
	if rec.EventID == "" {
		return errors.New("record event id required")
	}
	return nil
}

// EncodeFields renders decoded fields the way every backend stores them.
func EncodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

// DecodeFields is the inverse of EncodeFields. Numbers come back as float64 or strings, as JSON allows.
func DecodeFields(raw string) (map[string]any, error) {
	fields := map[string]any{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}
