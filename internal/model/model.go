package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBlockRange is the chunk size used when an event does not configure one.
const DefaultBlockRange uint64 = 2000

// Project is the owner of event definitions; only its RPC endpoints matter to the engine.
type Project struct {
	ID                string
	Name              string
	RPCURLs           []string
	RequestsPerSecond float64
}

// EventDefinition identifies one contract event to track.
type EventDefinition struct {
	ID         string
	Project    string
	Name       string
	Signature  string
	Contract   string
	ChainID    uint64
	WebhookURL string
	FromBlock  uint64
	BlockRange uint64
	ABI        string
	Filters    []string
}

// ChunkSize returns the configured block range or the default.
func (d EventDefinition) ChunkSize() uint64 {
	if d.BlockRange == 0 {
		return DefaultBlockRange
	}
	return d.BlockRange
}

// Namespace returns the store partition the event writes into.
func (d EventDefinition) Namespace() Namespace {
	return NewNamespace(d.Project, d.Contract)
}

// Namespace isolates one contract's records within a project.
type Namespace struct {
	Project  string
	Contract string
}

// NewNamespace normalizes the contract address so lookups are case-insensitive.
func NewNamespace(project, contract string) Namespace {
	return Namespace{Project: project, Contract: strings.ToLower(strings.TrimSpace(contract))}
}

func (n Namespace) String() string {
	return n.Project + "_" + n.Contract
}

// RecordKey identifies a log within a namespace.
type RecordKey struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}

// KeyMode selects how a RecordKey collapses into the stored dedup key.
type KeyMode string

const (
	// KeyModeFull dedups on block number, transaction hash and log index.
	KeyModeFull KeyMode = "full"
	// KeyModeBlock dedups on block number only. Two matching logs in one block collapse into one record.
	KeyModeBlock KeyMode = "block"
)

// ParseKeyMode accepts "", "full" or "block".
func ParseKeyMode(s string) (KeyMode, error) {
	switch KeyMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeyModeFull:
		return KeyModeFull, nil
	case KeyModeBlock:
		return KeyModeBlock, nil
	default:
		return "", fmt.Errorf("unsupported key mode: %s", s)
	}
}

// Key renders the dedup key for k.
func (m KeyMode) Key(k RecordKey) string {
	if m == KeyModeBlock {
		return fmt.Sprintf("%d", k.BlockNumber)
	}
	return fmt.Sprintf("%d:%s:%d", k.BlockNumber, strings.ToLower(k.TxHash), k.LogIndex)
}

// Record is one decoded occurrence of an event.
type Record struct {
	Namespace   Namespace
	EventID     string
	Name        string
	Fields      map[string]any
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	LogIndex    uint
	CreatedAt   time.Time
}

// Key returns the identity of the record.
func (r Record) Key() RecordKey {
	return RecordKey{BlockNumber: r.BlockNumber, TxHash: r.TxHash, LogIndex: r.LogIndex}
}

// PayloadArgs is the payload key holding the complete decoded field map.
const PayloadArgs = "args"

// Payload is the JSON body delivered to webhooks: the decoded fields merged at the top level with
// the log identity (name, txnHash, blockNumber, logIndex, contract). Identity keys win over a
// decoded field of the same name; the untouched decoded map is always present under "args".
func (r Record) Payload() map[string]any {
	args := make(map[string]any, len(r.Fields))
	out := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		args[k] = v
		out[k] = v
	}
	out[PayloadArgs] = args
	out["name"] = r.Name
	out["txnHash"] = r.TxHash
	out["blockNumber"] = r.BlockNumber
	out["logIndex"] = r.LogIndex
	out["contract"] = r.Namespace.Contract
	return out
}
