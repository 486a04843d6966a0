package api

import (
	"time"

	"github.com/devblac/event-relay/internal/engine"
	"github.com/devblac/event-relay/internal/model"
)

type errorView struct {
	Error string `json:"error"`
}

const (
	statusOK         = "ok"
	statusUpToDate   = "up to date"
	statusIncomplete = "incomplete"
)

type resultView struct {
	Event      string `json:"event"`
	Status     string `json:"status"`
	FromBlock  uint64 `json:"fromBlock"`
	Head       uint64 `json:"head"`
	Cursor     uint64 `json:"cursor"`
	Chunks     int    `json:"chunks"`
	Stored     int    `json:"stored"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	UpToDate   bool   `json:"upToDate"`
}

func newResultView(r engine.Result) resultView {
	status := statusOK
	if r.UpToDate {
		status = statusUpToDate
	}
	return resultView{
		Event:      r.EventID,
		Status:     status,
		FromBlock:  r.FromBlock,
		Head:       r.Head,
		Cursor:     r.Cursor,
		Chunks:     r.Chunks,
		Stored:     r.Stored,
		Duplicates: r.Duplicates,
		Skipped:    r.Skipped,
		UpToDate:   r.UpToDate,
	}
}

type recordView struct {
	Event       string         `json:"event"`
	Name        string         `json:"name"`
	Contract    string         `json:"contract"`
	TxHash      string         `json:"txnHash"`
	BlockNumber uint64         `json:"blockNumber"`
	BlockHash   string         `json:"blockHash,omitempty"`
	LogIndex    uint           `json:"logIndex"`
	Fields      map[string]any `json:"fields"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func newRecordView(r model.Record) recordView {
	return recordView{
		Event:       r.EventID,
		Name:        r.Name,
		Contract:    r.Namespace.Contract,
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		BlockHash:   r.BlockHash,
		LogIndex:    r.LogIndex,
		Fields:      r.Fields,
		CreatedAt:   r.CreatedAt,
	}
}

type cursorView struct {
	Event     string    `json:"event"`
	Block     uint64    `json:"block"`
	UpdatedAt time.Time `json:"updatedAt"`
}
