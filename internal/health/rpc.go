package health

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/devblac/event-relay/internal/chain"
)

// ClientLister exposes the chain clients opened so far, keyed by project.
type ClientLister interface {
	Clients() map[string]chain.Client
}

// RPCChecker pings the chain client of every project.
type RPCChecker struct {
	clients ClientLister
}

// NewRPCChecker creates a checker over the opened project clients.
func NewRPCChecker(clients ClientLister) *RPCChecker {
	return &RPCChecker{clients: clients}
}

// Ping fetches the head from every client and joins the failures.
func (c *RPCChecker) Ping(ctx context.Context) error {
	clients := c.clients.Clients()
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if _, err := clients[id].ChainHead(ctx); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
