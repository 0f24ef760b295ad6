package messaging

import (
	"context"

	"github.com/telares/walletledger/pkg/circuit"
)

// Publisher publishes events through a circuit breaker so a dead broker
// degrades to fast failures instead of blocking ledger callers.
type Publisher struct {
	client  *Client
	breaker *circuit.Breaker
}

// NewPublisher wraps a client with a breaker.
func NewPublisher(client *Client, breaker *circuit.Breaker) *Publisher {
	return &Publisher{client: client, breaker: breaker}
}

// Publish publishes data to subject, subject to the breaker state.
func (p *Publisher) Publish(ctx context.Context, subject string, data interface{}) error {
	return p.breaker.Execute(ctx, func() error {
		return p.client.Publish(ctx, subject, data)
	})
}
