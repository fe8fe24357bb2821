package repository

import (
	"context"

	"marketdata-relay/internal/domain/symbol"
)

type SymbolRepository interface {
	// EnhancedSearch matches every whitespace-separated term of query against
	// symbol, broker symbol, name and token. An empty exchange searches all.
	EnhancedSearch(ctx context.Context, query, exchange string) ([]symbol.Symbol, error)
	Insert(ctx context.Context, symbols []symbol.Symbol) error
}

type AuthRepository interface {
	// APIKeyForUser returns "" with a nil error when the user has no key.
	APIKeyForUser(ctx context.Context, username string) (string, error)
	// BrokerName returns "" with a nil error when the key has no active broker session.
	BrokerName(ctx context.Context, apiKey string) (string, error)

	UpsertAPIKey(ctx context.Context, username, apiKey string) error
	UpsertAuth(ctx context.Context, username, broker, authToken string) error
	RevokeAuth(ctx context.Context, username string) error
}
