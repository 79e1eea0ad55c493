// Package repository persists threads, messages, responses, summaries and
// facts.
package repository

import (
	"context"

	"github.com/xiaot623/localapi/internal/domain"
)

// Store defines the persistence operations. Getters return (nil, nil)
// when the row does not exist.
type Store interface {
	// Thread operations
	CreateThread(ctx context.Context) (*domain.Thread, error)
	GetThread(ctx context.Context, threadID string) (*domain.Thread, error)
	GetOrCreateThread(ctx context.Context, threadID string) (*domain.Thread, error)
	ResolveThread(ctx context.Context, previousResponseID, threadID string) (string, error)

	// Message operations
	InsertMessage(ctx context.Context, msg *domain.Message) error
	GetThreadMessages(ctx context.Context, threadID string, limit int) ([]domain.Message, error)
	CountThreadMessages(ctx context.Context, threadID string) (int, error)

	// Response operations
	InsertResponse(ctx context.Context, resp *domain.Response) error
	UpdateResponseOutput(ctx context.Context, responseID, messageID string) (bool, error)
	CompleteTurn(ctx context.Context, output *domain.Message, resp *domain.Response) error
	GetResponse(ctx context.Context, responseID string) (*domain.Response, error)
	GetResponseDetail(ctx context.Context, responseID string) (*domain.ResponseDetail, error)

	// Summary operations
	GetSummary(ctx context.Context, threadID string) (*domain.Summary, error)
	UpsertSummary(ctx context.Context, threadID, content string) error

	// Fact operations
	GetFact(ctx context.Context, key string) (*domain.Fact, error)
	UpsertFact(ctx context.Context, key, value string) error
	ListFacts(ctx context.Context) ([]domain.Fact, error)

	Close() error
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
