package store

import (
	"context"

	"github.com/ndang/signalsift/internal/model"
)

// NuggetFilter controls filtering and pagination for nugget queries.
type NuggetFilter struct {
	Status   *string
	Topic    *string
	SignalID *string
	Limit    int
	Offset   int
}

// Store defines the persistence interface for sources, signals, and
// nuggets. Lookup methods return (nil, nil) when no row matches, so
// callers can distinguish "absent" from an infrastructure failure.
type Store interface {
	// === Sources ===

	CreateSource(ctx context.Context, src model.Source) (*model.Source, error)
	GetSourceByID(ctx context.Context, userID, id string) (*model.Source, error)
	GetSourceByIdentifier(
		ctx context.Context,
		userID, sourceType, identifier string,
	) (*model.Source, error)
	ListSources(ctx context.Context, userID string) ([]model.Source, error)
	UpdateSourceStatus(
		ctx context.Context,
		userID, id string,
		status model.SourceStatus,
	) error
	TouchSourceLastSignal(ctx context.Context, id string) error
	DeleteSource(ctx context.Context, userID, id string) error

	// === Signals ===

	CreateSignal(ctx context.Context, sig model.Signal) (*model.Signal, error)
	GetSignalByID(ctx context.Context, userID, id string) (*model.Signal, error)
	GetSignalByMessageID(
		ctx context.Context,
		userID, messageID string,
	) (*model.Signal, error)
	ListSignalsByStatus(
		ctx context.Context,
		userID string,
		status model.SignalStatus,
	) ([]model.Signal, error)
	MarkSignalProcessed(ctx context.Context, id string) error
	MarkSignalFailed(ctx context.Context, id, errorMessage string) error
	ResetSignal(ctx context.Context, id string) error
	DeleteSignal(ctx context.Context, userID, id string) error

	// === Nuggets ===

	CreateNuggets(ctx context.Context, nuggets []model.Nugget) error
	GetNuggetsBySignal(ctx context.Context, signalID string) ([]model.Nugget, error)
	ListNuggets(ctx context.Context, userID string, filter NuggetFilter) ([]model.Nugget, error)
	MarkNuggetRead(ctx context.Context, userID, id string) error
	SetNuggetStatus(ctx context.Context, userID, id string, status model.NuggetStatus) error
}
