package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndang/signalsift/internal/model"
	"github.com/ndang/signalsift/internal/store"
	"github.com/ndang/signalsift/tests/testutil"
)

const testUser = "user-1"

func newSource(identifier string) model.Source {
	return model.Source{
		UserID:      testUser,
		SourceType:  model.SourceTypeEmail,
		Identifier:  identifier,
		DisplayName: "Test Sender",
		Status:      model.SourceStatusPending,
	}
}

func newSignal(messageID string, sourceID *string) model.Signal {
	return model.Signal{
		UserID:           testUser,
		RawContent:       "body",
		Title:            "subject",
		SourceIdentifier: "sender@example.com",
		SourceID:         sourceID,
		ReceivedDate:     time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Status:           model.SignalStatusPending,
		MessageID:        messageID,
		To:               []string{"me@example.com"},
	}
}

func TestSourceLifecycle(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSource(ctx, newSource("sender@example.com|Test Sender"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, model.SourceStatusPending, created.Status)
	assert.Nil(t, created.ActivatedAt)

	// Lookup by the identity key.
	got, err := s.GetSourceByIdentifier(
		ctx, testUser, model.SourceTypeEmail, "sender@example.com|Test Sender")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)

	// Approve: activated_at is stamped once.
	require.NoError(t, s.UpdateSourceStatus(ctx, testUser, created.ID, model.SourceStatusActive))
	got, err = s.GetSourceByID(ctx, testUser, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActivatedAt)
	firstActivation := *got.ActivatedAt

	// Pause then re-activate: the original activation time survives.
	require.NoError(t, s.UpdateSourceStatus(ctx, testUser, created.ID, model.SourceStatusPaused))
	require.NoError(t, s.UpdateSourceStatus(ctx, testUser, created.ID, model.SourceStatusActive))
	got, err = s.GetSourceByID(ctx, testUser, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ActivatedAt)
	assert.True(t, got.ActivatedAt.Equal(firstActivation))
}

func TestGetSourceByIdentifier_AbsentIsNilNil(t *testing.T) {
	s := testutil.NewTestStore(t)

	got, err := s.GetSourceByIdentifier(
		context.Background(), testUser, model.SourceTypeEmail, "nobody@example.com|nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateSource_DuplicateIdentifierRejected(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSource(ctx, newSource("dup@example.com|Dup"))
	require.NoError(t, err)

	_, err = s.CreateSource(ctx, newSource("dup@example.com|Dup"))
	assert.Error(t, err)
}

func TestCreateSource_SameIdentifierDifferentUsers(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSource(ctx, newSource("shared@example.com|Shared"))
	require.NoError(t, err)

	other := newSource("shared@example.com|Shared")
	other.UserID = "user-2"
	_, err = s.CreateSource(ctx, other)
	assert.NoError(t, err)
}

func TestSignalDedupOnMessageID(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSignal(ctx, newSignal("<m1@example.com>", nil))
	require.NoError(t, err)

	// Same message id for the same user is rejected by the schema.
	_, err = s.CreateSignal(ctx, newSignal("<m1@example.com>", nil))
	require.Error(t, err)

	// A different user may import the same message id.
	other := newSignal("<m1@example.com>", nil)
	other.UserID = "user-2"
	_, err = s.CreateSignal(ctx, other)
	assert.NoError(t, err)

	got, err := s.GetSignalByMessageID(ctx, testUser, "<m1@example.com>")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "subject", got.Title)
	assert.Equal(t, []string{"me@example.com"}, got.To)

	missing, err := s.GetSignalByMessageID(ctx, testUser, "<never@example.com>")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSignalStatusTransitions(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	sig, err := s.CreateSignal(ctx, newSignal("<m2@example.com>", nil))
	require.NoError(t, err)

	require.NoError(t, s.MarkSignalFailed(ctx, sig.ID, "gateway timeout"))
	require.NoError(t, s.MarkSignalFailed(ctx, sig.ID, "gateway timeout again"))

	got, err := s.GetSignalByID(ctx, testUser, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusFailed, got.Status)
	assert.Equal(t, "gateway timeout again", got.ErrorMessage)
	assert.Equal(t, 2, got.RetryCount)

	// Reset makes it eligible again with a clean slate.
	require.NoError(t, s.ResetSignal(ctx, sig.ID))
	got, err = s.GetSignalByID(ctx, testUser, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Zero(t, got.RetryCount)

	require.NoError(t, s.MarkSignalProcessed(ctx, sig.ID))
	got, err = s.GetSignalByID(ctx, testUser, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusProcessed, got.Status)
}

func TestListSignalsByStatus_OldestFirst(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	newer := newSignal("<newer@example.com>", nil)
	newer.ReceivedDate = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	_, err := s.CreateSignal(ctx, newer)
	require.NoError(t, err)

	older := newSignal("<older@example.com>", nil)
	older.ReceivedDate = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	_, err = s.CreateSignal(ctx, older)
	require.NoError(t, err)

	signals, err := s.ListSignalsByStatus(ctx, testUser, model.SignalStatusPending)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "<older@example.com>", signals[0].MessageID)
	assert.Equal(t, "<newer@example.com>", signals[1].MessageID)
}

func TestDeleteSource_DetachesSignals(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	src, err := s.CreateSource(ctx, newSource("detach@example.com|D"))
	require.NoError(t, err)

	sig, err := s.CreateSignal(ctx, newSignal("<m3@example.com>", &src.ID))
	require.NoError(t, err)

	require.NoError(t, s.DeleteSource(ctx, testUser, src.ID))

	// The signal survives with its source reference cleared.
	got, err := s.GetSignalByID(ctx, testUser, sig.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.SourceID)
}

func TestDeleteSignal_CascadesNuggets(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	sig, err := s.CreateSignal(ctx, newSignal("<m4@example.com>", nil))
	require.NoError(t, err)

	err = s.CreateNuggets(ctx, []model.Nugget{
		{UserID: testUser, SignalID: sig.ID, Title: "n1", Content: "c1", RelevancyScore: 80},
		{UserID: testUser, SignalID: sig.ID, Title: "n2", Content: "c2", RelevancyScore: 60},
	})
	require.NoError(t, err)

	nuggets, err := s.GetNuggetsBySignal(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, nuggets, 2)
	assert.Equal(t, model.NuggetStatusUnread, nuggets[0].Status)

	require.NoError(t, s.DeleteSignal(ctx, testUser, sig.ID))

	nuggets, err = s.GetNuggetsBySignal(ctx, sig.ID)
	require.NoError(t, err)
	assert.Empty(t, nuggets)
}

func TestCreateNuggets_RelevancyBoundsEnforced(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	sig, err := s.CreateSignal(ctx, newSignal("<m5@example.com>", nil))
	require.NoError(t, err)

	err = s.CreateNuggets(ctx, []model.Nugget{
		{UserID: testUser, SignalID: sig.ID, Title: "bad", Content: "c", RelevancyScore: 150},
	})
	assert.Error(t, err)
}

func TestListNuggets_Filters(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	sig, err := s.CreateSignal(ctx, newSignal("<m6@example.com>", nil))
	require.NoError(t, err)

	err = s.CreateNuggets(ctx, []model.Nugget{
		{UserID: testUser, SignalID: sig.ID, Title: "a", Content: "c", Topic: "golang", RelevancyScore: 90},
		{UserID: testUser, SignalID: sig.ID, Title: "b", Content: "c", Topic: "rust", RelevancyScore: 50},
	})
	require.NoError(t, err)

	topic := "golang"
	nuggets, err := s.ListNuggets(ctx, testUser, store.NuggetFilter{Topic: &topic})
	require.NoError(t, err)
	require.Len(t, nuggets, 1)
	assert.Equal(t, "a", nuggets[0].Title)

	all, err := s.ListNuggets(ctx, testUser, store.NuggetFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.ListNuggets(ctx, testUser, store.NuggetFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestNuggetReadStateAndStatus(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	sig, err := s.CreateSignal(ctx, newSignal("<m7@example.com>", nil))
	require.NoError(t, err)

	err = s.CreateNuggets(ctx, []model.Nugget{
		{UserID: testUser, SignalID: sig.ID, Title: "n", Content: "c", RelevancyScore: 70},
	})
	require.NoError(t, err)

	nuggets, err := s.GetNuggetsBySignal(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, nuggets, 1)
	id := nuggets[0].ID

	require.NoError(t, s.MarkNuggetRead(ctx, testUser, id))
	require.NoError(t, s.SetNuggetStatus(ctx, testUser, id, model.NuggetStatusArchived))

	nuggets, err = s.GetNuggetsBySignal(ctx, sig.ID)
	require.NoError(t, err)
	require.Len(t, nuggets, 1)
	assert.True(t, nuggets[0].IsRead)
	assert.True(t, nuggets[0].IsArchived)
	assert.Equal(t, model.NuggetStatusArchived, nuggets[0].Status)
}
