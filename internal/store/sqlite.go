package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ndang/signalsift/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Pragmas are per-connection and :memory: databases are
	// per-connection too, so the pool must stay at one.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys; nugget cascade and signal detach depend on it.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// CreateSource inserts a new source and returns the stored row.
// If the source has no ID, a new UUID is generated.
func (s *SQLiteStore) CreateSource(
	ctx context.Context,
	src model.Source,
) (*model.Source, error) {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.SourceType == "" {
		src.SourceType = model.SourceTypeEmail
	}
	if src.Status == "" {
		src.Status = model.SourceStatusPending
	}
	if src.ExtractionStrategyID == "" {
		src.ExtractionStrategyID = "generic"
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	var lastSignalAt interface{}
	if !src.LastSignalAt.IsZero() {
		lastSignalAt = src.LastSignalAt.UTC()
	}
	var activatedAt interface{}
	if src.ActivatedAt != nil {
		activatedAt = src.ActivatedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (
			id, user_id, source_type, identifier, display_name,
			status, extraction_strategy_id, last_signal_at, activated_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.UserID, src.SourceType, src.Identifier, src.DisplayName,
		string(src.Status), src.ExtractionStrategyID,
		lastSignalAt, activatedAt, src.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating source %s: %w", src.Identifier, err)
	}

	return &src, nil
}

// GetSourceByID retrieves a single source by its ID.
func (s *SQLiteStore) GetSourceByID(
	ctx context.Context,
	userID, id string,
) (*model.Source, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM sources WHERE user_id = ? AND id = ?", userID, id,
	)

	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting source %s: %w", id, err)
	}

	return &src, nil
}

// GetSourceByIdentifier retrieves a source by its unique
// (user, source_type, identifier) key. Returns (nil, nil) if absent.
func (s *SQLiteStore) GetSourceByIdentifier(
	ctx context.Context,
	userID, sourceType, identifier string,
) (*model.Source, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM sources WHERE user_id = ? AND source_type = ? AND identifier = ?",
		userID, sourceType, identifier,
	)

	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting source %q: %w", identifier, err)
	}

	return &src, nil
}

// ListSources retrieves all sources for a user, newest first.
func (s *SQLiteStore) ListSources(
	ctx context.Context,
	userID string,
) ([]model.Source, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM sources WHERE user_id = ? ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	return sources, rows.Err()
}

// UpdateSourceStatus transitions a source to the given lifecycle state.
// Activating a source stamps activated_at the first time.
func (s *SQLiteStore) UpdateSourceStatus(
	ctx context.Context,
	userID, id string,
	status model.SourceStatus,
) error {
	var err error
	if status == model.SourceStatusActive {
		_, err = s.db.ExecContext(ctx, `
			UPDATE sources
			SET status = ?, activated_at = COALESCE(activated_at, ?)
			WHERE user_id = ? AND id = ?`,
			string(status), time.Now().UTC(), userID, id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			"UPDATE sources SET status = ? WHERE user_id = ? AND id = ?",
			string(status), userID, id,
		)
	}
	if err != nil {
		return fmt.Errorf("updating source %s status: %w", id, err)
	}
	return nil
}

// TouchSourceLastSignal bumps last_signal_at to now.
func (s *SQLiteStore) TouchSourceLastSignal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sources SET last_signal_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touching source %s: %w", id, err)
	}
	return nil
}

// DeleteSource removes a source. Signals referencing it are detached
// (source_id set to NULL), not deleted.
func (s *SQLiteStore) DeleteSource(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sources WHERE user_id = ? AND id = ?", userID, id,
	)
	if err != nil {
		return fmt.Errorf("deleting source %s: %w", id, err)
	}
	return nil
}

// CreateSignal inserts a new signal and returns the stored row.
func (s *SQLiteStore) CreateSignal(
	ctx context.Context,
	sig model.Signal,
) (*model.Signal, error) {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.SignalType == "" {
		sig.SignalType = model.SourceTypeEmail
	}
	if sig.Status == "" {
		sig.Status = model.SignalStatusPending
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}

	toJSON, err := json.Marshal(emptyIfNil(sig.To))
	if err != nil {
		return nil, fmt.Errorf("marshaling to addresses: %w", err)
	}
	ccJSON, err := json.Marshal(emptyIfNil(sig.Cc))
	if err != nil {
		return nil, fmt.Errorf("marshaling cc addresses: %w", err)
	}

	var sourceID interface{}
	if sig.SourceID != nil {
		sourceID = *sig.SourceID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signals (
			id, user_id, signal_type, raw_content, title,
			source_identifier, source_id, source_url, received_date,
			status, error_message, retry_count, message_id, from_name,
			has_attachments, to_addrs, cc_addrs, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.UserID, sig.SignalType, sig.RawContent, sig.Title,
		sig.SourceIdentifier, sourceID, sig.SourceURL, sig.ReceivedDate.UTC(),
		string(sig.Status), sig.ErrorMessage, sig.RetryCount, sig.MessageID,
		sig.FromName, boolToInt(sig.HasAttachments),
		string(toJSON), string(ccJSON), sig.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating signal %s: %w", sig.MessageID, err)
	}

	return &sig, nil
}

// GetSignalByID retrieves a single signal by its ID.
func (s *SQLiteStore) GetSignalByID(
	ctx context.Context,
	userID, id string,
) (*model.Signal, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM signals WHERE user_id = ? AND id = ?", userID, id,
	)

	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting signal %s: %w", id, err)
	}

	return &sig, nil
}

// GetSignalByMessageID retrieves a signal by its mailbox message id.
// Returns (nil, nil) if the message has never been imported.
func (s *SQLiteStore) GetSignalByMessageID(
	ctx context.Context,
	userID, messageID string,
) (*model.Signal, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM signals WHERE user_id = ? AND message_id = ?",
		userID, messageID,
	)

	sig, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting signal by message id %q: %w", messageID, err)
	}

	return &sig, nil
}

// ListSignalsByStatus retrieves a user's signals in a given state,
// oldest first so reprocessing preserves arrival order.
func (s *SQLiteStore) ListSignalsByStatus(
	ctx context.Context,
	userID string,
	status model.SignalStatus,
) ([]model.Signal, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM signals WHERE user_id = ? AND status = ? ORDER BY received_date",
		userID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("querying signals: %w", err)
	}
	defer rows.Close()

	var signals []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}

	return signals, rows.Err()
}

// MarkSignalProcessed transitions a signal to processed and clears any
// previous error.
func (s *SQLiteStore) MarkSignalProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE signals SET status = 'processed', error_message = '' WHERE id = ?",
		id,
	)
	if err != nil {
		return fmt.Errorf("marking signal %s processed: %w", id, err)
	}
	return nil
}

// MarkSignalFailed transitions a signal to failed, records the error,
// and increments the retry counter.
func (s *SQLiteStore) MarkSignalFailed(
	ctx context.Context,
	id, errorMessage string,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET status = 'failed', error_message = ?, retry_count = retry_count + 1
		WHERE id = ?`,
		errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("marking signal %s failed: %w", id, err)
	}
	return nil
}

// ResetSignal returns a signal to pending with a cleared error and a
// zeroed retry counter, making it eligible for extraction again.
func (s *SQLiteStore) ResetSignal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals
		SET status = 'pending', error_message = '', retry_count = 0
		WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("resetting signal %s: %w", id, err)
	}
	return nil
}

// DeleteSignal removes a signal; its nuggets cascade.
func (s *SQLiteStore) DeleteSignal(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM signals WHERE user_id = ? AND id = ?", userID, id,
	)
	if err != nil {
		return fmt.Errorf("deleting signal %s: %w", id, err)
	}
	return nil
}

// CreateNuggets bulk-inserts extracted nuggets inside one transaction.
func (s *SQLiteStore) CreateNuggets(
	ctx context.Context,
	nuggets []model.Nugget,
) error {
	if len(nuggets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO nuggets (
			id, user_id, signal_id, title, content, link, source_label,
			published_date, relevancy_score, topic, tags, status,
			is_read, is_archived, duplicate_group_id, is_primary,
			user_notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing nugget insert: %w", err)
	}
	defer stmt.Close()

	for _, n := range nuggets {
		if n.ID == "" {
			n.ID = uuid.New().String()
		}
		if n.Status == "" {
			n.Status = model.NuggetStatusUnread
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}

		tagsJSON, err := json.Marshal(emptyIfNil(n.Tags))
		if err != nil {
			return fmt.Errorf("marshaling tags for nugget %s: %w", n.ID, err)
		}

		var publishedDate interface{}
		if n.PublishedDate != nil {
			publishedDate = n.PublishedDate.UTC()
		}
		var duplicateGroupID interface{}
		if n.DuplicateGroupID != nil {
			duplicateGroupID = *n.DuplicateGroupID
		}

		_, err = stmt.ExecContext(ctx,
			n.ID, n.UserID, n.SignalID, n.Title, n.Content, n.Link,
			n.SourceLabel, publishedDate, n.RelevancyScore, n.Topic,
			string(tagsJSON), string(n.Status),
			boolToInt(n.IsRead), boolToInt(n.IsArchived),
			duplicateGroupID, boolToInt(n.IsPrimary),
			n.UserNotes, n.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting nugget %s: %w", n.ID, err)
		}
	}

	return tx.Commit()
}

// GetNuggetsBySignal retrieves all nuggets owned by one signal.
func (s *SQLiteStore) GetNuggetsBySignal(
	ctx context.Context,
	signalID string,
) ([]model.Nugget, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT * FROM nuggets WHERE signal_id = ? ORDER BY created_at",
		signalID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying nuggets for signal %s: %w", signalID, err)
	}
	defer rows.Close()

	return collectNuggets(rows)
}

// ListNuggets retrieves a user's nuggets matching the filter,
// newest first.
func (s *SQLiteStore) ListNuggets(
	ctx context.Context,
	userID string,
	filter NuggetFilter,
) ([]model.Nugget, error) {
	conditions := []string{"user_id = ?"}
	args := []interface{}{userID}

	if filter.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Topic != nil {
		conditions = append(conditions, "topic = ?")
		args = append(args, *filter.Topic)
	}
	if filter.SignalID != nil {
		conditions = append(conditions, "signal_id = ?")
		args = append(args, *filter.SignalID)
	}

	query := "SELECT * FROM nuggets WHERE " + strings.Join(conditions, " AND ") +
		" ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nuggets: %w", err)
	}
	defer rows.Close()

	return collectNuggets(rows)
}

// MarkNuggetRead flags a nugget as read without changing its status.
func (s *SQLiteStore) MarkNuggetRead(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE nuggets SET is_read = 1 WHERE user_id = ? AND id = ?",
		userID, id,
	)
	if err != nil {
		return fmt.Errorf("marking nugget %s read: %w", id, err)
	}
	return nil
}

// SetNuggetStatus updates a nugget's status and keeps the is_archived
// flag consistent with it.
func (s *SQLiteStore) SetNuggetStatus(
	ctx context.Context,
	userID, id string,
	status model.NuggetStatus,
) error {
	archived := 0
	if status == model.NuggetStatusArchived {
		archived = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE nuggets SET status = ?, is_archived = ? WHERE user_id = ? AND id = ?",
		string(status), archived, userID, id,
	)
	if err != nil {
		return fmt.Errorf("setting nugget %s status: %w", id, err)
	}
	return nil
}

// rowScanner abstracts sqlx.Row and sqlx.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSource scans a source row.
func scanSource(row rowScanner) (model.Source, error) {
	var (
		src          model.Source
		status       string
		lastSignalAt sql.NullTime
		activatedAt  sql.NullTime
	)

	err := row.Scan(
		&src.ID, &src.UserID, &src.SourceType, &src.Identifier,
		&src.DisplayName, &status, &src.ExtractionStrategyID,
		&lastSignalAt, &activatedAt, &src.CreatedAt,
	)
	if err != nil {
		return model.Source{}, err
	}

	src.Status = model.SourceStatus(status)
	if lastSignalAt.Valid {
		src.LastSignalAt = lastSignalAt.Time
	}
	if activatedAt.Valid {
		t := activatedAt.Time
		src.ActivatedAt = &t
	}

	return src, nil
}

// scanSignal scans a signal row.
func scanSignal(row rowScanner) (model.Signal, error) {
	var (
		sig            model.Signal
		sourceID       sql.NullString
		status         string
		hasAttachments int
		toJSON         string
		ccJSON         string
	)

	err := row.Scan(
		&sig.ID, &sig.UserID, &sig.SignalType, &sig.RawContent, &sig.Title,
		&sig.SourceIdentifier, &sourceID, &sig.SourceURL, &sig.ReceivedDate,
		&status, &sig.ErrorMessage, &sig.RetryCount, &sig.MessageID,
		&sig.FromName, &hasAttachments, &toJSON, &ccJSON, &sig.CreatedAt,
	)
	if err != nil {
		return model.Signal{}, err
	}

	sig.Status = model.SignalStatus(status)
	sig.HasAttachments = hasAttachments != 0
	if sourceID.Valid {
		id := sourceID.String
		sig.SourceID = &id
	}
	if err := json.Unmarshal([]byte(toJSON), &sig.To); err != nil {
		return model.Signal{}, fmt.Errorf("unmarshaling to addresses: %w", err)
	}
	if err := json.Unmarshal([]byte(ccJSON), &sig.Cc); err != nil {
		return model.Signal{}, fmt.Errorf("unmarshaling cc addresses: %w", err)
	}

	return sig, nil
}

// scanNugget scans a nugget row.
func scanNugget(row rowScanner) (model.Nugget, error) {
	var (
		n                model.Nugget
		publishedDate    sql.NullTime
		tagsJSON         string
		status           string
		isRead           int
		isArchived       int
		duplicateGroupID sql.NullString
		isPrimary        int
	)

	err := row.Scan(
		&n.ID, &n.UserID, &n.SignalID, &n.Title, &n.Content, &n.Link,
		&n.SourceLabel, &publishedDate, &n.RelevancyScore, &n.Topic,
		&tagsJSON, &status, &isRead, &isArchived,
		&duplicateGroupID, &isPrimary, &n.UserNotes, &n.CreatedAt,
	)
	if err != nil {
		return model.Nugget{}, err
	}

	n.Status = model.NuggetStatus(status)
	n.IsRead = isRead != 0
	n.IsArchived = isArchived != 0
	n.IsPrimary = isPrimary != 0
	if publishedDate.Valid {
		t := publishedDate.Time
		n.PublishedDate = &t
	}
	if duplicateGroupID.Valid {
		id := duplicateGroupID.String
		n.DuplicateGroupID = &id
	}
	if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
		return model.Nugget{}, fmt.Errorf("unmarshaling tags: %w", err)
	}

	return n, nil
}

func collectNuggets(rows *sqlx.Rows) ([]model.Nugget, error) {
	var nuggets []model.Nugget
	for rows.Next() {
		n, err := scanNugget(rows)
		if err != nil {
			return nil, err
		}
		nuggets = append(nuggets, n)
	}
	return nuggets, rows.Err()
}

// emptyIfNil keeps JSON columns as [] instead of null.
func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
