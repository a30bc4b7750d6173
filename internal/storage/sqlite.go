package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/minershop/offer-sync/internal/models"
)

// SQLiteStore implements the processor's store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txState struct {
	tx    *sql.Tx
	depth int
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: a unit of work holds it for its whole duration.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id           TEXT PRIMARY KEY,
		model        TEXT NOT NULL UNIQUE,
		manufacturer TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sellers (
		id          TEXT PRIMARY KEY,
		phone       TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offers (
		id                TEXT PRIMARY KEY,
		product_id        TEXT NOT NULL REFERENCES products(id),
		seller_id         TEXT NOT NULL REFERENCES sellers(id),
		operation_type    TEXT NOT NULL,
		price             REAL,
		currency          TEXT NOT NULL,
		quantity          INTEGER NOT NULL DEFAULT 1,
		condition         TEXT NOT NULL DEFAULT '',
		notes             TEXT NOT NULL DEFAULT '',
		location          TEXT NOT NULL DEFAULT '',
		manufacturer      TEXT NOT NULL DEFAULT '',
		hashrate          TEXT NOT NULL DEFAULT '',
		source_message_id TEXT NOT NULL,
		source_chat_name  TEXT NOT NULL DEFAULT '',
		additional_data   TEXT,
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_triple ON offers(product_id, seller_id, operation_type);
	CREATE INDEX IF NOT EXISTS idx_offers_seller ON offers(seller_id);

	CREATE TABLE IF NOT EXISTS messages (
		id                  TEXT PRIMARY KEY,
		message_id          TEXT NOT NULL UNIQUE,
		source              TEXT NOT NULL,
		chat_id             TEXT NOT NULL,
		chat_name           TEXT NOT NULL,
		chat_type           TEXT NOT NULL,
		sender_id           TEXT NOT NULL,
		sender_name         TEXT NOT NULL,
		sender_phone        TEXT NOT NULL DEFAULT '',
		sender_key          TEXT NOT NULL,
		content             TEXT NOT NULL DEFAULT '',
		timestamp           INTEGER NOT NULL,
		has_media           INTEGER NOT NULL DEFAULT 0,
		media_mimetype      TEXT NOT NULL DEFAULT '',
		media_filename      TEXT NOT NULL DEFAULT '',
		media_data          TEXT NOT NULL DEFAULT '',
		message_type        TEXT NOT NULL DEFAULT '',
		is_forwarded        INTEGER NOT NULL DEFAULT 0,
		parsed_data         TEXT NOT NULL DEFAULT '',
		is_update           INTEGER NOT NULL DEFAULT 0,
		original_message_id TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_key, chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS chat_groups (
		chat_id            TEXT PRIMARY KEY,
		chat_name          TEXT NOT NULL,
		monitoring_enabled INTEGER NOT NULL DEFAULT 1,
		message_count      INTEGER NOT NULL DEFAULT 0,
		last_message_at    INTEGER NOT NULL,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) q(ctx context.Context) querier {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		return st.tx
	}
	return s.db
}

// Atomic runs fn in a transaction. Nested calls run in a savepoint, so a failing
// sub-unit is rolled back without aborting the enclosing transaction.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if st, ok := ctx.Value(txKey{}).(*txState); ok {
		st.depth++
		defer func() { st.depth-- }()
		name := fmt.Sprintf("sp_%d", st.depth)

		if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return fmt.Errorf("failed to open savepoint: %w", err)
		}
		if err := fn(ctx); err != nil {
			if _, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
				slog.Error("Failed to roll back savepoint", "savepoint", name, "error", rbErr)
			}
			if _, relErr := st.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
				slog.Error("Failed to release savepoint", "savepoint", name, "error", relErr)
			}
			return err
		}
		if _, err := st.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, &txState{tx: tx})); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func newID() string {
	return ulid.Make().String()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return strings.Contains(se.Error(), "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- products ---

func (s *SQLiteStore) GetProductByModel(ctx context.Context, model string) (*models.Product, error) {
	var p models.Product
	var created, updated int64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, model, manufacturer, description, created_at, updated_at FROM products WHERE model = ?`, model,
	).Scan(&p.ID, &p.Model, &p.Manufacturer, &p.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", model, err)
	}
	p.CreatedAt, p.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &p, nil
}

func (s *SQLiteStore) TryCreateProduct(ctx context.Context, p *models.Product) error {
	id := newID()
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO products (id, model, manufacturer, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, p.Model, p.Manufacturer, p.Description, toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return models.ErrProductExists
	}
	if err != nil {
		return fmt.Errorf("failed to create product %s: %w", p.Model, err)
	}
	p.ID = id
	return nil
}

func (s *SQLiteStore) UpdateProduct(ctx context.Context, p models.Product) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE products SET manufacturer = ?, description = ?, updated_at = ? WHERE id = ?`,
		p.Manufacturer, p.Description, toNanos(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update product %s: %w", p.ID, err)
	}
	return nil
}

// --- sellers ---

func (s *SQLiteStore) GetSellerByPhone(ctx context.Context, phone string) (*models.Seller, error) {
	var sl models.Seller
	var created, updated int64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT id, phone, name, external_id, created_at, updated_at FROM sellers WHERE phone = ?`, phone,
	).Scan(&sl.ID, &sl.Phone, &sl.Name, &sl.ExternalID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seller %s: %w", phone, err)
	}
	sl.CreatedAt, sl.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &sl, nil
}

func (s *SQLiteStore) TryCreateSeller(ctx context.Context, sl *models.Seller) error {
	id := newID()
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO sellers (id, phone, name, external_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sl.Phone, sl.Name, sl.ExternalID, toNanos(sl.CreatedAt), toNanos(sl.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return models.ErrSellerExists
	}
	if err != nil {
		return fmt.Errorf("failed to create seller %s: %w", sl.Phone, err)
	}
	sl.ID = id
	return nil
}

func (s *SQLiteStore) UpdateSeller(ctx context.Context, sl models.Seller) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE sellers SET name = ?, external_id = ?, updated_at = ? WHERE id = ?`,
		sl.Name, sl.ExternalID, toNanos(sl.UpdatedAt), sl.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update seller %s: %w", sl.ID, err)
	}
	return nil
}

// --- offers ---

const offerColumns = `id, product_id, seller_id, operation_type, price, currency, quantity, condition, notes,
	location, manufacturer, hashrate, source_message_id, source_chat_name, additional_data, created_at, updated_at`

func scanOffer(rows *sql.Rows) (models.Offer, error) {
	var o models.Offer
	var op string
	var price sql.NullFloat64
	var extra sql.NullString
	var created, updated int64
	err := rows.Scan(&o.ID, &o.ProductID, &o.SellerID, &op, &price, &o.Currency, &o.Quantity, &o.Condition, &o.Notes,
		&o.Location, &o.Manufacturer, &o.Hashrate, &o.SourceMessageID, &o.SourceChatName, &extra, &created, &updated)
	if err != nil {
		return o, err
	}
	o.OperationType = models.OperationType(op)
	if price.Valid {
		p := price.Float64
		o.Price = &p
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &o.AdditionalData); err != nil {
			return o, fmt.Errorf("invalid additional data on offer %s: %w", o.ID, err)
		}
	}
	o.CreatedAt, o.UpdatedAt = fromNanos(created), fromNanos(updated)
	return o, nil
}

func offerArgs(o models.Offer) ([]any, error) {
	var price sql.NullFloat64
	if o.Price != nil {
		price = sql.NullFloat64{Float64: *o.Price, Valid: true}
	}
	var extra sql.NullString
	if len(o.AdditionalData) > 0 {
		b, err := json.Marshal(o.AdditionalData)
		if err != nil {
			return nil, fmt.Errorf("failed to encode additional data: %w", err)
		}
		extra = sql.NullString{String: string(b), Valid: true}
	}
	return []any{
		o.ProductID, o.SellerID, string(o.OperationType), price, o.Currency, o.Quantity, o.Condition, o.Notes,
		o.Location, o.Manufacturer, o.Hashrate, o.SourceMessageID, o.SourceChatName, extra,
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) GetOffersByProductAndSeller(ctx context.Context, productID, sellerID string) ([]models.Offer, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE product_id = ? AND seller_id = ?`, productID, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func (s *SQLiteStore) CountOffersBySeller(ctx context.Context, sellerID string) (int64, error) {
	var n int64
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM offers WHERE seller_id = ?`, sellerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count offers of seller %s: %w", sellerID, err)
	}
	return n, nil
}

func (s *SQLiteStore) TryCreateOffer(ctx context.Context, o *models.Offer) error {
	args, err := offerArgs(*o)
	if err != nil {
		return err
	}
	id := newID()
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO offers (`+offerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{id}, args...)...,
	)
	if isUniqueViolation(err) {
		return models.ErrOfferExists
	}
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	o.ID = id
	return nil
}

func (s *SQLiteStore) UpdateOffer(ctx context.Context, o models.Offer) error {
	args, err := offerArgs(o)
	if err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE offers SET product_id = ?, seller_id = ?, operation_type = ?, price = ?, currency = ?, quantity = ?,
			condition = ?, notes = ?, location = ?, manufacturer = ?, hashrate = ?, source_message_id = ?,
			source_chat_name = ?, additional_data = ?, created_at = ?, updated_at = ?
		 WHERE id = ?`,
		append(args, o.ID)...,
	)
	if err != nil {
		return fmt.Errorf("failed to update offer %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("offer %s not found", o.ID)
	}
	return nil
}

// --- messages ---

const messageColumns = `id, message_id, source, chat_id, chat_name, chat_type, sender_id, sender_name, sender_phone,
	sender_key, content, timestamp, has_media, media_mimetype, media_filename, media_data, message_type,
	is_forwarded, parsed_data, is_update, original_message_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.ChatMessage, error) {
	var m models.ChatMessage
	var ts, created, updated int64
	var hasMedia, forwarded, isUpdate int
	err := row.Scan(&m.ID, &m.MessageID, &m.Source, &m.ChatID, &m.ChatName, &m.ChatType, &m.SenderID, &m.SenderName,
		&m.SenderPhone, &m.SenderKey, &m.Content, &ts, &hasMedia, &m.MediaMimetype, &m.MediaFilename, &m.MediaData,
		&m.MessageType, &forwarded, &m.ParsedData, &isUpdate, &m.OriginalMessageID, &created, &updated)
	if err != nil {
		return m, err
	}
	m.Timestamp, m.CreatedAt, m.UpdatedAt = fromNanos(ts), fromNanos(created), fromNanos(updated)
	m.HasMedia, m.IsForwarded, m.IsUpdate = hasMedia == 1, forwarded == 1, isUpdate == 1
	return m, nil
}

func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, messageID string) (*models.ChatMessage, error) {
	m, err := scanMessage(s.q(ctx).QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return &m, nil
}

// SaveMessage upserts on the external message id; the internal id of the first insert is kept.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *models.ChatMessage) error {
	id := msg.ID
	if id == "" {
		id = newID()
	}
	err := s.q(ctx).QueryRowContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			source = excluded.source, chat_id = excluded.chat_id, chat_name = excluded.chat_name,
			chat_type = excluded.chat_type, sender_id = excluded.sender_id, sender_name = excluded.sender_name,
			sender_phone = excluded.sender_phone, sender_key = excluded.sender_key, content = excluded.content,
			timestamp = excluded.timestamp, has_media = excluded.has_media, media_mimetype = excluded.media_mimetype,
			media_filename = excluded.media_filename, media_data = excluded.media_data,
			message_type = excluded.message_type, is_forwarded = excluded.is_forwarded,
			parsed_data = excluded.parsed_data, is_update = excluded.is_update,
			original_message_id = CASE WHEN messages.original_message_id = '' THEN excluded.original_message_id ELSE messages.original_message_id END,
			updated_at = excluded.updated_at
		 RETURNING id`,
		id, msg.MessageID, msg.Source, msg.ChatID, msg.ChatName, msg.ChatType, msg.SenderID, msg.SenderName,
		msg.SenderPhone, msg.SenderKey, msg.Content, toNanos(msg.Timestamp), boolInt(msg.HasMedia),
		msg.MediaMimetype, msg.MediaFilename, msg.MediaData, msg.MessageType, boolInt(msg.IsForwarded),
		msg.ParsedData, boolInt(msg.IsUpdate), msg.OriginalMessageID, toNanos(msg.CreatedAt), toNanos(msg.UpdatedAt),
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.MessageID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessagesBySender(ctx context.Context, senderKey, chatID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_key = ? AND chat_id = ?
		 ORDER BY timestamp DESC, created_at DESC LIMIT ?`, senderKey, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, chatType string) (int64, error) {
	var n int64
	var err error
	if chatType == "" {
		err = s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	} else {
		err = s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_type = ?`, chatType).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// --- chat groups ---

func (s *SQLiteStore) GetGroup(ctx context.Context, chatID string) (*models.ChatGroup, error) {
	var g models.ChatGroup
	var enabled int
	var last, created, updated int64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT chat_id, chat_name, monitoring_enabled, message_count, last_message_at, created_at, updated_at
		 FROM chat_groups WHERE chat_id = ?`, chatID,
	).Scan(&g.ChatID, &g.ChatName, &enabled, &g.MessageCount, &last, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat group %s: %w", chatID, err)
	}
	g.MonitoringEnabled = enabled == 1
	g.LastMessageAt, g.CreatedAt, g.UpdatedAt = fromNanos(last), fromNanos(created), fromNanos(updated)
	return &g, nil
}

func (s *SQLiteStore) SaveGroup(ctx context.Context, g models.ChatGroup) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO chat_groups (chat_id, chat_name, monitoring_enabled, message_count, last_message_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			chat_name = excluded.chat_name, monitoring_enabled = excluded.monitoring_enabled,
			message_count = excluded.message_count, last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		g.ChatID, g.ChatName, boolInt(g.MonitoringEnabled), g.MessageCount, toNanos(g.LastMessageAt),
		toNanos(g.CreatedAt), toNanos(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save chat group %s: %w", g.ChatID, err)
	}
	return nil
}
