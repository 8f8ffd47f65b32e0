// Package mongo provides a MongoDB-backed session store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
	"github.com/louisbranch/grouporder/internal/services/grouporder/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	sessionsCollection = "sessions"
	activeCodesIndex   = "active_codes_unique"
	openTableIndex     = "open_table_unique"
)

// Config holds connection settings.
type Config struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// Store persists sessions as one document each. Reserved codes live in the
// active_codes array and the table reservation in open_table; both fields are
// removed once the session stops holding them, so their unique indexes only
// cover open sessions.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

var _ storage.SessionStore = (*Store)(nil)

type sessionDocument struct {
	ID          string         `bson:"_id"`
	Status      string         `bson:"status"`
	Version     int64          `bson:"version"`
	ExpiresAt   time.Time      `bson:"expires_at"`
	CreatedAt   time.Time      `bson:"created_at"`
	Codes       []string       `bson:"codes"`
	ActiveCodes []string       `bson:"active_codes,omitempty"`
	TableKey    string         `bson:"table_key,omitempty"`
	OpenTable   string         `bson:"open_table,omitempty"`
	Session     domain.Session `bson:"session"`
}

func toDocument(s domain.Session, exclusiveTable bool) sessionDocument {
	codes := []string{domain.NormalizeCode(s.JoinCode), domain.NormalizeCode(s.InviteCode)}
	doc := sessionDocument{
		ID:        s.ID,
		Status:    string(s.Status),
		Version:   s.Version,
		ExpiresAt: s.ExpiresAt.UTC(),
		CreatedAt: s.CreatedAt.UTC(),
		Codes:     codes,
		Session:   s,
	}
	if exclusiveTable {
		doc.TableKey = storage.TableKey(s.RestaurantID, s.TableID)
	}
	if s.Status.HoldsCodes() {
		doc.ActiveCodes = codes
		doc.OpenTable = doc.TableKey
	}
	return doc
}

// Open connects, pings and ensures indexes.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(100))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	store := &Store{
		client:     client,
		collection: client.Database(cfg.Database).Collection(sessionsCollection),
		timeout:    cfg.Timeout,
	}
	if err := store.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "active_codes", Value: 1}},
			Options: options.Index().
				SetName(activeCodesIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active_codes": bson.M{"$exists": true}}),
		},
		{
			Keys: bson.D{{Key: "open_table", Value: 1}},
			Options: options.Index().
				SetName(openTableIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"open_table": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "codes", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	}
	if _, err := s.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateSession inserts the document; the unique indexes reserve codes and table.
func (s *Store) CreateSession(ctx context.Context, session domain.Session, opts storage.CreateOptions) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.collection.InsertOne(ctx, toDocument(session, opts.ExclusiveTable)); err != nil {
		return classifyWriteError("insert session", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.findOne(ctx, bson.M{"_id": strings.TrimSpace(sessionID)})
}

// GetSessionByCode prefers the open session holding code, then the newest
// closed one.
func (s *Store) GetSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	code = domain.NormalizeCode(code)
	session, err := s.findOne(ctx, bson.M{"active_codes": code})
	if !errors.Is(err, storage.ErrNotFound) {
		return session, err
	}
	return s.findOne(ctx, bson.M{"codes": code}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

// GetOpenSessionByTable returns the session reserving the table.
func (s *Store) GetOpenSessionByTable(ctx context.Context, restaurantID, tableID string) (domain.Session, error) {
	key := storage.TableKey(restaurantID, tableID)
	if key == "" {
		return domain.Session{}, storage.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.findOne(ctx, bson.M{"open_table": key})
}

// CompareAndSwap updates the document matching both id and expected version.
func (s *Store) CompareAndSwap(ctx context.Context, next domain.Session, expectedVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     string(next.Status),
		"version":    next.Version,
		"expires_at": next.ExpiresAt.UTC(),
		"session":    next,
	}}
	if !next.Status.HoldsCodes() {
		update["$unset"] = bson.M{"active_codes": "", "open_table": ""}
	}
	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": next.ID, "version": expectedVersion}, update)
	if err != nil {
		return classifyWriteError("update session", err)
	}
	if result.MatchedCount == 1 {
		return nil
	}
	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": next.ID})
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrVersionConflict
}

// ListExpiredSessions returns active sessions past their deadline.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.collection.Find(ctx,
		bson.M{"status": string(domain.StatusActive), "expires_at": bson.M{"$lt": now.UTC()}},
		options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}, {Key: "_id", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []sessionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode expired sessions: %w", err)
	}
	sessions := make([]domain.Session, len(docs))
	for i, doc := range docs {
		sessions[i] = doc.Session
	}
	return sessions, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (domain.Session, error) {
	var doc sessionDocument
	if err := s.collection.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("find session: %w", err)
	}
	return doc.Session, nil
}

func classifyWriteError(op string, err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	message := err.Error()
	switch {
	case strings.Contains(message, activeCodesIndex):
		return storage.ErrCodeTaken
	case strings.Contains(message, openTableIndex):
		return storage.ErrTableTaken
	}
	return fmt.Errorf("%s: %w", op, err)
}
