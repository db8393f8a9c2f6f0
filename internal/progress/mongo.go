package progress

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// MongoStore keeps the ledger in MongoDB so that several machines can share
// one account's progress.
type MongoStore struct {
	client   *mongo.Client
	database *mongo.Database

	entries *mongo.Collection
	locks   *mongo.Collection
	runs    *mongo.Collection

	now func() time.Time
}

func NewMongoStore(ctx context.Context, cfg *MongoConfig) (*MongoStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(10).
		SetMaxConnIdleTime(30 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	store := &MongoStore{
		client:   client,
		database: database,
		entries:  database.Collection("ledger_entries"),
		locks:    database.Collection("ledger_locks"),
		runs:     database.Collection("runs"),
		now:      time.Now,
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return store, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	entryIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "day", Value: 1}, {Key: "scope", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "scope", Value: 1}, {Key: "day", Value: -1}},
		},
	}
	if _, err := s.entries.Indexes().CreateMany(ctx, entryIndexes); err != nil {
		return fmt.Errorf("failed to create entry indexes: %w", err)
	}

	runIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	}
	if _, err := s.runs.Indexes().CreateMany(ctx, runIndexes); err != nil {
		return fmt.Errorf("failed to create run indexes: %w", err)
	}
	return nil
}

func entryFilter(day Day, scope, id string) bson.M {
	return bson.M{"day": day, "scope": scope, "id": id}
}

// Put upserts e. When the stored entry is already completed the filter
// misses, the upsert collides with the unique index and the write is dropped.
func (s *MongoStore) Put(ctx context.Context, e Entry) error {
	filter := entryFilter(e.Day, e.Scope, e.ID)
	filter["status"] = bson.M{"$ne": StatusCompleted}
	update := bson.M{
		"$set": bson.M{
			"status": e.Status,
			"label":  e.Label,
			"at":     e.At,
		},
	}
	_, err := s.entries.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to put entry: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, day Day, scope, id string) (Entry, bool, error) {
	var e Entry
	err := s.entries.FindOne(ctx, entryFilter(day, scope, id)).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, true, nil
}

func (s *MongoStore) Count(ctx context.Context, day Day, scope string, status Status) (int, error) {
	n, err := s.entries.CountDocuments(ctx, bson.M{"day": day, "scope": scope, "status": status})
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) List(ctx context.Context, day Day) ([]Entry, error) {
	return s.find(ctx, bson.M{"day": day})
}

func (s *MongoStore) Since(ctx context.Context, scopePrefix string, from Day) ([]Entry, error) {
	return s.find(ctx, bson.M{
		"day":   bson.M{"$gte": from},
		"scope": bson.M{"$regex": "^" + regexp.QuoteMeta(scopePrefix)},
	})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]Entry, error) {
	cursor, err := s.entries.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Entry
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Prune(ctx context.Context, before Day) (int, error) {
	res, err := s.entries.DeleteMany(ctx, bson.M{"day": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to prune entries: %w", err)
	}
	return int(res.DeletedCount), nil
}

// Acquire matches the lock document only when it is expired or ours; if it
// is held by someone else the upsert collides on _id.
func (s *MongoStore) Acquire(ctx context.Context, owner string, ttl time.Duration) (Release, error) {
	now := s.now()
	filter := bson.M{
		"_id": "run",
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$lt": now}},
			bson.M{"owner": owner},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl)}}

	_, err := s.locks.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func(ctx context.Context) error {
		if _, err := s.locks.DeleteOne(ctx, bson.M{"_id": "run", "owner": owner}); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}, nil
}

func (s *MongoStore) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.runs.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *MongoStore) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.runs.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var out []RunRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode runs: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
