package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"cloudrelay/internal/domain"
)

const (
	DefaultCollection = "relay_journal"

	defaultListLimit = 50
	maxListLimit     = 500
)

// RelayJournal persists finished relays.
type RelayJournal struct {
	collection *mongo.Collection
}

type relayDoc struct {
	ID         string `bson:"_id"`
	Provider   string `bson:"provider,omitempty"`
	Locator    string `bson:"locator"`
	NodeID     string `bson:"nodeId,omitempty"`
	Method     string `bson:"method"`
	Ranged     bool   `bson:"ranged"`
	Start      int64  `bson:"start"`
	End        int64  `bson:"end"`
	SizeBytes  int64  `bson:"sizeBytes"`
	Status     int    `bson:"status"`
	BytesSent  int64  `bson:"bytesSent"`
	Outcome    string `bson:"outcome"`
	ErrorKind  string `bson:"errorKind,omitempty"`
	DurationMs int64  `bson:"durationMs"`
	StartedAt  int64  `bson:"startedAt"`
}

func NewRelayJournal(client *mongo.Client, dbName, collectionName string) *RelayJournal {
	if collectionName == "" {
		collectionName = DefaultCollection
	}
	return &RelayJournal{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *RelayJournal) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "outcome", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (r *RelayJournal) Insert(ctx context.Context, rec domain.RelayRecord) error {
	_, err := r.collection.InsertOne(ctx, toDoc(rec))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// ListRecent returns the newest records first. limit is clamped to
// [1, 500] and defaults to 50.
func (r *RelayJournal) ListRecent(ctx context.Context, limit int) ([]domain.RelayRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	records := make([]domain.RelayRecord, 0)
	for cursor.Next(ctx) {
		var doc relayDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, fromDoc(doc))
	}
	return records, cursor.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func toDoc(rec domain.RelayRecord) relayDoc {
	return relayDoc{
		ID:         rec.ID,
		Provider:   rec.Provider,
		Locator:    rec.Locator,
		NodeID:     rec.NodeID,
		Method:     rec.Method,
		Ranged:     rec.Ranged,
		Start:      rec.Start,
		End:        rec.End,
		SizeBytes:  rec.SizeBytes,
		Status:     rec.Status,
		BytesSent:  rec.BytesSent,
		Outcome:    string(rec.Outcome),
		ErrorKind:  rec.ErrorKind,
		DurationMs: rec.DurationMs,
		StartedAt:  rec.StartedAt.UnixMilli(),
	}
}

func fromDoc(doc relayDoc) domain.RelayRecord {
	return domain.RelayRecord{
		ID:         doc.ID,
		Provider:   doc.Provider,
		Locator:    doc.Locator,
		NodeID:     doc.NodeID,
		Method:     doc.Method,
		Ranged:     doc.Ranged,
		Start:      doc.Start,
		End:        doc.End,
		SizeBytes:  doc.SizeBytes,
		Status:     doc.Status,
		BytesSent:  doc.BytesSent,
		Outcome:    domain.RelayOutcome(doc.Outcome),
		ErrorKind:  doc.ErrorKind,
		DurationMs: doc.DurationMs,
		StartedAt:  time.UnixMilli(doc.StartedAt).UTC(),
	}
}
