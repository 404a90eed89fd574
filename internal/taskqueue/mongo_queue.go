package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,    // task ID
//	  payload:     []byte,    // gob-encoded Task
//	  created_at:  time.Time,
//	  not_before:  time.Time,
//	  attempts:    int,
//	  owner:       string,    // "" while queued
//	  lease_until: time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "txflow", collName to "queue_tasks".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "txflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	q := &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 100 * time.Millisecond,
	}
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string    `bson:"_id"`
	Payload    []byte    `bson:"payload"`
	CreatedAt  time.Time `bson:"created_at"`
	NotBefore  time.Time `bson:"not_before"`
	Attempts   int       `bson:"attempts"`
	Owner      string    `bson:"owner"`
	LeaseUntil time.Time `bson:"lease_until"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now().UTC())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	doc := mongoQueueDoc{
		ID:        t.ID,
		Payload:   data,
		CreatedAt: t.EnqueuedAt.UTC(),
		NotBefore: t.NotBefore.UTC(),
		Attempts:  t.Attempts,
	}

	_, err = q.coll.InsertOne(ctx, doc)
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	// Initialize stopped; reset only when needed.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		filter := bson.M{
			"not_before": bson.M{"$lte": now},
			"$or": bson.A{
				bson.M{"owner": ""},
				bson.M{"lease_until": bson.M{"$lte": now}},
			},
		}
		update := bson.M{"$set": bson.M{"owner": owner, "lease_until": now.Add(leaseTTL)}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			// No tasks yet, wait a bit using a reusable timer.
			tmr.Reset(q.pollInterval)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tmr.C:
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		t, err := DecodeTask(doc.Payload)
		if err != nil {
			return nil, err
		}
		t.NotBefore = doc.NotBefore
		t.Attempts = doc.Attempts
		return t, nil
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "owner": owner},
		bson.M{"$set": bson.M{
			"owner":       "",
			"lease_until": time.Time{},
			"not_before":  notBefore.UTC(),
			"attempts":    attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "owner": owner},
		bson.M{"$set": bson.M{"lease_until": time.Now().UTC().Add(leaseTTL)}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Default().Warn("mongo queue length", "error", err)
		return 0
	}
	return int(n)
}
