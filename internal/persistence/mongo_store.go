package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/txflow/pkg/api"
)

// MongoStore is a Store backed by a MongoDB collection, one document per
// transaction.
type MongoStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Ensure MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

type mongoExecutionDoc struct {
	ID            string     `bson:"_id"`
	WorkflowID    string     `bson:"workflow_id"`
	TransactionID string     `bson:"transaction_id"`
	State         string     `bson:"state"`
	Version       int64      `bson:"version"`
	RetainUntil   *time.Time `bson:"retain_until,omitempty"`
	Execution     []byte     `bson:"execution"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "txflow" if empty, collName defaults to
// "workflow_executions".
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "txflow"
	}
	if collName == "" {
		collName = "workflow_executions"
	}

	s := &MongoStore{
		coll:    client.Database(dbName).Collection(collName),
		timeout: 5 * time.Second,
	}

	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "transaction_id", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "retain_until", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) Get(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoExecutionDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": api.TransactionKey(workflowID, transactionID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeTransaction(doc.Execution)
}

func (s *MongoStore) Save(ctx context.Context, tx *api.TransactionExecution) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	prev := tx.Version
	tx.Version++
	data, err := EncodeTransaction(tx)
	if err != nil {
		tx.Version = prev
		return err
	}

	doc := mongoExecutionDoc{
		ID:            tx.Key(),
		WorkflowID:    tx.WorkflowID,
		TransactionID: tx.TransactionID,
		State:         string(tx.State),
		Version:       tx.Version,
		RetainUntil:   tx.RetainUntil,
		Execution:     data,
		UpdatedAt:     tx.UpdatedAt,
	}

	if prev == 0 {
		_, err = s.coll.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			err = ErrVersionConflict
		}
		if err != nil {
			tx.Version = prev
		}
		return err
	}

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID, "version": prev}, doc)
	if err != nil {
		tx.Version = prev
		return err
	}
	if res.MatchedCount == 0 {
		tx.Version = prev
		return ErrVersionConflict
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, workflowID, transactionID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": api.TransactionKey(workflowID, transactionID)})
	return err
}

func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*api.TransactionExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := bson.M{}
	if filter.WorkflowID != "" {
		q["workflow_id"] = filter.WorkflowID
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		q["state"] = bson.M{"$in": states}
	}
	if !filter.RetainedBefore.IsZero() {
		q["retain_until"] = bson.M{"$lt": filter.RetainedBefore}
	}
	if !filter.UnexpiredAt.IsZero() {
		q["$or"] = bson.A{
			bson.M{"retain_until": nil},
			bson.M{"retain_until": bson.M{"$gt": filter.UnexpiredAt}},
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.TransactionExecution
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(doc.Execution)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, cur.Err()
}
