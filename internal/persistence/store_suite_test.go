package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/txflow/internal/testutil"
	"github.com/petrijr/txflow/pkg/api"
)

const testPrefix = "txflow:test:"

// StoreTestSuite runs the Store contract against one backend.
type StoreTestSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		return NewMemoryStore()
	}})
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := NewSQLiteStore(testutil.OpenSQLite(t))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		return store
	}})
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := NewPostgresStore(testutil.OpenGorm(t, "workflow_executions"))
		if err != nil {
			t.Fatalf("NewPostgresStore failed: %v", err)
		}
		return store
	}})
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		return NewRedisStore(testutil.NewRedisClient(t, testPrefix), testPrefix)
	}})
}

func TestMongoStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		client := testutil.NewMongoClient(t)
		db := client.Database("txflow_test")
		if err := db.Collection("workflow_executions").Drop(context.Background()); err != nil {
			t.Fatalf("drop collection: %v", err)
		}
		store, err := NewMongoStore(context.Background(), client, "txflow_test", "")
		if err != nil {
			t.Fatalf("NewMongoStore failed: %v", err)
		}
		return store
	}})
}

func sampleTransaction(workflowID, transactionID string, state api.TransactionState) *api.TransactionExecution {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &api.TransactionExecution{
		WorkflowID:    workflowID,
		TransactionID: transactionID,
		State:         state,
		Input:         json.RawMessage(`{"value":"123"}`),
		Steps: map[string]*api.StepExecutionRecord{
			"reserve": {StepID: "reserve", Status: api.StepDone, Attempts: 1, Response: json.RawMessage(`{"ok":true}`), CompletedSeq: 1},
			"charge":  {StepID: "charge", Status: api.StepWaitingAsync, Attempts: 2, LastError: "card declined"},
		},
		Seq:       1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *StoreTestSuite) TestSaveAndGet() {
	tx := sampleTransaction("wf-a", "tx-1", api.StateInvoking)
	s.Require().NoError(s.store.Save(s.ctx, tx))
	s.Equal(int64(1), tx.Version)

	got, err := s.store.Get(s.ctx, "wf-a", "tx-1")
	s.Require().NoError(err)
	s.Equal(int64(1), got.Version)
	s.Equal(api.StateInvoking, got.State)
	s.JSONEq(`{"value":"123"}`, string(got.Input))
	s.Require().Len(got.Steps, 2)
	s.Equal(api.StepDone, got.Steps["reserve"].Status)
	s.JSONEq(`{"ok":true}`, string(got.Steps["reserve"].Response))
	s.Equal(2, got.Steps["charge"].Attempts)
	s.Equal("card declined", got.Steps["charge"].LastError)
	s.True(tx.CreatedAt.Equal(got.CreatedAt))

	// Mutating a loaded record must not leak into the store.
	got.State = api.StateDone
	again, err := s.store.Get(s.ctx, "wf-a", "tx-1")
	s.Require().NoError(err)
	s.Equal(api.StateInvoking, again.State)
}

func (s *StoreTestSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, "wf-a", "nope")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreTestSuite) TestSaveRejectsDuplicateInsert() {
	s.Require().NoError(s.store.Save(s.ctx, sampleTransaction("wf-a", "tx-1", api.StatePending)))

	dup := sampleTransaction("wf-a", "tx-1", api.StatePending)
	err := s.store.Save(s.ctx, dup)
	s.ErrorIs(err, ErrVersionConflict)
	s.Equal(int64(0), dup.Version)
}

func (s *StoreTestSuite) TestSaveRejectsStaleVersion() {
	s.Require().NoError(s.store.Save(s.ctx, sampleTransaction("wf-a", "tx-1", api.StatePending)))

	first, err := s.store.Get(s.ctx, "wf-a", "tx-1")
	s.Require().NoError(err)
	second, err := s.store.Get(s.ctx, "wf-a", "tx-1")
	s.Require().NoError(err)

	first.State = api.StateInvoking
	s.Require().NoError(s.store.Save(s.ctx, first))
	s.Equal(int64(2), first.Version)

	second.State = api.StateCompensating
	err = s.store.Save(s.ctx, second)
	s.ErrorIs(err, ErrVersionConflict)
	s.Equal(int64(1), second.Version)

	got, err := s.store.Get(s.ctx, "wf-a", "tx-1")
	s.Require().NoError(err)
	s.Equal(api.StateInvoking, got.State)
}

func (s *StoreTestSuite) TestUpdateOfDeletedRecordConflicts() {
	tx := sampleTransaction("wf-a", "tx-1", api.StatePending)
	s.Require().NoError(s.store.Save(s.ctx, tx))
	s.Require().NoError(s.store.Delete(s.ctx, "wf-a", "tx-1"))

	tx.State = api.StateInvoking
	s.ErrorIs(s.store.Save(s.ctx, tx), ErrVersionConflict)
}

func (s *StoreTestSuite) TestDelete() {
	s.Require().NoError(s.store.Save(s.ctx, sampleTransaction("wf-a", "tx-1", api.StateDone)))
	s.Require().NoError(s.store.Delete(s.ctx, "wf-a", "tx-1"))

	_, err := s.store.Get(s.ctx, "wf-a", "tx-1")
	s.ErrorIs(err, ErrNotFound)

	// Deleting twice is fine.
	s.NoError(s.store.Delete(s.ctx, "wf-a", "tx-1"))
}

func (s *StoreTestSuite) TestListFilters() {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	records := []*api.TransactionExecution{
		sampleTransaction("wf-a", "tx-1", api.StateInvoking),
		sampleTransaction("wf-a", "tx-2", api.StateDone),
		sampleTransaction("wf-b", "tx-3", api.StateDone),
		sampleTransaction("wf-b", "tx-4", api.StateCompensating),
	}
	records[1].RetainUntil = &past
	records[2].RetainUntil = &future
	for _, r := range records {
		s.Require().NoError(s.store.Save(s.ctx, r))
	}

	all, err := s.store.List(s.ctx, Filter{})
	s.Require().NoError(err)
	s.Len(all, 4)

	byWorkflow, err := s.store.List(s.ctx, Filter{WorkflowID: "wf-a"})
	s.Require().NoError(err)
	s.ElementsMatch([]string{"tx-1", "tx-2"}, transactionIDs(byWorkflow))

	byState, err := s.store.List(s.ctx, Filter{States: []api.TransactionState{api.StateInvoking, api.StateCompensating}})
	s.Require().NoError(err)
	s.ElementsMatch([]string{"tx-1", "tx-4"}, transactionIDs(byState))

	combined, err := s.store.List(s.ctx, Filter{WorkflowID: "wf-b", States: []api.TransactionState{api.StateDone}})
	s.Require().NoError(err)
	s.ElementsMatch([]string{"tx-3"}, transactionIDs(combined))

	expired, err := s.store.List(s.ctx, Filter{RetainedBefore: now})
	s.Require().NoError(err)
	s.ElementsMatch([]string{"tx-2"}, transactionIDs(expired))

	limited, err := s.store.List(s.ctx, Filter{Limit: 2})
	s.Require().NoError(err)
	s.Len(limited, 2)
}

func (s *StoreTestSuite) TestKeysWithColonsDoNotCollide() {
	first := sampleTransaction("a:b", "c", api.StateInvoking)
	second := sampleTransaction("a", "b:c", api.StateCompensating)
	s.Require().NoError(s.store.Save(s.ctx, first))
	s.Require().NoError(s.store.Save(s.ctx, second))

	got, err := s.store.Get(s.ctx, "a:b", "c")
	s.Require().NoError(err)
	s.Equal("a:b", got.WorkflowID)
	s.Equal(api.StateInvoking, got.State)

	got, err = s.store.Get(s.ctx, "a", "b:c")
	s.Require().NoError(err)
	s.Equal("a", got.WorkflowID)
	s.Equal(api.StateCompensating, got.State)

	s.Require().NoError(s.store.Delete(s.ctx, "a", "b:c"))
	_, err = s.store.Get(s.ctx, "a:b", "c")
	s.NoError(err)
}

func (s *StoreTestSuite) TestListUnexpiredAppliesBeforeLimit() {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	records := []*api.TransactionExecution{
		sampleTransaction("wf-a", "tx-1", api.StateDone),
		sampleTransaction("wf-a", "tx-2", api.StateDone),
		sampleTransaction("wf-a", "tx-3", api.StateDone),
		sampleTransaction("wf-a", "tx-4", api.StateInvoking),
	}
	records[0].RetainUntil = &past
	records[1].RetainUntil = &past
	records[2].RetainUntil = &future
	for _, r := range records {
		s.Require().NoError(s.store.Save(s.ctx, r))
	}

	live, err := s.store.List(s.ctx, Filter{WorkflowID: "wf-a", UnexpiredAt: now, Limit: 2})
	s.Require().NoError(err)
	s.ElementsMatch([]string{"tx-3", "tx-4"}, transactionIDs(live))
}

func transactionIDs(txs []*api.TransactionExecution) []string {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.TransactionID)
	}
	return ids
}
