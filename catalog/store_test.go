package catalog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type testDoc struct {
	ID     string `bson:"_id"`
	NS     string `bson:"ns"`
	Active *bool  `bson:"active,omitempty"`
	Nested struct {
		State string `bson:"state"`
	} `bson:"nested"`
}

func boolPtr(b bool) *bool { return &b }

func TestInsertFindAndDottedFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.WithTransaction(ctx, func(tx *Txn) error {
		a := testDoc{ID: "a", NS: "db.one"}
		a.Nested.State = "cloning"
		b := testDoc{ID: "b", NS: "db.two"}
		b.Nested.State = "applying"
		if err := tx.Insert("docs", a); err != nil {
			return err
		}
		return tx.Insert("docs", b)
	})
	require.NoError(t, err)

	var out testDoc
	found, err := s.FindOne(ctx, "docs", bson.M{"nested.state": "applying"}, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", out.ID)

	docs, err := s.Find(ctx, "docs", nil)
	require.NoError(t, err)
	decoded, err := DecodeAll[testDoc](docs)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "a", decoded[0].ID, "insertion order is kept")

	found, err = s.FindOne(ctx, "docs", bson.M{"active": nil, "ns": "db.one"}, &out)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDuplicateIDAndUniqueIndex(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateUniqueIndex("ops", "ns", "active"))

	insert := func(d testDoc) error {
		return s.WithTransaction(ctx, func(tx *Txn) error { return tx.Insert("ops", d) })
	}

	require.NoError(t, insert(testDoc{ID: "1", NS: "db.c", Active: boolPtr(true)}))
	assert.True(t, IsDuplicateKey(insert(testDoc{ID: "1", NS: "db.other"})))
	assert.True(t, IsDuplicateKey(insert(testDoc{ID: "2", NS: "db.c", Active: boolPtr(true)})))

	// documents without the indexed field are not covered
	assert.NoError(t, insert(testDoc{ID: "3", NS: "db.c"}))
	assert.NoError(t, insert(testDoc{ID: "4", NS: "db.c"}))
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	s := New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTransaction(ctx, func(tx *Txn) error {
		if err := tx.Insert("docs", testDoc{ID: "a"}); err != nil {
			return err
		}

		// writes are visible inside the transaction
		n, err := tx.Count("docs", nil)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, n)
		return boom
	})
	assert.Equal(t, boom, err)

	docs, err := s.Find(ctx, "docs", nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestReplaceAndDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := tx.Insert("docs", testDoc{ID: id, NS: "db.x"}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error {
		ok, err := tx.Replace("docs", bson.M{"_id": "b"}, testDoc{ID: "b", NS: "db.y"})
		require.True(t, ok)
		if err != nil {
			return err
		}

		_, err = tx.Replace("docs", bson.M{"_id": "c"}, testDoc{ID: "z"})
		assert.Equal(t, ErrIDChanged, err)

		n, err := tx.DeleteMany("docs", bson.M{"ns": "db.x"})
		assert.Equal(t, 2, n)
		return err
	}))

	docs, err := s.Find(ctx, "docs", nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "db.y", docs[0].Lookup("ns").StringValue())
}

func TestSubscribersSeeCommitOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	cancel := s.Subscribe("docs", func(ch Change) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ch.Op.String()+":"+ch.ID.StringValue())
		if len(seen) == 3 {
			close(done)
		}

		// subscribers may use the store from the callback
		_, err := s.Find(ctx, "docs", nil)
		assert.NoError(t, err)
	})
	defer cancel()

	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error { return tx.Insert("docs", testDoc{ID: "a"}) }))
	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error { return tx.Upsert("docs", testDoc{ID: "a", NS: "n"}) }))
	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error { return tx.Insert("other", testDoc{ID: "x"}) }))
	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error {
		_, err := tx.DeleteOne("docs", bson.M{"_id": "a"})
		return err
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for changes")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"insert:a", "replace:a", "delete:a"}, seen)
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.bson")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.WithTransaction(ctx, func(tx *Txn) error { return tx.Insert("docs", testDoc{ID: "a", NS: "db.c"}) }))
	txn := s.TxnNumber()

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, txn, reopened.TxnNumber())

	var out testDoc
	found, err := reopened.FindOne(ctx, "docs", bson.M{"_id": "a"}, &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "db.c", out.NS)
}
