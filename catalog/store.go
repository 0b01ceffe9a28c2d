// Package catalog is a small transactional document store. Documents are kept as BSON
// and grouped in named collections, every write happens inside a transaction that is
// applied all or nothing, and committed changes are published to subscribers in commit
// order.
package catalog

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrMissingID    = errors.New("document has no _id")
	ErrIDChanged    = errors.New("replacement changes the _id of the document")
	ErrTxnFinished  = errors.New("transaction already finished")
)

// IsDuplicateKey reports whether err was caused by a unique index violation
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

type collection struct {
	order []string
	docs  map[string]bson.Raw
}

func newCollection() *collection {
	return &collection{docs: make(map[string]bson.Raw)}
}

func (c *collection) clone() *collection {
	cp := &collection{
		order: make([]string, len(c.order)),
		docs:  make(map[string]bson.Raw, len(c.docs)),
	}
	copy(cp.order, c.order)
	for k, v := range c.docs {
		cp.docs[k] = v
	}
	return cp
}

func (c *collection) put(key string, doc bson.Raw) {
	if _, ok := c.docs[key]; !ok {
		c.order = append(c.order, key)
	}
	c.docs[key] = doc
}

func (c *collection) remove(key string) {
	if _, ok := c.docs[key]; !ok {
		return
	}
	delete(c.docs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

type uniqueIndex struct {
	fields []string
}

// key returns the index key of doc, ok is false if the document lacks one of the fields
// and is therefore not covered by the index
func (idx uniqueIndex) key(doc bson.Raw) (string, bool) {
	var sb strings.Builder
	for _, f := range idx.fields {
		v, err := doc.LookupErr(strings.Split(f, ".")...)
		if err != nil {
			return "", false
		}
		sb.WriteString(rawValueKey(v))
	}
	return sb.String(), true
}

// Store holds the collections. The zero value is not usable, use New or Open.
type Store struct {
	// below fields are protected by the following mutex
	mu        sync.Mutex
	colls     map[string]*collection
	indexes   map[string][]uniqueIndex
	txnNumber int64
	path      string

	// held while handing committed changes to subscriptions, acquired before mu is released
	pubMu sync.Mutex
	subs  map[string][]*subscription
}

// New returns an empty in-memory store
func New() *Store {
	return &Store{
		colls:   make(map[string]*collection),
		indexes: make(map[string][]uniqueIndex),
		subs:    make(map[string][]*subscription),
	}
}

// CreateUniqueIndex makes the combination of fields unique within coll. Documents that
// lack any of the fields are not covered.
func (s *Store) CreateUniqueIndex(coll string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := uniqueIndex{fields: fields}
	if c, ok := s.colls[coll]; ok {
		seen := make(map[string]bool)
		for _, k := range c.order {
			key, covered := idx.key(c.docs[k])
			if !covered {
				continue
			}
			if seen[key] {
				return errors.WithMessagef(ErrDuplicateKey, "existing documents in %s violate index %v", coll, fields)
			}
			seen[key] = true
		}
	}

	s.indexes[coll] = append(s.indexes[coll], idx)
	return nil
}

// TxnNumber returns the number of the last started transaction
func (s *Store) TxnNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnNumber
}

// WithTransaction runs fn inside a transaction. Transactions are serialized, if fn returns
// an error nothing it wrote becomes visible.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.txnNumber++
	tx := &Txn{
		store:  s,
		number: s.txnNumber,
		writes: make(map[string]*collection),
	}

	err := fn(tx)
	tx.finished = true
	if err == nil && len(tx.writes) > 0 {
		err = s.commitLocked(tx)
	}

	if err != nil || len(tx.changes) == 0 {
		s.mu.Unlock()
		return err
	}

	s.pubMu.Lock()
	s.mu.Unlock()
	s.publishLocked(tx.changes)
	s.pubMu.Unlock()
	return nil
}

func (s *Store) commitLocked(tx *Txn) error {
	merged := make(map[string]*collection, len(s.colls)+len(tx.writes))
	for name, c := range s.colls {
		merged[name] = c
	}
	for name, c := range tx.writes {
		merged[name] = c
	}

	if s.path != "" {
		if err := writeSnapshot(s.path, tx.number, merged); err != nil {
			return errors.WithMessage(err, "persisting transaction")
		}
	}

	s.colls = merged
	return nil
}

// FindOne decodes the first document in coll matching filter into out
func (s *Store) FindOne(ctx context.Context, coll string, filter bson.M, out interface{}) (found bool, err error) {
	err = s.WithTransaction(ctx, func(tx *Txn) error {
		found, err = tx.FindOne(coll, filter, out)
		return err
	})
	return
}

// Find returns all documents in coll matching filter in insertion order
func (s *Store) Find(ctx context.Context, coll string, filter bson.M) (docs []bson.Raw, err error) {
	err = s.WithTransaction(ctx, func(tx *Txn) error {
		docs, err = tx.Find(coll, filter)
		return err
	})
	return
}

// Txn is a handle to a running transaction, only valid inside the function passed to
// WithTransaction
type Txn struct {
	store    *Store
	number   int64
	writes   map[string]*collection
	changes  []Change
	finished bool
}

// Number is the transaction number, unique and increasing within a store
func (tx *Txn) Number() int64 {
	return tx.number
}

func (tx *Txn) view(coll string) *collection {
	if c, ok := tx.writes[coll]; ok {
		return c
	}
	if c, ok := tx.store.colls[coll]; ok {
		return c
	}
	return newCollection()
}

func (tx *Txn) writable(coll string) *collection {
	if c, ok := tx.writes[coll]; ok {
		return c
	}

	var c *collection
	if existing, ok := tx.store.colls[coll]; ok {
		c = existing.clone()
	} else {
		c = newCollection()
	}
	tx.writes[coll] = c
	return c
}

// FindOne decodes the first document matching filter into out
func (tx *Txn) FindOne(coll string, filter bson.M, out interface{}) (bool, error) {
	if tx.finished {
		return false, ErrTxnFinished
	}

	_, doc, err := tx.findFirst(coll, filter)
	if err != nil || doc == nil {
		return false, err
	}

	if err := bson.Unmarshal(doc, out); err != nil {
		return false, errors.WithMessagef(err, "decoding document from %s", coll)
	}
	return true, nil
}

// Find returns all documents matching filter in insertion order
func (tx *Txn) Find(coll string, filter bson.M) ([]bson.Raw, error) {
	if tx.finished {
		return nil, ErrTxnFinished
	}

	c := tx.view(coll)
	var out []bson.Raw
	for _, k := range c.order {
		doc := c.docs[k]
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Count returns the number of documents matching filter
func (tx *Txn) Count(coll string, filter bson.M) (int, error) {
	docs, err := tx.Find(coll, filter)
	return len(docs), err
}

// Insert adds a new document, it fails with ErrDuplicateKey if the _id or a unique
// index key is already taken
func (tx *Txn) Insert(coll string, doc interface{}) error {
	raw, key, err := tx.prepare(doc)
	if err != nil {
		return err
	}

	c := tx.view(coll)
	if _, exists := c.docs[key]; exists {
		return errors.WithMessagef(ErrDuplicateKey, "_id already present in %s", coll)
	}
	if err := tx.checkIndexes(coll, c, key, raw); err != nil {
		return err
	}

	tx.writable(coll).put(key, raw)
	tx.record(coll, OpInsert, raw)
	return nil
}

// Replace replaces the first document matching filter, the replacement has to keep its _id
func (tx *Txn) Replace(coll string, filter bson.M, doc interface{}) (bool, error) {
	raw, key, err := tx.prepare(doc)
	if err != nil {
		return false, err
	}

	oldKey, old, err := tx.findFirst(coll, filter)
	if err != nil || old == nil {
		return false, err
	}
	if oldKey != key {
		return false, ErrIDChanged
	}

	if err := tx.checkIndexes(coll, tx.view(coll), key, raw); err != nil {
		return false, err
	}

	tx.writable(coll).put(key, raw)
	tx.record(coll, OpReplace, raw)
	return true, nil
}

// Upsert inserts doc or replaces the document with the same _id
func (tx *Txn) Upsert(coll string, doc interface{}) error {
	raw, key, err := tx.prepare(doc)
	if err != nil {
		return err
	}

	c := tx.view(coll)
	_, exists := c.docs[key]
	if err := tx.checkIndexes(coll, c, key, raw); err != nil {
		return err
	}

	tx.writable(coll).put(key, raw)
	if exists {
		tx.record(coll, OpReplace, raw)
	} else {
		tx.record(coll, OpInsert, raw)
	}
	return nil
}

// DeleteOne removes the first document matching filter
func (tx *Txn) DeleteOne(coll string, filter bson.M) (bool, error) {
	if tx.finished {
		return false, ErrTxnFinished
	}

	key, doc, err := tx.findFirst(coll, filter)
	if err != nil || doc == nil {
		return false, err
	}

	tx.writable(coll).remove(key)
	tx.record(coll, OpDelete, doc)
	return true, nil
}

// DeleteMany removes every document matching filter and returns how many were removed
func (tx *Txn) DeleteMany(coll string, filter bson.M) (int, error) {
	docs, err := tx.Find(coll, filter)
	if err != nil || len(docs) == 0 {
		return 0, err
	}

	c := tx.writable(coll)
	for _, doc := range docs {
		id, err := doc.LookupErr("_id")
		if err != nil {
			return 0, ErrMissingID
		}
		c.remove(rawValueKey(id))
		tx.record(coll, OpDelete, doc)
	}
	return len(docs), nil
}

func (tx *Txn) prepare(doc interface{}) (bson.Raw, string, error) {
	if tx.finished {
		return nil, "", ErrTxnFinished
	}

	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, "", errors.WithMessage(err, "bson.Marshal")
	}

	raw := bson.Raw(b)
	id, err := raw.LookupErr("_id")
	if err != nil {
		return nil, "", ErrMissingID
	}
	return raw, rawValueKey(id), nil
}

func (tx *Txn) findFirst(coll string, filter bson.M) (string, bson.Raw, error) {
	c := tx.view(coll)
	for _, k := range c.order {
		doc := c.docs[k]
		ok, err := matches(doc, filter)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return k, doc, nil
		}
	}
	return "", nil, nil
}

func (tx *Txn) checkIndexes(coll string, c *collection, key string, doc bson.Raw) error {
	for _, idx := range tx.store.indexes[coll] {
		want, covered := idx.key(doc)
		if !covered {
			continue
		}

		for _, k := range c.order {
			if k == key {
				continue
			}
			other, ok := idx.key(c.docs[k])
			if ok && other == want {
				return errors.WithMessagef(ErrDuplicateKey, "index %v in %s", idx.fields, coll)
			}
		}
	}
	return nil
}

func (tx *Txn) record(coll string, op OpType, doc bson.Raw) {
	id, _ := doc.LookupErr("_id")
	ch := Change{
		Collection: coll,
		Op:         op,
		ID:         id,
		TxnNumber:  tx.number,
	}
	if op != OpDelete {
		ch.Doc = doc
	}
	tx.changes = append(tx.changes, ch)
}

// matches reports whether every dotted path in filter equals the filter value. A nil
// filter value matches a missing or null field.
func matches(doc bson.Raw, filter bson.M) (bool, error) {
	for path, want := range filter {
		got, err := doc.LookupErr(strings.Split(path, ".")...)
		if want == nil {
			if err == nil && got.Type != bson.TypeNull {
				return false, nil
			}
			continue
		}
		if err != nil {
			return false, nil
		}

		wantType, wantData, err := bson.MarshalValue(want)
		if err != nil {
			return false, errors.WithMessagef(err, "encoding filter value for %q", path)
		}
		if got.Type != wantType || !bytes.Equal(got.Value, wantData) {
			return false, nil
		}
	}
	return true, nil
}

func rawValueKey(v bson.RawValue) string {
	return string([]byte{byte(v.Type)}) + string(v.Value)
}

// Open returns a store persisted to path. Every committed transaction rewrites the file,
// an existing file is loaded first.
func Open(path string) (*Store, error) {
	s := New()
	s.path = path

	colls, txnNumber, err := readSnapshot(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return s, nil
		}
		return nil, err
	}

	s.colls = colls
	s.txnNumber = txnNumber
	return s, nil
}
