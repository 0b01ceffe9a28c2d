package coordinator

import (
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/routing"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var errCoordinatorDocMissing = errors.New("coordinator document not found")

var catalogClock struct {
	sync.Mutex
	last primitive.Timestamp
}

// nextCatalogTimestamp returns a cluster timestamp later than every one handed out before
func nextCatalogTimestamp() primitive.Timestamp {
	catalogClock.Lock()
	defer catalogClock.Unlock()

	now := uint32(time.Now().Unix())
	if now > catalogClock.last.T {
		catalogClock.last = primitive.Timestamp{T: now, I: 1}
	} else {
		catalogClock.last.I++
	}
	return catalogClock.last
}

func byID(id interface{}) bson.M {
	return bson.M{"_id": id}
}

func loadCoordinatorDoc(tx *catalog.Txn, id dreshard.OperationID) (*dreshard.CoordinatorDocument, error) {
	var doc dreshard.CoordinatorDocument
	found, err := tx.FindOne(dreshard.CoordinatorsCollection, byID(id), &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errCoordinatorDocMissing
	}
	return &doc, nil
}

func replaceCoordinatorDoc(tx *catalog.Txn, doc *dreshard.CoordinatorDocument) error {
	found, err := tx.Replace(dreshard.CoordinatorsCollection, byID(doc.ID), doc)
	if err != nil {
		return errors.WithMessage(err, "replacing coordinator document")
	}
	if !found {
		return errCoordinatorDocMissing
	}
	return nil
}

func loadCollectionEntry(tx *catalog.Txn, ns dreshard.Namespace) (*dreshard.CollectionEntry, bool, error) {
	var entry dreshard.CollectionEntry
	found, err := tx.FindOne(dreshard.CollectionsCollection, byID(ns), &entry)
	if err != nil || !found {
		return nil, false, err
	}
	return &entry, true, nil
}

// updateReshardingFields applies fn to the resharding fields of the entry of ns. Entries
// without fields, or with fields of another operation, are left alone.
func updateReshardingFields(tx *catalog.Txn, ns dreshard.Namespace, opID dreshard.OperationID, fn func(*dreshard.ReshardingFields)) error {
	entry, found, err := loadCollectionEntry(tx, ns)
	if err != nil || !found {
		return err
	}
	if entry.ReshardingFields == nil || entry.ReshardingFields.OperationID != opID {
		return nil
	}

	fn(entry.ReshardingFields)
	_, err = tx.Replace(dreshard.CollectionsCollection, byID(ns), entry)
	return errors.WithMessagef(err, "updating resharding fields of %s", ns)
}

// setFieldsState moves the resharding fields on both the source and the temporary entry
func setFieldsState(tx *catalog.Txn, doc *dreshard.CoordinatorDocument, fn func(*dreshard.ReshardingFields)) error {
	if err := updateReshardingFields(tx, doc.Namespace, doc.ID, fn); err != nil {
		return err
	}
	return updateReshardingFields(tx, doc.TempNamespace, doc.ID, fn)
}

// clearSourceReshardingFields removes the resharding fields of opID from the source entry
// and lets the balancer move its chunks again
func clearSourceReshardingFields(tx *catalog.Txn, ns dreshard.Namespace, opID dreshard.OperationID) error {
	entry, found, err := loadCollectionEntry(tx, ns)
	if err != nil || !found {
		return err
	}
	if entry.ReshardingFields == nil || entry.ReshardingFields.OperationID != opID {
		return nil
	}

	entry.ReshardingFields = nil
	entry.AllowMigrations = nil
	_, err = tx.Replace(dreshard.CollectionsCollection, byID(ns), entry)
	return errors.WithMessagef(err, "clearing resharding fields of %s", ns)
}

// removeTemporaryCollection deletes the catalog entry, chunks and zones of the
// temporary namespace
func removeTemporaryCollection(tx *catalog.Txn, tempNs dreshard.Namespace) error {
	if _, err := tx.DeleteOne(dreshard.CollectionsCollection, byID(tempNs)); err != nil {
		return err
	}
	if _, err := tx.DeleteMany(dreshard.ChunksCollection, bson.M{"ns": tempNs}); err != nil {
		return err
	}
	_, err := tx.DeleteMany(dreshard.TagsCollection, bson.M{"ns": tempNs})
	return err
}

func knownShardIDs(tx *catalog.Txn) ([]string, error) {
	raws, err := tx.Find(dreshard.ShardsCollection, nil)
	if err != nil {
		return nil, err
	}
	shards, err := catalog.DecodeAll[dreshard.ShardEntry](raws)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(shards))
	for _, s := range shards {
		ids = append(ids, s.ID)
	}
	return dreshard.UnionShardIDs(ids), nil
}

// writeStateDocument inserts the coordinator document of a new operation and marks the
// source collection as being resharded
func writeStateDocument(tx *catalog.Txn, doc *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
	src, found, err := loadCollectionEntry(tx, doc.Namespace)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dreshard.NewError(dreshard.CodeNamespaceNotFound, "%s is not a sharded collection", doc.Namespace)
	}
	if src.ReshardingFields != nil {
		return nil, dreshard.ErrReshardingInProgress
	}

	next := doc.Clone()
	next.SchemaVersion = dreshard.SchemaVersion
	next.State = dreshard.CoordinatorInitializing
	next.Active = true
	next.ExistingUUID = src.UUID
	next.TempNamespace = dreshard.TempReshardingNamespace(doc.Namespace, src.UUID)
	if next.StartTime.IsZero() {
		next.StartTime = time.Now()
	}

	if err := tx.Insert(dreshard.CoordinatorsCollection, next); err != nil {
		if catalog.IsDuplicateKey(err) {
			return nil, dreshard.ErrReshardingInProgress
		}
		return nil, errors.WithMessage(err, "inserting coordinator document")
	}

	allowMigrations := false
	src.AllowMigrations = &allowMigrations
	src.ReshardingFields = &dreshard.ReshardingFields{
		OperationID: next.ID,
		State:       dreshard.CoordinatorInitializing,
		DonorFields: &dreshard.DonorFields{
			TempNamespace: next.TempNamespace,
			ReshardingKey: next.ReshardingKey,
		},
	}
	if _, err := tx.Replace(dreshard.CollectionsCollection, byID(src.Namespace), src); err != nil {
		return nil, errors.WithMessage(err, "marking source collection")
	}

	return next, nil
}

// initialLayout returns the layout of the resharded collection, either the validated
// preset or an even split over every known shard
func initialLayout(tx *catalog.Txn, doc *dreshard.CoordinatorDocument, sourceChunks int, defaultNumChunks int) ([]dreshard.ReshardedChunk, error) {
	shards, err := knownShardIDs(tx)
	if err != nil {
		return nil, err
	}

	if len(doc.PresetReshardedChunks) > 0 {
		return routing.ValidatePresetChunks(doc.PresetReshardedChunks, shards)
	}

	n := doc.NumInitialChunks
	if n == 0 {
		n = defaultNumChunks
	}
	if n == 0 {
		n = sourceChunks
	}

	layout := routing.SplitEven(n, shards)
	if len(layout) == 0 {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "no shards are registered")
	}
	return layout, nil
}

// writeInitialLayout computes the participants and the initial chunks of the temporary
// collection and moves the operation to PreparingToDonate
func writeInitialLayout(tx *catalog.Txn, cur *dreshard.CoordinatorDocument, defaultNumChunks int) (*dreshard.CoordinatorDocument, error) {
	sourceChunks, err := routing.LoadChunks(tx, cur.Namespace)
	if err != nil {
		return nil, err
	}
	if len(sourceChunks) == 0 {
		return nil, dreshard.NewError(dreshard.CodeNamespaceNotFound, "%s has no chunks", cur.Namespace)
	}

	layout, err := initialLayout(tx, cur, len(sourceChunks), defaultNumChunks)
	if err != nil {
		return nil, err
	}
	if err := routing.ValidateZones(cur.Zones); err != nil {
		return nil, err
	}

	recipients := routing.RecipientsOf(layout)
	var db dreshard.DatabaseEntry
	found, err := tx.FindOne(dreshard.DatabasesCollection, byID(cur.Namespace.DB()), &db)
	if err != nil {
		return nil, err
	}
	if found && db.Primary != "" {
		recipients = dreshard.UnionShardIDs(recipients, []string{db.Primary})
	}
	donors := routing.ShardsOwningChunks(sourceChunks)

	next := cur.Clone()
	next.State = dreshard.CoordinatorPreparingToDonate
	next.DonorShards = make([]dreshard.DonorShardEntry, 0, len(donors))
	for _, id := range donors {
		next.DonorShards = append(next.DonorShards, dreshard.DonorShardEntry{ID: id})
	}
	next.RecipientShards = make([]dreshard.RecipientShardEntry, 0, len(recipients))
	for _, id := range recipients {
		next.RecipientShards = append(next.RecipientShards, dreshard.RecipientShardEntry{ID: id})
	}
	zones := next.Zones
	next.PresetReshardedChunks = nil
	next.Zones = nil
	next.NumInitialChunks = 0

	if err := replaceCoordinatorDoc(tx, next); err != nil {
		return nil, err
	}

	if err := removeTemporaryCollection(tx, next.TempNamespace); err != nil {
		return nil, err
	}

	epoch := primitive.NewObjectID()
	ts := nextCatalogTimestamp()
	allowMigrations := false
	temp := dreshard.CollectionEntry{
		Namespace:       next.TempNamespace,
		UUID:            next.ID,
		Epoch:           epoch,
		Timestamp:       ts,
		Key:             next.ReshardingKey,
		AllowMigrations: &allowMigrations,
		ReshardingFields: &dreshard.ReshardingFields{
			OperationID: next.ID,
			State:       next.State,
			RecipientFields: &dreshard.RecipientFields{
				SourceNamespace:                next.Namespace,
				SourceUUID:                     next.ExistingUUID,
				DonorShardIDs:                  donors,
				RecipientShardIDs:              recipients,
				MinimumOperationDurationMillis: next.MinimumOperationDurationMillis,
			},
		},
	}
	if err := tx.Insert(dreshard.CollectionsCollection, temp); err != nil {
		return nil, errors.WithMessage(err, "inserting temporary collection entry")
	}

	for _, c := range routing.BuildChunks(next.TempNamespace, epoch, ts, layout) {
		if err := tx.Insert(dreshard.ChunksCollection, c); err != nil {
			return nil, errors.WithMessage(err, "inserting initial chunk")
		}
	}
	for _, z := range routing.BuildZones(next.TempNamespace, zones) {
		if err := tx.Insert(dreshard.TagsCollection, z); err != nil {
			return nil, errors.WithMessage(err, "inserting zone")
		}
	}

	err = updateReshardingFields(tx, next.Namespace, next.ID, func(f *dreshard.ReshardingFields) {
		f.State = next.State
		if f.DonorFields == nil {
			f.DonorFields = &dreshard.DonorFields{TempNamespace: next.TempNamespace, ReshardingKey: next.ReshardingKey}
		}
		f.DonorFields.DonorShardIDs = donors
		f.DonorFields.RecipientShardIDs = recipients
	})
	if err != nil {
		return nil, err
	}

	if err := routing.BumpShardVersions(tx, next.Namespace, donors); err != nil {
		return nil, err
	}
	return next, nil
}

// writeCloneTimestamp publishes the clone timestamp and size estimates to the recipients
// and moves the operation to Cloning
func writeCloneTimestamp(tx *catalog.Txn, cur *dreshard.CoordinatorDocument, cloneTs primitive.Timestamp, approxBytes, approxDocs int64) (*dreshard.CoordinatorDocument, error) {
	next := cur.Clone()
	next.State = dreshard.CoordinatorCloning
	next.CloneTimestamp = &cloneTs
	next.ApproxBytesToCopy = &approxBytes
	next.ApproxDocumentsToCopy = &approxDocs

	if err := replaceCoordinatorDoc(tx, next); err != nil {
		return nil, err
	}

	err := updateReshardingFields(tx, next.TempNamespace, next.ID, func(f *dreshard.ReshardingFields) {
		f.State = next.State
		if f.RecipientFields != nil {
			f.RecipientFields.CloneTimestamp = next.CloneTimestamp
			f.RecipientFields.ApproxBytesToCopy = next.ApproxBytesToCopy
			f.RecipientFields.ApproxDocumentsToCopy = next.ApproxDocumentsToCopy
		}
	})
	if err != nil {
		return nil, err
	}
	err = updateReshardingFields(tx, next.Namespace, next.ID, func(f *dreshard.ReshardingFields) {
		f.State = next.State
	})
	if err != nil {
		return nil, err
	}

	if err := routing.BumpShardVersions(tx, next.TempNamespace, next.RecipientShardIDs()); err != nil {
		return nil, err
	}
	return next, nil
}

// writeSimpleTransition moves the operation and both catalog entries to state and bumps
// the shard versions of the participants that get notified about it
func writeSimpleTransition(tx *catalog.Txn, cur *dreshard.CoordinatorDocument, state dreshard.CoordinatorState, bumpNs dreshard.Namespace, bumpShards []string) (*dreshard.CoordinatorDocument, error) {
	next := cur.Clone()
	next.State = state
	if err := replaceCoordinatorDoc(tx, next); err != nil {
		return nil, err
	}

	err := setFieldsState(tx, next, func(f *dreshard.ReshardingFields) {
		f.State = state
	})
	if err != nil {
		return nil, err
	}

	if err := routing.BumpShardVersions(tx, bumpNs, bumpShards); err != nil {
		return nil, err
	}
	return next, nil
}

// writeCommit swaps the temporary collection in for the source collection. After this
// transaction the collection is sharded by the new key under a new epoch.
func writeCommit(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
	src, found, err := loadCollectionEntry(tx, cur.Namespace)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Errorf("source collection entry %s is gone", cur.Namespace)
	}

	epoch := primitive.NewObjectID()
	ts := nextCatalogTimestamp()

	next := cur.Clone()
	next.State = dreshard.CoordinatorCommitting
	if err := replaceCoordinatorDoc(tx, next); err != nil {
		return nil, err
	}

	if _, err := tx.DeleteOne(dreshard.CollectionsCollection, byID(next.TempNamespace)); err != nil {
		return nil, err
	}

	src.UUID = next.ID
	src.Key = next.ReshardingKey
	src.Epoch = epoch
	src.Timestamp = ts
	if src.ReshardingFields == nil {
		src.ReshardingFields = &dreshard.ReshardingFields{OperationID: next.ID}
	}
	src.ReshardingFields.State = dreshard.CoordinatorCommitting
	if _, err := tx.Replace(dreshard.CollectionsCollection, byID(src.Namespace), src); err != nil {
		return nil, errors.WithMessage(err, "rewriting source collection entry")
	}

	if _, err := tx.DeleteMany(dreshard.ChunksCollection, bson.M{"ns": next.Namespace}); err != nil {
		return nil, err
	}
	tempChunks, err := routing.LoadChunks(tx, next.TempNamespace)
	if err != nil {
		return nil, err
	}
	for _, c := range tempChunks {
		c.Namespace = next.Namespace
		c.Version.Epoch = epoch
		c.Version.Timestamp = ts
		if _, err := tx.Replace(dreshard.ChunksCollection, byID(c.ID), c); err != nil {
			return nil, errors.WithMessage(err, "re-keying chunk")
		}
	}

	if _, err := tx.DeleteMany(dreshard.TagsCollection, bson.M{"ns": next.Namespace}); err != nil {
		return nil, err
	}
	rawZones, err := tx.Find(dreshard.TagsCollection, bson.M{"ns": next.TempNamespace})
	if err != nil {
		return nil, err
	}
	tempZones, err := catalog.DecodeAll[dreshard.ZoneEntry](rawZones)
	if err != nil {
		return nil, err
	}
	for _, z := range tempZones {
		if _, err := tx.DeleteOne(dreshard.TagsCollection, byID(z.ID)); err != nil {
			return nil, err
		}
		z.Namespace = next.Namespace
		z.ID = dreshard.ZoneEntryID(next.Namespace, z.Min)
		if err := tx.Insert(dreshard.TagsCollection, z); err != nil {
			return nil, errors.WithMessage(err, "re-keying zone")
		}
	}

	return next, nil
}

// writeAborting persists the abort decision, both catalog entries carry the reason so
// participants learn about it on their next refresh
func writeAborting(tx *catalog.Txn, cur *dreshard.CoordinatorDocument, reason *dreshard.AbortReason) (*dreshard.CoordinatorDocument, error) {
	next := cur.Clone()
	next.State = dreshard.CoordinatorAborting
	next.AbortReason = reason
	if err := replaceCoordinatorDoc(tx, next); err != nil {
		return nil, err
	}

	err := setFieldsState(tx, next, func(f *dreshard.ReshardingFields) {
		f.State = dreshard.CoordinatorAborting
		f.AbortReason = reason
	})
	if err != nil {
		return nil, err
	}

	if err := routing.BumpShardVersions(tx, next.Namespace, next.DonorShardIDs()); err != nil {
		return nil, err
	}
	if err := routing.BumpShardVersions(tx, next.TempNamespace, next.RecipientShardIDs()); err != nil {
		return nil, err
	}
	return next, nil
}

// writeFinished removes every trace of the operation from the catalog. For an aborted
// operation this includes the temporary collection.
func writeFinished(tx *catalog.Txn, doc *dreshard.CoordinatorDocument) error {
	if _, err := tx.DeleteOne(dreshard.CoordinatorsCollection, byID(doc.ID)); err != nil {
		return err
	}

	if doc.TempNamespace != "" {
		if err := removeTemporaryCollection(tx, doc.TempNamespace); err != nil {
			return err
		}
	}

	return clearSourceReshardingFields(tx, doc.Namespace, doc.ID)
}
