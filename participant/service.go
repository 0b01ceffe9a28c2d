package participant

import (
	"context"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/slices"
)

// Service is the registry of donor and recipient instances on one data node. Catalog
// notifications are routed to the instances of the operation they belong to, creating
// instances the first time a node learns it takes part in an operation.
type Service struct {
	ShardID          string
	Local            *catalog.Store
	Client           ConfigClient
	Storage          Storage
	Replicator       Replicator
	CriticalSections *dreshard.CriticalSections
	Metrics          dreshard.Metrics
	Config           Config

	log *logrus.Entry

	// below fields are protected by the following mutex
	mu         sync.Mutex
	primary    bool
	donors     map[dreshard.OperationID]*Donor
	recipients map[dreshard.OperationID]*Recipient
}

func NewService(shardID string, local *catalog.Store, client ConfigClient, storage Storage, replicator Replicator) *Service {
	return &Service{
		ShardID:          shardID,
		Local:            local,
		Client:           client,
		Storage:          storage,
		Replicator:       replicator,
		CriticalSections: dreshard.NewCriticalSections(),
		Metrics:          &dreshard.StatsMetrics{},
		Config:           DefaultConfig(),
		log:              logrus.WithField("shard", shardID),
		donors:           make(map[dreshard.OperationID]*Donor),
		recipients:       make(map[dreshard.OperationID]*Recipient),
	}
}

func (s *Service) deps() deps {
	return deps{
		ShardID:          s.ShardID,
		Config:           s.Config,
		Local:            s.Local,
		Client:           s.Client,
		Storage:          s.Storage,
		Replicator:       s.Replicator,
		CriticalSections: s.CriticalSections,
		Metrics:          s.Metrics,
	}
}

// StepUp resumes every instance persisted on this node
func (s *Service) StepUp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary {
		return nil
	}

	rawDonors, err := s.Local.Find(ctx, dreshard.DonorsCollection, nil)
	if err != nil {
		return errors.WithMessage(err, "loading donor documents")
	}
	donors, err := catalog.DecodeAll[dreshard.DonorDocument](rawDonors)
	if err != nil {
		return errors.WithMessage(err, "decoding donor documents")
	}

	rawRecipients, err := s.Local.Find(ctx, dreshard.RecipientsCollection, nil)
	if err != nil {
		return errors.WithMessage(err, "loading recipient documents")
	}
	recipients, err := catalog.DecodeAll[dreshard.RecipientDocument](rawRecipients)
	if err != nil {
		return errors.WithMessage(err, "decoding recipient documents")
	}

	for _, doc := range donors {
		if err := dreshard.CheckSchemaVersion(doc.SchemaVersion); err != nil {
			return errors.WithMessagef(err, "donor %s", doc.ID)
		}
	}
	for _, doc := range recipients {
		if err := dreshard.CheckSchemaVersion(doc.SchemaVersion); err != nil {
			return errors.WithMessagef(err, "recipient %s", doc.ID)
		}
	}

	s.primary = true
	s.Metrics.OnStepUp(dreshard.RoleDonor)
	s.Metrics.OnStepUp(dreshard.RoleRecipient)

	for _, doc := range donors {
		s.log.WithFields(logrus.Fields{"reshardingUUID": doc.ID, "state": doc.State}).Info("resuming donor")
		s.startDonorLocked(doc)
	}
	for _, doc := range recipients {
		s.log.WithFields(logrus.Fields{"reshardingUUID": doc.ID, "state": doc.State}).Info("resuming recipient")
		s.startRecipientLocked(doc)
	}
	return nil
}

// StepDown stops every instance and waits for them to exit
func (s *Service) StepDown() {
	s.mu.Lock()
	if !s.primary {
		s.mu.Unlock()
		return
	}
	s.primary = false

	var waitFor []<-chan struct{}
	for _, d := range s.donors {
		d.StepDown()
		waitFor = append(waitFor, d.Done())
	}
	for _, r := range s.recipients {
		r.StepDown()
		waitFor = append(waitFor, r.Done())
	}
	s.donors = make(map[dreshard.OperationID]*Donor)
	s.recipients = make(map[dreshard.OperationID]*Recipient)
	s.mu.Unlock()

	for _, done := range waitFor {
		<-done
	}
	s.Metrics.OnStepDown(dreshard.RoleDonor)
	s.Metrics.OnStepDown(dreshard.RoleRecipient)
}

func (s *Service) startDonorLocked(doc dreshard.DonorDocument) *Donor {
	d := newDonor(doc, s.deps())
	s.donors[doc.ID] = d
	d.Start()

	go func() {
		<-d.Done()
		s.mu.Lock()
		if s.donors[doc.ID] == d {
			delete(s.donors, doc.ID)
		}
		s.mu.Unlock()
	}()
	return d
}

func (s *Service) startRecipientLocked(doc dreshard.RecipientDocument) *Recipient {
	r := newRecipient(doc, s.deps())
	s.recipients[doc.ID] = r
	r.Start()

	go func() {
		<-r.Done()
		s.mu.Lock()
		if s.recipients[doc.ID] == r {
			delete(s.recipients, doc.ID)
		}
		s.mu.Unlock()
	}()
	return r
}

// OnCatalogFieldsChanged handles the freshly fetched catalog entry of ns, nil if the entry
// no longer exists
func (s *Service) OnCatalogFieldsChanged(ctx context.Context, ns dreshard.Namespace, entry *dreshard.CollectionEntry) error {
	s.mu.Lock()
	reports, err := s.onCatalogFieldsChangedLocked(ctx, ns, entry)
	s.mu.Unlock()

	// the reports are rpcs to the coordinator, they are sent without holding mu
	for _, report := range reports {
		report(ctx)
	}
	return err
}

// doneReport tells the coordinator this node has nothing left to do for an operation
type doneReport func(ctx context.Context)

func (s *Service) onCatalogFieldsChangedLocked(ctx context.Context, ns dreshard.Namespace, entry *dreshard.CollectionEntry) ([]doneReport, error) {
	if !s.primary {
		return nil, nil
	}

	if entry == nil || entry.ReshardingFields == nil {
		return nil, s.purgeTombstonesLocked(ctx, ns, "")
	}

	fields := entry.ReshardingFields
	opID := fields.OperationID

	sourceNs := ns
	if fields.RecipientFields != nil {
		sourceNs = fields.RecipientFields.SourceNamespace
	}
	if err := s.purgeTombstonesLocked(ctx, sourceNs, opID); err != nil {
		return nil, err
	}

	var reports []doneReport
	report, err := s.handleDonorLocked(ctx, entry)
	if report != nil {
		reports = append(reports, report)
	}
	if err != nil {
		return reports, err
	}

	report, err = s.handleRecipientLocked(ctx, entry, sourceNs)
	if report != nil {
		reports = append(reports, report)
	}
	return reports, err
}

func (s *Service) handleDonorLocked(ctx context.Context, entry *dreshard.CollectionEntry) (doneReport, error) {
	fields := entry.ReshardingFields
	if d, ok := s.donors[fields.OperationID]; ok {
		d.OnFields(fields)
		return nil, nil
	}

	if fields.DonorFields == nil || !slices.Contains(fields.DonorFields.DonorShardIDs, s.ShardID) {
		return nil, nil
	}

	finished, err := s.hasTombstone(ctx, fields.OperationID, dreshard.RoleDonor)
	if err != nil {
		return nil, err
	}

	if !finished && fields.State >= dreshard.CoordinatorPreparingToDonate && fields.State < dreshard.CoordinatorCommitting {
		doc := dreshard.DonorDocument{
			ID:              fields.OperationID,
			SchemaVersion:   dreshard.SchemaVersion,
			Namespace:       entry.Namespace,
			ExistingUUID:    entry.UUID,
			TempNamespace:   fields.DonorFields.TempNamespace,
			ReshardingKey:   fields.DonorFields.ReshardingKey,
			RecipientShards: fields.DonorFields.RecipientShardIDs,
			State:           dreshard.DonorPreparingToDonate,
		}
		doc, err := insertOrLoad(ctx, s.Local, dreshard.DonorsCollection, doc)
		if err != nil {
			return nil, errors.WithMessage(err, "creating donor document")
		}

		s.Metrics.OnStart(dreshard.RoleDonor, doc.ID)
		d := s.startDonorLocked(doc)
		d.OnFields(fields)
		return nil, nil
	}

	if fields.State == dreshard.CoordinatorAborting || (finished && fields.State >= dreshard.CoordinatorPreparingToDonate) {
		if !finished {
			if err := s.markFinished(ctx, fields.OperationID, entry.Namespace, dreshard.RoleDonor); err != nil {
				return nil, errors.WithMessage(err, "marking donor finished")
			}
		}
		opID := fields.OperationID
		return func(ctx context.Context) { s.reportDonorDone(ctx, opID) }, nil
	}
	return nil, nil
}

func (s *Service) handleRecipientLocked(ctx context.Context, entry *dreshard.CollectionEntry, sourceNs dreshard.Namespace) (doneReport, error) {
	fields := entry.ReshardingFields
	if r, ok := s.recipients[fields.OperationID]; ok {
		r.OnFields(fields)
		return nil, nil
	}

	var listed bool
	switch {
	case fields.RecipientFields != nil:
		listed = slices.Contains(fields.RecipientFields.RecipientShardIDs, s.ShardID)
	case fields.DonorFields != nil:
		// past the commit only the source entry is left
		listed = slices.Contains(fields.DonorFields.RecipientShardIDs, s.ShardID)
	}
	if !listed {
		return nil, nil
	}

	finished, err := s.hasTombstone(ctx, fields.OperationID, dreshard.RoleRecipient)
	if err != nil {
		return nil, err
	}

	if fields.RecipientFields != nil && !finished && fields.State >= dreshard.CoordinatorPreparingToDonate && fields.State < dreshard.CoordinatorCommitting {
		rf := fields.RecipientFields
		doc := dreshard.RecipientDocument{
			ID:                             fields.OperationID,
			SchemaVersion:                  dreshard.SchemaVersion,
			Namespace:                      rf.SourceNamespace,
			ExistingUUID:                   rf.SourceUUID,
			TempNamespace:                  entry.Namespace,
			ReshardingKey:                  entry.Key,
			DonorShards:                    rf.DonorShardIDs,
			State:                          dreshard.RecipientAwaitingFetchTimestamp,
			MinimumOperationDurationMillis: rf.MinimumOperationDurationMillis,
		}
		doc, err := insertOrLoad(ctx, s.Local, dreshard.RecipientsCollection, doc)
		if err != nil {
			return nil, errors.WithMessage(err, "creating recipient document")
		}

		s.Metrics.OnStart(dreshard.RoleRecipient, doc.ID)
		r := s.startRecipientLocked(doc)
		r.OnFields(fields)
		return nil, nil
	}

	if fields.State == dreshard.CoordinatorAborting || (finished && fields.State >= dreshard.CoordinatorPreparingToDonate) {
		if !finished {
			if err := s.markFinished(ctx, fields.OperationID, sourceNs, dreshard.RoleRecipient); err != nil {
				return nil, errors.WithMessage(err, "marking recipient finished")
			}
		}
		opID := fields.OperationID
		return func(ctx context.Context) { s.reportRecipientDone(ctx, opID) }, nil
	}
	return nil, nil
}

// insertOrLoad inserts doc unless a document with its id already exists, in which case
// the existing document is returned
func insertOrLoad[T any](ctx context.Context, local *catalog.Store, coll string, doc T) (T, error) {
	err := local.WithTransaction(ctx, func(tx *catalog.Txn) error {
		return tx.Insert(coll, doc)
	})
	if err == nil {
		return doc, nil
	}
	if !catalog.IsDuplicateKey(err) {
		return doc, err
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return doc, err
	}
	var ids struct {
		ID dreshard.OperationID `bson:"_id"`
	}
	if err := bson.Unmarshal(raw, &ids); err != nil {
		return doc, err
	}

	var existing T
	found, err := local.FindOne(ctx, coll, byID(ids.ID), &existing)
	if err != nil {
		return doc, err
	}
	if !found {
		return doc, errors.Errorf("state document %s vanished from %s", ids.ID, coll)
	}
	return existing, nil
}

// markFinished leaves a tombstone for an operation this node reports done without having
// run an instance for it, entries of the operation that arrive later must not start one
func (s *Service) markFinished(ctx context.Context, opID dreshard.OperationID, ns dreshard.Namespace, role string) error {
	return s.Local.WithTransaction(ctx, func(tx *catalog.Txn) error {
		return putTombstone(tx, opID, ns, role)
	})
}

func (s *Service) hasTombstone(ctx context.Context, opID dreshard.OperationID, role string) (bool, error) {
	var t dreshard.ParticipantTombstone
	return s.Local.FindOne(ctx, dreshard.ParticipantTombstonesCollection, byID(dreshard.TombstoneID(opID, role)), &t)
}

// purgeTombstonesLocked removes the tombstones of ns that belong to operations other
// than keep. Once a namespace shows another operation, or none, the old ones are over.
func (s *Service) purgeTombstonesLocked(ctx context.Context, ns dreshard.Namespace, keep dreshard.OperationID) error {
	return s.Local.WithTransaction(ctx, func(tx *catalog.Txn) error {
		raws, err := tx.Find(dreshard.ParticipantTombstonesCollection, bson.M{"ns": ns})
		if err != nil {
			return err
		}
		tombstones, err := catalog.DecodeAll[dreshard.ParticipantTombstone](raws)
		if err != nil {
			return err
		}

		for _, t := range tombstones {
			if t.OperationID == keep {
				continue
			}
			if _, err := tx.DeleteOne(dreshard.ParticipantTombstonesCollection, byID(t.ID)); err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{"namespace": ns, "reshardingUUID": t.OperationID}).Debug("purged participant tombstone")
		}
		return nil
	})
}

// reportDonorDone tells the coordinator this node has nothing left to do as a donor of opID
func (s *Service) reportDonorDone(ctx context.Context, opID dreshard.OperationID) {
	entry := dreshard.DonorShardEntry{
		ID:           s.ShardID,
		MutableState: dreshard.DonorShardMutableState{State: dreshard.DonorDone},
	}
	applied, err := s.Client.UpdateDonorEntry(ctx, opID, entry, dreshard.DonorStatesBefore(dreshard.DonorDone))
	if err != nil {
		s.log.WithError(err).WithField("reshardingUUID", opID).Warn("failed reporting finished donor")
		return
	}
	if applied {
		s.log.WithField("reshardingUUID", opID).Info("reported donor done without a running instance")
	}
}

func (s *Service) reportRecipientDone(ctx context.Context, opID dreshard.OperationID) {
	entry := dreshard.RecipientShardEntry{
		ID:           s.ShardID,
		MutableState: dreshard.RecipientShardMutableState{State: dreshard.RecipientDone},
	}
	applied, err := s.Client.UpdateRecipientEntry(ctx, opID, entry, dreshard.RecipientStatesBefore(dreshard.RecipientDone))
	if err != nil {
		s.log.WithError(err).WithField("reshardingUUID", opID).Warn("failed reporting finished recipient")
		return
	}
	if applied {
		s.log.WithField("reshardingUUID", opID).Info("reported recipient done without a running instance")
	}
}

// SessionEstablished is called once the connection to the authority node is (re)established.
// Every running instance re-reports its state, reports sent while disconnected may have
// been lost.
func (s *Service) SessionEstablished(ctx context.Context) {
	s.mu.Lock()
	donors := make([]*Donor, 0, len(s.donors))
	for _, d := range s.donors {
		donors = append(donors, d)
	}
	recipients := make([]*Recipient, 0, len(s.recipients))
	for _, r := range s.recipients {
		recipients = append(recipients, r)
	}
	s.mu.Unlock()

	for _, d := range donors {
		if err := d.report(ctx); err != nil {
			d.log.WithError(err).Warn("failed re-reporting donor state")
		}
	}
	for _, r := range recipients {
		if err := r.report(ctx); err != nil {
			r.log.WithError(err).Warn("failed re-reporting recipient state")
		}
	}
}

// RemainingOperationTime answers the commit monitor's query for the recipient of opID
func (s *Service) RemainingOperationTime(opID dreshard.OperationID) (time.Duration, error) {
	s.mu.Lock()
	r, ok := s.recipients[opID]
	s.mu.Unlock()

	if !ok {
		return 0, dreshard.NewError(dreshard.CodeNamespaceNotFound, "no recipient for operation %s on %s", opID, s.ShardID)
	}
	return r.RemainingTime()
}

// Donor returns the running donor of opID
func (s *Service) Donor(opID dreshard.OperationID) *Donor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.donors[opID]
}

// Recipient returns the running recipient of opID
func (s *Service) Recipient(opID dreshard.OperationID) *Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recipients[opID]
}
