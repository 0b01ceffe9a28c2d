package participant

import (
	"context"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Recipient is the state machine of a node that owns chunks of the resharded collection.
// It builds the temporary collection and renames it over the source once committed.
type Recipient struct {
	deps
	view *fieldsView
	log  *logrus.Entry

	stepdownCtx    context.Context
	stepdownCancel context.CancelFunc
	abortCtx       context.Context
	abortCancel    context.CancelFunc

	done chan struct{}

	// below fields are protected by the following mutex
	mu          sync.Mutex
	doc         dreshard.RecipientDocument
	replication Replication
	aborted     bool
}

func newRecipient(doc dreshard.RecipientDocument, d deps) *Recipient {
	stepdownCtx, stepdownCancel := context.WithCancel(context.Background())
	abortCtx, abortCancel := context.WithCancel(stepdownCtx)

	r := &Recipient{
		deps: d,
		log: logrus.WithFields(logrus.Fields{
			"reshardingUUID": doc.ID,
			"namespace":      doc.Namespace,
			"shard":          d.ShardID,
			"role":           dreshard.RoleRecipient,
		}),
		stepdownCtx:    stepdownCtx,
		stepdownCancel: stepdownCancel,
		abortCtx:       abortCtx,
		abortCancel:    abortCancel,
		done:           make(chan struct{}),
		doc:            doc,
	}
	r.view = newFieldsView(abortCancel)
	return r
}

func (r *Recipient) ID() dreshard.OperationID {
	return r.doc.ID
}

func (r *Recipient) Start() {
	go r.run()
}

func (r *Recipient) Done() <-chan struct{} {
	return r.done
}

func (r *Recipient) StepDown() {
	r.stepdownCancel()
}

func (r *Recipient) State() dreshard.RecipientState {
	return r.currentDoc().State
}

func (r *Recipient) OnFields(f *dreshard.ReshardingFields) {
	r.view.update(f)
}

// RemainingTime estimates how long the recipient needs to catch up with the donors
func (r *Recipient) RemainingTime() (time.Duration, error) {
	r.mu.Lock()
	repl := r.replication
	state := r.doc.State
	r.mu.Unlock()

	if repl != nil {
		return repl.RemainingTime()
	}
	if state.Reached(dreshard.RecipientStrictConsistency) {
		return 0, nil
	}
	return 0, dreshard.NewError(dreshard.CodeInternalError, "recipient is not replicating, state %s", state)
}

func (r *Recipient) currentDoc() dreshard.RecipientDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

func (r *Recipient) setDoc(doc dreshard.RecipientDocument) {
	r.mu.Lock()
	prev := r.doc.State
	r.doc = doc
	r.mu.Unlock()

	if prev != doc.State {
		r.log.WithFields(logrus.Fields{"from": prev, "state": doc.State}).Info("recipient state changed")
	}
}

func (r *Recipient) run() {
	defer close(r.done)
	defer r.stopReplication()

	if err := r.report(r.stepdownCtx); err != nil && r.stepdownCtx.Err() == nil {
		r.log.WithError(err).Warn("failed re-reporting recipient state")
	}

	for {
		doc := r.currentDoc()
		if doc.State == dreshard.RecipientDone || r.stepdownCtx.Err() != nil {
			return
		}

		err := r.step(doc)
		if err == nil || r.stepdownCtx.Err() != nil {
			continue
		}
		r.handleError(doc, err)
	}
}

func (r *Recipient) handleError(doc dreshard.RecipientDocument, err error) {
	switch {
	case errors.Is(err, errCoordinatorAborting) || r.abortCtx.Err() != nil:
		r.mu.Lock()
		r.aborted = true
		r.mu.Unlock()

		r.log.Info("coordinator aborted the operation, cleaning up")
		if cerr := r.cleanupAndFinish(); cerr != nil {
			r.log.WithError(cerr).Warn("recipient cleanup failed, retrying")
			sleepCtx(r.stepdownCtx, r.Config.RetryDelay)
		}

	case doc.State >= dreshard.RecipientRenaming:
		r.log.WithError(err).Warn("recipient step failed, retrying")
		sleepCtx(r.stepdownCtx, r.Config.RetryDelay)

	default:
		r.log.WithError(err).Error("recipient failed")
		terr := r.transition(r.stepdownCtx, func(doc *dreshard.RecipientDocument) {
			doc.State = dreshard.RecipientError
			doc.AbortReason = dreshard.ReasonFromError(err)
		})
		if terr != nil {
			r.log.WithError(terr).Warn("failed recording recipient error")
			sleepCtx(r.stepdownCtx, r.Config.RetryDelay)
		}
	}
}

func (r *Recipient) step(doc dreshard.RecipientDocument) error {
	switch doc.State {
	case dreshard.RecipientUnused, dreshard.RecipientAwaitingFetchTimestamp:
		return r.awaitCloneTimestamp()
	case dreshard.RecipientCreatingCollection:
		return r.createTemporaryCollection(doc)
	case dreshard.RecipientCloning:
		return r.clone(doc)
	case dreshard.RecipientApplying:
		return r.apply()
	case dreshard.RecipientSteadyState:
		return r.reachStrictConsistency(doc)
	case dreshard.RecipientStrictConsistency:
		if !r.alsoDonor(doc) {
			if err := r.CriticalSections.Acquire(doc.Namespace, doc.ID); err != nil {
				return err
			}
		}
		if _, err := r.view.awaitState(r.abortCtx, dreshard.CoordinatorCommitting); err != nil {
			return err
		}
		return r.transition(r.abortCtx, func(doc *dreshard.RecipientDocument) {
			doc.State = dreshard.RecipientRenaming
		})
	case dreshard.RecipientRenaming:
		return r.renameOverSource(doc)
	case dreshard.RecipientError:
		return r.cleanupAndFinish()
	}
	return errors.Errorf("no step for recipient state %s", doc.State)
}

func (r *Recipient) transition(ctx context.Context, mutate func(doc *dreshard.RecipientDocument)) error {
	next := r.currentDoc()
	mutate(&next)

	if err := replaceLocalDoc(ctx, r.Local, dreshard.RecipientsCollection, next.ID, next); err != nil {
		return errors.WithMessage(err, "persisting recipient document")
	}
	r.setDoc(next)
	return r.report(ctx)
}

func (r *Recipient) report(ctx context.Context) error {
	doc := r.currentDoc()
	return dreshard.RetryTransient(ctx, "reporting recipient state", func() error {
		_, err := r.Client.UpdateRecipientEntry(ctx, doc.ID, doc.RecipientEntry(r.ShardID), dreshard.RecipientStatesBefore(doc.State))
		return err
	})
}

func (r *Recipient) awaitCloneTimestamp() error {
	f, err := r.view.await(r.abortCtx, func(f *dreshard.ReshardingFields) bool {
		return f.RecipientFields != nil && f.RecipientFields.CloneTimestamp != nil
	})
	if err != nil {
		return err
	}

	rf := f.RecipientFields
	return r.transition(r.abortCtx, func(doc *dreshard.RecipientDocument) {
		doc.State = dreshard.RecipientCreatingCollection
		doc.CloneTimestamp = rf.CloneTimestamp
		doc.ApproxBytesToCopy = rf.ApproxBytesToCopy
		doc.ApproxDocumentsToCopy = rf.ApproxDocumentsToCopy
		if len(rf.DonorShardIDs) > 0 {
			doc.DonorShards = rf.DonorShardIDs
		}
	})
}

func (r *Recipient) createTemporaryCollection(doc dreshard.RecipientDocument) error {
	if err := r.Storage.CreateTemporaryCollection(r.abortCtx, doc.TempNamespace, doc.ID, doc.ReshardingKey); err != nil {
		return errors.WithMessage(err, "creating temporary collection")
	}

	now := time.Now()
	return r.transition(r.abortCtx, func(doc *dreshard.RecipientDocument) {
		doc.State = dreshard.RecipientCloning
		doc.StartConfigCloneTime = &now
	})
}

// ensureReplication starts the copy from the donors unless it is already running
func (r *Recipient) ensureReplication() (Replication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replication != nil {
		return r.replication, nil
	}

	doc := r.doc
	if doc.CloneTimestamp == nil {
		return nil, errors.New("no clone timestamp recorded")
	}

	repl, err := r.Replicator.Start(r.abortCtx, ReplicationParams{
		OperationID:     doc.ID,
		ShardID:         r.ShardID,
		SourceNamespace: doc.Namespace,
		SourceUUID:      doc.ExistingUUID,
		TempNamespace:   doc.TempNamespace,
		ReshardingKey:   doc.ReshardingKey,
		DonorShardIDs:   doc.DonorShards,
		CloneTimestamp:  *doc.CloneTimestamp,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "starting replication")
	}

	r.replication = repl
	return repl, nil
}

func (r *Recipient) stopReplication() {
	r.mu.Lock()
	repl := r.replication
	r.replication = nil
	r.mu.Unlock()

	if repl != nil {
		repl.Shutdown()
	}
}

func (r *Recipient) clone(doc dreshard.RecipientDocument) error {
	repl, err := r.ensureReplication()
	if err != nil {
		return err
	}
	if err := repl.AwaitCloneDone(r.abortCtx); err != nil {
		return errors.WithMessage(err, "cloning")
	}

	if doc.StartConfigCloneTime != nil {
		applyAt := doc.StartConfigCloneTime.Add(doc.MinimumOperationDuration())
		if !sleepCtx(r.abortCtx, time.Until(applyAt)) {
			return r.abortCtx.Err()
		}
	}

	progress := repl.Progress()
	r.Metrics.OnDocumentsCopied(progress.DocumentsCopied)
	r.Metrics.OnBytesCopied(progress.BytesCopied)

	return r.transition(r.abortCtx, func(doc *dreshard.RecipientDocument) {
		doc.State = dreshard.RecipientApplying
	})
}

func (r *Recipient) apply() error {
	repl, err := r.ensureReplication()
	if err != nil {
		return err
	}
	if err := repl.AwaitSteadyState(r.abortCtx); err != nil {
		return errors.WithMessage(err, "applying change log")
	}

	return r.transition(r.abortCtx, func(doc *dreshard.RecipientDocument) {
		doc.State = dreshard.RecipientSteadyState
	})
}

func (r *Recipient) alsoDonor(doc dreshard.RecipientDocument) bool {
	return slices.Contains(doc.DonorShards, r.ShardID)
}

// reachStrictConsistency waits until the final entry of every donor has been applied.
// Donors write those only once they block writes.
func (r *Recipient) reachStrictConsistency(doc dreshard.RecipientDocument) error {
	repl, err := r.ensureReplication()
	if err != nil {
		return err
	}

	if err := repl.AwaitStrictConsistency(r.abortCtx); err != nil {
		return errors.WithMessage(err, "awaiting strict consistency")
	}

	empty, err := r.Storage.StashCollectionsEmpty(r.abortCtx, doc.ExistingUUID, doc.DonorShards)
	if err != nil {
		return err
	}
	if !empty {
		return dreshard.ErrStashNotEmpty
	}

	// a donor on this node already blocks writes
	if !r.alsoDonor(doc) {
		if err := r.CriticalSections.Acquire(doc.Namespace, doc.ID); err != nil {
			return err
		}
	}

	r.Metrics.OnOplogEntriesApplied(repl.Progress().OplogEntriesApplied)
	return r.transition(r.abortCtx, func(doc *dreshard.RecipientDocument) {
		doc.State = dreshard.RecipientStrictConsistency
	})
}

// renameOverSource replaces the source collection with the temporary collection
func (r *Recipient) renameOverSource(doc dreshard.RecipientDocument) error {
	ctx := r.stepdownCtx
	r.stopReplication()

	if err := r.CriticalSections.PromoteToBlockReads(doc.Namespace, doc.ID); err != nil {
		return err
	}

	_, tempFound, err := r.Storage.CollectionUUID(ctx, doc.TempNamespace)
	if err != nil {
		return err
	}
	if tempFound {
		if err := r.Storage.RenameCollection(ctx, doc.TempNamespace, doc.Namespace, true); err != nil {
			return errors.WithMessage(err, "renaming temporary collection")
		}
	} else {
		uuid, found, err := r.Storage.CollectionUUID(ctx, doc.Namespace)
		if err != nil {
			return err
		}
		if !found || uuid != doc.ID {
			return errors.Errorf("temporary collection %s is missing and %s was not renamed", doc.TempNamespace, doc.Namespace)
		}
	}

	if err := r.Storage.DropReshardingArtifacts(ctx, doc.ExistingUUID, doc.DonorShards); err != nil {
		return err
	}

	r.CriticalSections.Release(doc.Namespace, doc.ID)
	return r.finish()
}

// cleanupAndFinish undoes the local work of an operation that will not commit
func (r *Recipient) cleanupAndFinish() error {
	ctx := r.stepdownCtx
	doc := r.currentDoc()
	r.stopReplication()

	// after the commit the temporary collection is the collection
	if r.view.state() != dreshard.CoordinatorCommitting {
		uuid, found, err := r.Storage.CollectionUUID(ctx, doc.TempNamespace)
		if err != nil {
			return err
		}
		if found && uuid == doc.ID {
			if err := r.Storage.DropCollection(ctx, doc.TempNamespace); err != nil {
				return errors.WithMessage(err, "dropping temporary collection")
			}
		}
		if err := r.Storage.DropReshardingArtifacts(ctx, doc.ExistingUUID, doc.DonorShards); err != nil {
			return err
		}
	}

	r.CriticalSections.Release(doc.Namespace, doc.ID)
	return r.finish()
}

func (r *Recipient) finish() error {
	doc := r.currentDoc()
	if err := finishLocal(r.stepdownCtx, r.Local, dreshard.RecipientsCollection, doc.ID, doc.Namespace, dreshard.RoleRecipient); err != nil {
		return err
	}

	r.mu.Lock()
	aborted := r.aborted
	r.mu.Unlock()

	doc.State = dreshard.RecipientDone
	r.setDoc(doc)
	r.Metrics.OnCompletion(dreshard.RoleRecipient, doc.ID, outcomeOf(doc.AbortReason, aborted))

	if err := r.report(r.stepdownCtx); err != nil {
		r.log.WithError(err).Warn("failed reporting recipient done, the coordinator learns on its next notification")
	}
	return nil
}
