package participant

import (
	"context"
	"sync"

	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Donor is the state machine of a node that owns chunks of the collection being resharded
type Donor struct {
	deps
	view *fieldsView
	log  *logrus.Entry

	stepdownCtx    context.Context
	stepdownCancel context.CancelFunc
	abortCtx       context.Context
	abortCancel    context.CancelFunc

	done chan struct{}

	// below fields are protected by the following mutex
	mu      sync.Mutex
	doc     dreshard.DonorDocument
	aborted bool
}

func newDonor(doc dreshard.DonorDocument, d deps) *Donor {
	stepdownCtx, stepdownCancel := context.WithCancel(context.Background())
	abortCtx, abortCancel := context.WithCancel(stepdownCtx)

	donor := &Donor{
		deps: d,
		log: logrus.WithFields(logrus.Fields{
			"reshardingUUID": doc.ID,
			"namespace":      doc.Namespace,
			"shard":          d.ShardID,
			"role":           dreshard.RoleDonor,
		}),
		stepdownCtx:    stepdownCtx,
		stepdownCancel: stepdownCancel,
		abortCtx:       abortCtx,
		abortCancel:    abortCancel,
		done:           make(chan struct{}),
		doc:            doc,
	}
	donor.view = newFieldsView(abortCancel)
	return donor
}

func (d *Donor) ID() dreshard.OperationID {
	return d.doc.ID
}

func (d *Donor) Start() {
	go d.run()
}

func (d *Donor) Done() <-chan struct{} {
	return d.done
}

func (d *Donor) StepDown() {
	d.stepdownCancel()
}

func (d *Donor) State() dreshard.DonorState {
	return d.currentDoc().State
}

// OnFields feeds the latest resharding fields of the operation
func (d *Donor) OnFields(f *dreshard.ReshardingFields) {
	d.view.update(f)
}

func (d *Donor) currentDoc() dreshard.DonorDocument {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc
}

func (d *Donor) setDoc(doc dreshard.DonorDocument) {
	d.mu.Lock()
	prev := d.doc.State
	d.doc = doc
	d.mu.Unlock()

	if prev != doc.State {
		d.log.WithFields(logrus.Fields{"from": prev, "state": doc.State}).Info("donor state changed")
	}
}

func (d *Donor) run() {
	defer close(d.done)

	// the coordinator may have missed the last report before a crash or stepdown
	if err := d.report(d.stepdownCtx); err != nil && d.stepdownCtx.Err() == nil {
		d.log.WithError(err).Warn("failed re-reporting donor state")
	}

	for {
		doc := d.currentDoc()
		if doc.State == dreshard.DonorDone || d.stepdownCtx.Err() != nil {
			return
		}

		err := d.step(doc)
		if err == nil || d.stepdownCtx.Err() != nil {
			continue
		}
		d.handleError(doc, err)
	}
}

func (d *Donor) handleError(doc dreshard.DonorDocument, err error) {
	switch {
	case errors.Is(err, errCoordinatorAborting) || d.abortCtx.Err() != nil:
		d.mu.Lock()
		d.aborted = true
		d.mu.Unlock()

		d.log.Info("coordinator aborted the operation, cleaning up")
		if cerr := d.cleanupAndFinish(); cerr != nil {
			d.log.WithError(cerr).Warn("donor cleanup failed, retrying")
			sleepCtx(d.stepdownCtx, d.Config.RetryDelay)
		}

	case doc.State >= dreshard.DonorDropping:
		d.log.WithError(err).Warn("donor step failed, retrying")
		sleepCtx(d.stepdownCtx, d.Config.RetryDelay)

	default:
		d.log.WithError(err).Error("donor failed")
		terr := d.transition(d.stepdownCtx, func(doc *dreshard.DonorDocument) {
			doc.State = dreshard.DonorError
			doc.AbortReason = dreshard.ReasonFromError(err)
		})
		if terr != nil {
			d.log.WithError(terr).Warn("failed recording donor error")
			sleepCtx(d.stepdownCtx, d.Config.RetryDelay)
		}
	}
}

func (d *Donor) step(doc dreshard.DonorDocument) error {
	switch doc.State {
	case dreshard.DonorUnused, dreshard.DonorPreparingToDonate:
		return d.prepareToDonate(doc)
	case dreshard.DonorDonatingInitialData:
		return d.advanceWith(dreshard.CoordinatorApplying, dreshard.DonorDonatingOplogEntries)
	case dreshard.DonorDonatingOplogEntries:
		return d.advanceWith(dreshard.CoordinatorBlockingWrites, dreshard.DonorPreparingToMirror)
	case dreshard.DonorPreparingToMirror:
		return d.startMirroring(doc)
	case dreshard.DonorMirroring:
		// critical sections do not survive a restart
		if err := d.CriticalSections.Acquire(doc.Namespace, doc.ID); err != nil {
			return err
		}
		return d.advanceWith(dreshard.CoordinatorCommitting, dreshard.DonorDropping)
	case dreshard.DonorDropping:
		return d.dropSourceCollection(doc)
	case dreshard.DonorError:
		return d.cleanupAndFinish()
	}
	return errors.Errorf("no step for donor state %s", doc.State)
}

// transition persists the mutated document and reports it to the coordinator
func (d *Donor) transition(ctx context.Context, mutate func(doc *dreshard.DonorDocument)) error {
	next := d.currentDoc()
	mutate(&next)

	if err := replaceLocalDoc(ctx, d.Local, dreshard.DonorsCollection, next.ID, next); err != nil {
		return errors.WithMessage(err, "persisting donor document")
	}
	d.setDoc(next)
	return d.report(ctx)
}

func (d *Donor) report(ctx context.Context) error {
	doc := d.currentDoc()
	return dreshard.RetryTransient(ctx, "reporting donor state", func() error {
		_, err := d.Client.UpdateDonorEntry(ctx, doc.ID, doc.DonorEntry(d.ShardID), dreshard.DonorStatesBefore(doc.State))
		return err
	})
}

// prepareToDonate records the point in the change log the recipients have to read from
func (d *Donor) prepareToDonate(doc dreshard.DonorDocument) error {
	bytes, docs, err := d.Storage.EstimateSize(d.abortCtx, doc.Namespace)
	if err != nil {
		return errors.WithMessage(err, "estimating clone size")
	}

	ts, err := d.Storage.WriteNoopAndAwaitMajority(d.abortCtx, "resharding minFetchTimestamp for "+string(doc.ID))
	if err != nil {
		return errors.WithMessage(err, "writing minFetchTimestamp marker")
	}

	return d.transition(d.abortCtx, func(doc *dreshard.DonorDocument) {
		doc.State = dreshard.DonorDonatingInitialData
		doc.MinFetchTimestamp = &ts
		doc.BytesToClone = &bytes
		doc.DocumentsToClone = &docs
	})
}

func (d *Donor) advanceWith(coordinatorState dreshard.CoordinatorState, next dreshard.DonorState) error {
	if _, err := d.view.awaitState(d.abortCtx, coordinatorState); err != nil {
		return err
	}
	return d.transition(d.abortCtx, func(doc *dreshard.DonorDocument) {
		doc.State = next
	})
}

// startMirroring blocks writes to the source collection and tells every recipient where
// this donor's change log ends
func (d *Donor) startMirroring(doc dreshard.DonorDocument) error {
	if err := d.CriticalSections.Acquire(doc.Namespace, doc.ID); err != nil {
		return err
	}

	for _, r := range doc.RecipientShards {
		if err := d.Storage.WriteFinalOplogEntry(d.abortCtx, doc.Namespace, doc.ID, r); err != nil {
			return errors.WithMessagef(err, "writing final oplog entry for %s", r)
		}
	}

	return d.transition(d.abortCtx, func(doc *dreshard.DonorDocument) {
		doc.State = dreshard.DonorMirroring
	})
}

func (d *Donor) alsoRecipient(doc dreshard.DonorDocument) bool {
	return slices.Contains(doc.RecipientShards, d.ShardID)
}

// dropSourceCollection drops the pre-resharding incarnation of the collection, checking
// first that it is still that incarnation
func (d *Donor) dropSourceCollection(doc dreshard.DonorDocument) error {
	ctx := d.stepdownCtx

	uuid, found, err := d.Storage.CollectionUUID(ctx, doc.Namespace)
	if err != nil {
		return err
	}

	switch {
	case !found:
		d.log.Info("source collection already dropped")
	case uuid == doc.ExistingUUID:
		if err := d.Storage.DropCollection(ctx, doc.Namespace); err != nil {
			return errors.WithMessage(err, "dropping source collection")
		}
	case uuid == doc.ID:
		d.log.Info("source collection was already replaced by the resharded collection")
	default:
		err := dreshard.NewError(dreshard.CodeIllegalDropTarget, "refusing to drop %s with uuid %s, expected %s or %s", doc.Namespace, uuid, doc.ExistingUUID, doc.ID)
		d.log.WithError(err).Error("source collection changed identity, leaving it in place")
	}

	// a recipient on this node releases once its rename is done
	if !d.alsoRecipient(doc) {
		d.CriticalSections.Release(doc.Namespace, doc.ID)
	}
	return d.finish()
}

func (d *Donor) cleanupAndFinish() error {
	doc := d.currentDoc()
	d.CriticalSections.Release(doc.Namespace, doc.ID)
	return d.finish()
}

func (d *Donor) finish() error {
	doc := d.currentDoc()
	if err := finishLocal(d.stepdownCtx, d.Local, dreshard.DonorsCollection, doc.ID, doc.Namespace, dreshard.RoleDonor); err != nil {
		return err
	}

	d.mu.Lock()
	aborted := d.aborted
	d.mu.Unlock()

	doc.State = dreshard.DonorDone
	d.setDoc(doc)
	d.Metrics.OnCompletion(dreshard.RoleDonor, doc.ID, outcomeOf(doc.AbortReason, aborted))

	if err := d.report(d.stepdownCtx); err != nil {
		d.log.WithError(err).Warn("failed reporting donor done, the coordinator learns on its next notification")
	}
	return nil
}
