// Package coordinator drives resharding operations from the authority node. One
// Coordinator per operation walks the persisted coordinator document through its states,
// the Observer turns participant progress into futures and the CommitMonitor decides when
// blocking writes is cheap enough.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Options are the collaborators of a Coordinator
type Options struct {
	Store    *catalog.Store
	Notifier Notifier
	Lag      LagQuerier
	Metrics  dreshard.Metrics
	Fatal    FatalHandler
	Config   Config
}

func (o *Options) setDefaults() {
	if o.Notifier == nil {
		o.Notifier = NotifierFunc(func(context.Context, []string, dreshard.Namespace) {})
	}
	if o.Metrics == nil {
		o.Metrics = &dreshard.StatsMetrics{}
	}
	if o.Fatal == nil {
		o.Fatal = DefaultFatalHandler
	}
}

// Coordinator is the state machine of one resharding operation on the authority node
type Coordinator struct {
	id       dreshard.OperationID
	ns       dreshard.Namespace
	opts     Options
	observer *Observer
	log      *logrus.Entry

	stepdownCtx    context.Context
	stepdownCancel context.CancelFunc
	abortCtx       context.Context
	abortCancel    context.CancelFunc

	initialized     chan struct{}
	initializedOnce sync.Once
	initErr         error

	done   chan struct{}
	result error

	// below fields are protected by the following mutex
	mu          sync.Mutex
	doc         *dreshard.CoordinatorDocument
	abortReason error
	committing  bool
	csTimer     *time.Timer
	timerGen    int
}

// New returns a coordinator for doc, which is either a fresh document in state Unused or
// one loaded from the catalog
func New(doc dreshard.CoordinatorDocument, opts Options) *Coordinator {
	opts.setDefaults()

	stepdownCtx, stepdownCancel := context.WithCancel(context.Background())
	abortCtx, abortCancel := context.WithCancel(stepdownCtx)

	return &Coordinator{
		id:       doc.ID,
		ns:       doc.Namespace,
		opts:     opts,
		observer: NewObserver(),
		log: logrus.WithFields(logrus.Fields{
			"reshardingUUID": doc.ID,
			"namespace":      doc.Namespace,
		}),

		stepdownCtx:    stepdownCtx,
		stepdownCancel: stepdownCancel,
		abortCtx:       abortCtx,
		abortCancel:    abortCancel,

		initialized: make(chan struct{}),
		done:        make(chan struct{}),
		doc:         doc.Clone(),
	}
}

func (c *Coordinator) ID() dreshard.OperationID {
	return c.id
}

func (c *Coordinator) Namespace() dreshard.Namespace {
	return c.ns
}

// Start runs the state machine in the background
func (c *Coordinator) Start() {
	cancelSub := c.opts.Store.Subscribe(dreshard.CoordinatorsCollection, c.onCatalogChange)
	go c.run(cancelSub)
}

// Initialized is closed once the coordinator document of a new operation was inserted or
// the insert failed, see InitErr
func (c *Coordinator) Initialized() <-chan struct{} {
	return c.initialized
}

// InitErr is the error that kept the operation from starting, valid once Initialized is closed
func (c *Coordinator) InitErr() error {
	<-c.initialized
	return c.initErr
}

// Done is closed once the state machine stopped
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the state machine stopped. It returns nil if the operation committed,
// the abort reason if it was aborted and ErrInterrupted if this node stepped down.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort asks the operation to abort with reason. It returns false if the operation
// already decided to commit.
func (c *Coordinator) Abort(reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.committing {
		return false
	}
	switch c.doc.State {
	case dreshard.CoordinatorCommitting:
		return false
	case dreshard.CoordinatorDone:
		return c.doc.AbortReason != nil
	}

	if c.abortReason == nil {
		if reason == nil {
			reason = dreshard.ErrReshardingAborted
		}
		c.abortReason = reason
		c.log.WithError(reason).Info("abort requested")
	}
	c.abortCancel()
	return true
}

// StepDown stops the state machine without changing the persisted state, another
// coordinator picks it up on the next step up
func (c *Coordinator) StepDown() {
	c.stepdownCancel()
}

// State returns the state the coordinator is in
func (c *Coordinator) State() dreshard.CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.State
}

// Renotify sends the notifications of the current state again
func (c *Coordinator) Renotify(ctx context.Context) {
	c.notifyParticipants(ctx, c.currentDoc())
}

func (c *Coordinator) currentDoc() *dreshard.CoordinatorDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

func (c *Coordinator) setDoc(doc *dreshard.CoordinatorDocument) {
	c.mu.Lock()
	prev := c.doc.State
	c.doc = doc.Clone()
	c.mu.Unlock()

	if prev != doc.State {
		c.log.WithFields(logrus.Fields{"from": prev, "state": doc.State}).Info("coordinator state changed")
	}
}

func (c *Coordinator) markInitialized(err error) {
	c.initializedOnce.Do(func() {
		c.initErr = err
		close(c.initialized)
	})
}

func (c *Coordinator) onCatalogChange(ch catalog.Change) {
	if ch.Op == catalog.OpDelete || ch.Doc == nil {
		return
	}

	var doc dreshard.CoordinatorDocument
	if err := bson.Unmarshal(ch.Doc, &doc); err != nil {
		c.log.WithError(err).Error("failed decoding coordinator document change")
		return
	}
	if doc.ID != c.id {
		return
	}
	c.observer.OnUpdate(&doc)
}

func (c *Coordinator) run(cancelSub func()) {
	defer close(c.done)
	defer cancelSub()
	defer c.markInitialized(nil)
	defer c.disarmCriticalSectionTimer()

	if c.currentDoc().State != dreshard.CoordinatorUnused {
		c.markInitialized(nil)
		c.reloadDoc()
	}

	c.result = c.runSteps()

	switch {
	case c.result == nil:
		c.log.Info("resharding operation committed")
	case c.stepdownCtx.Err() != nil:
		c.log.Info("coordinator stopped due to stepdown")
	default:
		c.log.WithError(c.result).Info("resharding operation did not commit")
	}
}

// reloadDoc picks up participant progress persisted while no coordinator was running
func (c *Coordinator) reloadDoc() {
	var stored dreshard.CoordinatorDocument
	found, err := c.opts.Store.FindOne(c.stepdownCtx, dreshard.CoordinatorsCollection, byID(c.id), &stored)
	if err != nil {
		c.log.WithError(err).Warn("failed reloading coordinator document")
		return
	}
	if found {
		c.setDoc(&stored)
		c.observer.OnUpdate(&stored)
	}
}

func (c *Coordinator) runSteps() error {
	for {
		doc := c.currentDoc()
		if doc.State == dreshard.CoordinatorDone {
			return doc.AbortReason.Err()
		}
		if c.stepdownCtx.Err() != nil {
			return dreshard.ErrInterrupted
		}

		err := c.pendingAbort(doc.State)
		if err == nil {
			err = c.step(doc)
		}
		if err == nil {
			if doc.State == dreshard.CoordinatorUnused {
				c.markInitialized(nil)
			}
			continue
		}

		if c.stepdownCtx.Err() != nil {
			if doc.State == dreshard.CoordinatorUnused {
				c.markInitialized(dreshard.ErrInterrupted)
			}
			return dreshard.ErrInterrupted
		}

		if stop, result := c.handleStepError(doc, c.classify(err)); stop {
			return result
		}
	}
}

func (c *Coordinator) pendingAbort(state dreshard.CoordinatorState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.abortReason != nil && state.CanAbort() {
		return c.abortReason
	}
	return nil
}

// classify replaces cancellation caused by an abort request with the abort reason
func (c *Coordinator) classify(err error) error {
	c.mu.Lock()
	reason := c.abortReason
	c.mu.Unlock()

	if reason != nil && errors.Is(err, context.Canceled) {
		return reason
	}
	return err
}

func (c *Coordinator) handleStepError(doc *dreshard.CoordinatorDocument, err error) (stop bool, result error) {
	switch {
	case doc.State == dreshard.CoordinatorUnused:
		c.markInitialized(err)
		return true, err

	case doc.State == dreshard.CoordinatorInitializing:
		if cleanupErr := c.abortBeforeDonating(doc, err); cleanupErr != nil {
			c.log.WithError(cleanupErr).Error("failed cleaning up the aborted operation")
			return true, cleanupErr
		}
		return true, err

	case doc.State <= dreshard.CoordinatorBlockingWrites:
		c.disarmCriticalSectionTimer()
		if c.isCommitting() {
			c.log.WithError(err).Error("failed committing")
			c.opts.Fatal(err)
			return true, err
		}

		if werr := c.persistAborting(err); werr != nil {
			if c.stepdownCtx.Err() != nil {
				return true, dreshard.ErrInterrupted
			}
			c.log.WithError(werr).Error("failed persisting the abort decision")
			return true, werr
		}
		return false, nil

	case doc.State == dreshard.CoordinatorCommitting:
		c.log.WithError(err).Error("failed finishing a committed operation")
		c.opts.Fatal(err)
		return true, err
	}

	c.log.WithError(err).Error("failed finishing an aborted operation")
	return true, err
}

func (c *Coordinator) isCommitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committing
}

func (c *Coordinator) step(doc *dreshard.CoordinatorDocument) error {
	switch doc.State {
	case dreshard.CoordinatorUnused:
		return c.insertStateDocument(doc)
	case dreshard.CoordinatorInitializing:
		return c.computeInitialLayout()
	case dreshard.CoordinatorPreparingToDonate:
		return c.startCloning(doc)
	case dreshard.CoordinatorCloning:
		return c.startApplying(doc)
	case dreshard.CoordinatorApplying:
		return c.blockWrites(doc)
	case dreshard.CoordinatorBlockingWrites:
		return c.commit(doc)
	case dreshard.CoordinatorCommitting:
		return c.finishCommitted(doc)
	case dreshard.CoordinatorAborting:
		return c.finishAborted(doc)
	}
	return errors.Errorf("no step for state %s", doc.State)
}

// transition runs write against the persisted document inside a transaction, unless the
// document already left state from
func (c *Coordinator) transition(ctx context.Context, from dreshard.CoordinatorState, write func(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error)) error {
	var next *dreshard.CoordinatorDocument
	err := dreshard.RetryTransient(ctx, "coordinator transition", func() error {
		return c.opts.Store.WithTransaction(ctx, func(tx *catalog.Txn) error {
			cur, err := loadCoordinatorDoc(tx, c.id)
			if err != nil {
				return err
			}
			if cur.State != from {
				next = cur
				return nil
			}
			next, err = write(tx, cur)
			return err
		})
	})
	if err != nil {
		return errors.WithMessagef(err, "transition from %s", from)
	}

	c.setDoc(next)
	c.observer.OnUpdate(next)
	return nil
}

func (c *Coordinator) insertStateDocument(doc *dreshard.CoordinatorDocument) error {
	var next *dreshard.CoordinatorDocument
	err := c.opts.Store.WithTransaction(c.abortCtx, func(tx *catalog.Txn) error {
		var err error
		next, err = writeStateDocument(tx, doc)
		return err
	})
	if err != nil {
		return err
	}

	c.setDoc(next)
	c.observer.OnUpdate(next)
	c.opts.Metrics.OnStart(dreshard.RoleCoordinator, c.id)
	return nil
}

func (c *Coordinator) computeInitialLayout() error {
	return c.transition(c.abortCtx, dreshard.CoordinatorInitializing, func(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
		return writeInitialLayout(tx, cur, c.opts.Config.DefaultNumInitialChunks)
	})
}

func (c *Coordinator) startCloning(doc *dreshard.CoordinatorDocument) error {
	c.notifyParticipants(c.stepdownCtx, doc)

	snap, err := c.observer.AwaitAllDonorsReadyToDonate().Wait(c.abortCtx)
	if err != nil {
		return err
	}

	cloneTs, _ := dreshard.HighestMinFetchTimestamp(snap.DonorShards)

	var bytes, docs int64
	for _, d := range snap.DonorShards {
		if d.MutableState.BytesToClone != nil {
			bytes += *d.MutableState.BytesToClone
		}
		if d.MutableState.DocumentsToClone != nil {
			docs += *d.MutableState.DocumentsToClone
		}
	}
	n := int64(len(snap.RecipientShards))
	if n == 0 {
		n = 1
	}

	return c.transition(c.abortCtx, dreshard.CoordinatorPreparingToDonate, func(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
		return writeCloneTimestamp(tx, cur, cloneTs, bytes/n, docs/n)
	})
}

func (c *Coordinator) startApplying(doc *dreshard.CoordinatorDocument) error {
	c.notifyParticipants(c.stepdownCtx, doc)

	if _, err := c.observer.AwaitAllRecipientsFinishedCloning().Wait(c.abortCtx); err != nil {
		return err
	}

	return c.transition(c.abortCtx, dreshard.CoordinatorCloning, func(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
		return writeSimpleTransition(tx, cur, dreshard.CoordinatorApplying, cur.Namespace, cur.DonorShardIDs())
	})
}

func (c *Coordinator) blockWrites(doc *dreshard.CoordinatorDocument) error {
	c.notifyParticipants(c.stepdownCtx, doc)

	if _, err := c.observer.AwaitAllRecipientsFinishedApplying().Wait(c.abortCtx); err != nil {
		return err
	}

	if c.opts.Lag != nil {
		monitor := NewCommitMonitor(c.id, doc.RecipientShardIDs(), c.opts.Lag, c.opts.Config.CommitMonitorInterval, c.opts.Config.RemainingOperationTimeThreshold)
		if err := monitor.Run(c.abortCtx); err != nil {
			return err
		}
	}

	return c.transition(c.abortCtx, dreshard.CoordinatorApplying, func(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
		return writeSimpleTransition(tx, cur, dreshard.CoordinatorBlockingWrites, cur.Namespace, cur.DonorShardIDs())
	})
}

func (c *Coordinator) commit(doc *dreshard.CoordinatorDocument) error {
	c.notifyParticipants(c.stepdownCtx, doc)

	c.armCriticalSectionTimer()
	_, err := c.observer.AwaitAllRecipientsInStrictConsistency().Wait(c.abortCtx)
	c.disarmCriticalSectionTimer()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.abortReason != nil {
		reason := c.abortReason
		c.mu.Unlock()
		return reason
	}
	c.committing = true
	c.mu.Unlock()

	return c.transition(c.stepdownCtx, dreshard.CoordinatorBlockingWrites, writeCommit)
}

func (c *Coordinator) finishCommitted(doc *dreshard.CoordinatorDocument) error {
	c.notifyParticipants(c.stepdownCtx, doc)

	if _, err := c.observer.AwaitAllDonorsDone().Wait(c.stepdownCtx); err != nil {
		return err
	}
	if _, err := c.observer.AwaitAllRecipientsDone().Wait(c.stepdownCtx); err != nil {
		return err
	}

	if err := c.removeFromCatalog(doc); err != nil {
		return err
	}

	finished := doc.Clone()
	finished.State = dreshard.CoordinatorDone
	c.setDoc(finished)
	c.opts.Metrics.OnCompletion(dreshard.RoleCoordinator, c.id, dreshard.OutcomeSucceeded)
	return nil
}

func (c *Coordinator) finishAborted(doc *dreshard.CoordinatorDocument) error {
	c.notifyParticipants(c.stepdownCtx, doc)

	if _, err := c.observer.AwaitAllParticipantsDoneAborting().Wait(c.stepdownCtx); err != nil {
		return err
	}

	if err := c.removeFromCatalog(doc); err != nil {
		return err
	}

	finished := doc.Clone()
	finished.State = dreshard.CoordinatorDone
	if finished.AbortReason == nil {
		finished.AbortReason = dreshard.ReasonFromError(dreshard.ErrReshardingAborted)
	}
	c.setDoc(finished)
	c.opts.Metrics.OnCompletion(dreshard.RoleCoordinator, c.id, dreshard.OutcomeAborted)
	return nil
}

func (c *Coordinator) removeFromCatalog(doc *dreshard.CoordinatorDocument) error {
	return dreshard.RetryTransient(c.stepdownCtx, "removing resharding metadata", func() error {
		return c.opts.Store.WithTransaction(c.stepdownCtx, func(tx *catalog.Txn) error {
			return writeFinished(tx, doc)
		})
	})
}

// abortBeforeDonating undoes an operation no participant knows about yet
func (c *Coordinator) abortBeforeDonating(doc *dreshard.CoordinatorDocument, reason error) error {
	if err := c.removeFromCatalog(doc); err != nil {
		return err
	}

	finished := doc.Clone()
	finished.State = dreshard.CoordinatorDone
	finished.AbortReason = dreshard.ReasonFromError(reason)
	c.setDoc(finished)
	c.opts.Metrics.OnCompletion(dreshard.RoleCoordinator, c.id, dreshard.OutcomeAborted)
	return nil
}

func (c *Coordinator) persistAborting(reason error) error {
	c.log.WithError(reason).Warn("aborting resharding operation")

	persisted := dreshard.ReasonFromError(reason)
	return c.transition(c.stepdownCtx, c.currentDoc().State, func(tx *catalog.Txn, cur *dreshard.CoordinatorDocument) (*dreshard.CoordinatorDocument, error) {
		return writeAborting(tx, cur, persisted)
	})
}

func (c *Coordinator) armCriticalSectionTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.csTimer != nil {
		return
	}

	c.timerGen++
	gen := c.timerGen
	c.csTimer = time.AfterFunc(c.opts.Config.CriticalSectionTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.timerGen != gen || c.csTimer == nil {
			return
		}
		c.log.Warn("recipients did not reach strict consistency in time")
		c.observer.Interrupt(dreshard.ErrCriticalSectionTimeout)
	})
}

func (c *Coordinator) disarmCriticalSectionTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.csTimer != nil {
		c.csTimer.Stop()
		c.csTimer = nil
		c.timerGen++
	}
}

// notifyParticipants tells the participants that have work to do in the state of doc to
// refresh. Donors always learn from the source collection. Recipients learn from the
// temporary collection until the commit removes it.
func (c *Coordinator) notifyParticipants(ctx context.Context, doc *dreshard.CoordinatorDocument) {
	n := c.opts.Notifier
	switch doc.State {
	case dreshard.CoordinatorPreparingToDonate, dreshard.CoordinatorAborting:
		n.Notify(ctx, doc.DonorShardIDs(), doc.Namespace)
		n.Notify(ctx, doc.RecipientShardIDs(), doc.TempNamespace)
	case dreshard.CoordinatorCloning:
		n.Notify(ctx, doc.RecipientShardIDs(), doc.TempNamespace)
	case dreshard.CoordinatorApplying, dreshard.CoordinatorBlockingWrites:
		n.Notify(ctx, doc.DonorShardIDs(), doc.Namespace)
	case dreshard.CoordinatorCommitting:
		n.Notify(ctx, doc.ParticipantShardIDs(), doc.Namespace)
	}
}

// ParticipantProgress is the last reported state of one participant
type ParticipantProgress struct {
	ShardID     string                `json:"shard"`
	State       string                `json:"state"`
	AbortReason *dreshard.AbortReason `json:"abortReason,omitempty"`
}

// Progress is a report of where an operation is at
type Progress struct {
	OperationID   dreshard.OperationID `json:"uuid"`
	Namespace     dreshard.Namespace   `json:"ns"`
	TempNamespace dreshard.Namespace   `json:"tempNs,omitempty"`
	ReshardingKey dreshard.KeyPattern  `json:"reshardingKey"`
	State         string               `json:"state"`

	Donors     []ParticipantProgress `json:"donors"`
	Recipients []ParticipantProgress `json:"recipients"`

	CloneTimestamp        *primitive.Timestamp  `json:"cloneTimestamp,omitempty"`
	ApproxBytesToCopy     *int64                `json:"approxBytesToCopy,omitempty"`
	ApproxDocumentsToCopy *int64                `json:"approxDocumentsToCopy,omitempty"`
	AbortReason           *dreshard.AbortReason `json:"abortReason,omitempty"`

	StartTime     time.Time `json:"startTime"`
	ElapsedMillis int64     `json:"elapsedMillis"`
}

// Progress reports the current state of the operation and its participants
func (c *Coordinator) Progress() Progress {
	doc := c.currentDoc()
	participants := doc
	if latest := c.observer.Latest(); latest != nil && doc.State != dreshard.CoordinatorDone {
		participants = latest
	}

	p := Progress{
		OperationID:           doc.ID,
		Namespace:             doc.Namespace,
		TempNamespace:         doc.TempNamespace,
		ReshardingKey:         doc.ReshardingKey,
		State:                 doc.State.String(),
		CloneTimestamp:        doc.CloneTimestamp,
		ApproxBytesToCopy:     doc.ApproxBytesToCopy,
		ApproxDocumentsToCopy: doc.ApproxDocumentsToCopy,
		AbortReason:           doc.AbortReason,
		StartTime:             doc.StartTime,
	}
	if !doc.StartTime.IsZero() {
		p.ElapsedMillis = time.Since(doc.StartTime).Milliseconds()
	}

	for _, d := range participants.DonorShards {
		p.Donors = append(p.Donors, ParticipantProgress{
			ShardID:     d.ID,
			State:       d.MutableState.State.String(),
			AbortReason: d.MutableState.AbortReason,
		})
	}
	for _, r := range participants.RecipientShards {
		p.Recipients = append(p.Recipients, ParticipantProgress{
			ShardID:     r.ID,
			State:       r.MutableState.State.String(),
			AbortReason: r.MutableState.AbortReason,
		})
	}
	return p
}
