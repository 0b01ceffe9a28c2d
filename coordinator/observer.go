package coordinator

import (
	"context"
	"sync"

	"github.com/jonas747/dreshard"
)

// Future is fulfilled at most once, either with the coordinator document snapshot that
// satisfied its condition or with an error
type Future struct {
	once sync.Once
	done chan struct{}
	doc  *dreshard.CoordinatorDocument
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(doc *dreshard.CoordinatorDocument, err error) {
	f.once.Do(func() {
		f.doc = doc
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is fulfilled
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future is fulfilled or ctx is done
func (f *Future) Wait(ctx context.Context) (*dreshard.CoordinatorDocument, error) {
	select {
	case <-f.done:
		return f.doc, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type condition int

const (
	condAllDonorsReadyToDonate condition = iota
	condAllRecipientsFinishedCloning
	condAllRecipientsFinishedApplying
	condAllRecipientsInStrictConsistency
	condAllDonorsDone
	condAllRecipientsDone
	condAllParticipantsDoneAborting
)

// forward conditions lie on the path to the commit decision, they fail as soon as any
// participant reports an abort reason and after the observer was interrupted
func (c condition) forward() bool {
	return c <= condAllRecipientsInStrictConsistency
}

func (c condition) satisfied(doc *dreshard.CoordinatorDocument) bool {
	switch c {
	case condAllDonorsReadyToDonate:
		return allDonors(doc, func(d dreshard.DonorShardMutableState) bool {
			return d.State.Reached(dreshard.DonorDonatingInitialData) && d.MinFetchTimestamp != nil
		})
	case condAllRecipientsFinishedCloning:
		return allRecipientsReached(doc, dreshard.RecipientApplying)
	case condAllRecipientsFinishedApplying:
		return allRecipientsReached(doc, dreshard.RecipientSteadyState)
	case condAllRecipientsInStrictConsistency:
		return allRecipientsReached(doc, dreshard.RecipientStrictConsistency)
	case condAllDonorsDone:
		return allDonors(doc, func(d dreshard.DonorShardMutableState) bool {
			return d.State == dreshard.DonorDone
		})
	case condAllRecipientsDone:
		return allRecipients(doc, func(r dreshard.RecipientShardMutableState) bool {
			return r.State == dreshard.RecipientDone
		})
	case condAllParticipantsDoneAborting:
		return allDonors(doc, func(d dreshard.DonorShardMutableState) bool {
			return d.State.Terminal()
		}) && allRecipients(doc, func(r dreshard.RecipientShardMutableState) bool {
			return r.State.Terminal()
		})
	}
	return false
}

func allDonors(doc *dreshard.CoordinatorDocument, pred func(dreshard.DonorShardMutableState) bool) bool {
	for _, d := range doc.DonorShards {
		if !pred(d.MutableState) {
			return false
		}
	}
	return true
}

func allRecipients(doc *dreshard.CoordinatorDocument, pred func(dreshard.RecipientShardMutableState) bool) bool {
	for _, r := range doc.RecipientShards {
		if !pred(r.MutableState) {
			return false
		}
	}
	return true
}

func allRecipientsReached(doc *dreshard.CoordinatorDocument, target dreshard.RecipientState) bool {
	return allRecipients(doc, func(r dreshard.RecipientShardMutableState) bool {
		return r.State.Reached(target)
	})
}

// Observer turns coordinator document snapshots into futures over aggregate participant
// conditions. Each condition has a single future, created on first use and evaluated
// against the latest snapshot right away and on every later snapshot.
type Observer struct {
	mu          sync.Mutex
	latest      *dreshard.CoordinatorDocument
	interrupted error
	futures     map[condition]*Future
}

func NewObserver() *Observer {
	return &Observer{futures: make(map[condition]*Future)}
}

// OnUpdate feeds a new snapshot of the coordinator document
func (o *Observer) OnUpdate(doc *dreshard.CoordinatorDocument) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.latest = doc.Clone()
	for cond, f := range o.futures {
		o.evaluateLocked(cond, f)
	}
}

// Interrupt fails every pending future with err. Forward conditions requested
// afterwards fail with err as well.
func (o *Observer) Interrupt(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.interrupted == nil {
		o.interrupted = err
	}
	for _, f := range o.futures {
		f.resolve(nil, err)
	}
}

// Latest returns the last snapshot seen, or nil
func (o *Observer) Latest() *dreshard.CoordinatorDocument {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.latest == nil {
		return nil
	}
	return o.latest.Clone()
}

// AwaitAllDonorsReadyToDonate is fulfilled once every donor reported its minFetchTimestamp
func (o *Observer) AwaitAllDonorsReadyToDonate() *Future {
	return o.await(condAllDonorsReadyToDonate)
}

// AwaitAllRecipientsFinishedCloning is fulfilled once every recipient reached Applying
func (o *Observer) AwaitAllRecipientsFinishedCloning() *Future {
	return o.await(condAllRecipientsFinishedCloning)
}

// AwaitAllRecipientsFinishedApplying is fulfilled once every recipient reached SteadyState
func (o *Observer) AwaitAllRecipientsFinishedApplying() *Future {
	return o.await(condAllRecipientsFinishedApplying)
}

// AwaitAllRecipientsInStrictConsistency is fulfilled once every recipient reached StrictConsistency
func (o *Observer) AwaitAllRecipientsInStrictConsistency() *Future {
	return o.await(condAllRecipientsInStrictConsistency)
}

func (o *Observer) AwaitAllDonorsDone() *Future {
	return o.await(condAllDonorsDone)
}

func (o *Observer) AwaitAllRecipientsDone() *Future {
	return o.await(condAllRecipientsDone)
}

// AwaitAllParticipantsDoneAborting is fulfilled once every participant reported Done or Error
func (o *Observer) AwaitAllParticipantsDoneAborting() *Future {
	return o.await(condAllParticipantsDoneAborting)
}

func (o *Observer) await(cond condition) *Future {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.futures[cond]; ok {
		return f
	}

	f := newFuture()
	o.futures[cond] = f
	o.evaluateLocked(cond, f)
	return f
}

func (o *Observer) evaluateLocked(cond condition, f *Future) {
	if f.IsReady() {
		return
	}

	if cond.forward() {
		if o.interrupted != nil {
			f.resolve(nil, o.interrupted)
			return
		}
		if o.latest != nil {
			if reason := o.latest.ParticipantAbortReason(); reason != nil {
				f.resolve(nil, reason.Err())
				return
			}
		}
	}

	if o.latest != nil && cond.satisfied(o.latest) {
		f.resolve(o.latest.Clone(), nil)
	}
}
