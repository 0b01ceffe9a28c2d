package participant

import (
	"context"
	"sync"

	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
)

var errCoordinatorAborting = errors.New("coordinator is aborting the operation")

// fieldsView is a participant's knowledge of the coordinator's decisions. It is fed the
// resharding fields of the source and temporary entries as they are fetched and never
// moves backwards.
type fieldsView struct {
	onAbort func()

	mu      sync.Mutex
	fields  *dreshard.ReshardingFields
	changed chan struct{}
}

func newFieldsView(onAbort func()) *fieldsView {
	return &fieldsView{
		onAbort: onAbort,
		changed: make(chan struct{}),
	}
}

// update merges f into the view. Fields older than what the view already has are ignored.
func (v *fieldsView) update(f *dreshard.ReshardingFields) bool {
	if f == nil {
		return false
	}

	v.mu.Lock()
	if v.fields != nil && f.State < v.fields.State {
		v.mu.Unlock()
		return false
	}

	merged := *f
	if v.fields != nil {
		if merged.DonorFields == nil {
			merged.DonorFields = v.fields.DonorFields
		}
		if merged.RecipientFields == nil {
			merged.RecipientFields = v.fields.RecipientFields
		}
		if merged.AbortReason == nil {
			merged.AbortReason = v.fields.AbortReason
		}
	}
	v.fields = &merged
	close(v.changed)
	v.changed = make(chan struct{})
	aborting := merged.State == dreshard.CoordinatorAborting
	v.mu.Unlock()

	if aborting && v.onAbort != nil {
		v.onAbort()
	}
	return true
}

func (v *fieldsView) current() (*dreshard.ReshardingFields, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fields, v.changed
}

// state returns the last coordinator state seen, Unused if none was
func (v *fieldsView) state() dreshard.CoordinatorState {
	f, _ := v.current()
	if f == nil {
		return dreshard.CoordinatorUnused
	}
	return f.State
}

// await blocks until pred holds for the latest fields. It fails with
// errCoordinatorAborting as soon as the coordinator is seen aborting.
func (v *fieldsView) await(ctx context.Context, pred func(*dreshard.ReshardingFields) bool) (*dreshard.ReshardingFields, error) {
	for {
		f, changed := v.current()
		if f != nil {
			if f.State == dreshard.CoordinatorAborting {
				return f, errCoordinatorAborting
			}
			if pred(f) {
				return f, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// awaitState blocks until the coordinator reached state
func (v *fieldsView) awaitState(ctx context.Context, state dreshard.CoordinatorState) (*dreshard.ReshardingFields, error) {
	return v.await(ctx, func(f *dreshard.ReshardingFields) bool {
		return f.State >= state
	})
}
