package participant

import (
	"context"
	"testing"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsViewNeverMovesBackwards(t *testing.T) {
	v := newFieldsView(nil)
	assert.Equal(t, dreshard.CoordinatorUnused, v.state())

	assert.True(t, v.update(tempEntry(dreshard.CoordinatorCloning, nil).ReshardingFields))
	assert.False(t, v.update(sourceEntry(dreshard.CoordinatorPreparingToDonate, sourceUUID).ReshardingFields))
	assert.Equal(t, dreshard.CoordinatorCloning, v.state())

	// fields missing from a later update are kept
	assert.True(t, v.update(sourceEntry(dreshard.CoordinatorCommitting, opID).ReshardingFields))
	f, _ := v.current()
	require.NotNil(t, f.RecipientFields)
	require.NotNil(t, f.DonorFields)
	assert.Equal(t, testNs, f.RecipientFields.SourceNamespace)

	assert.False(t, v.update(nil))
}

func TestFieldsViewAwaitWakesOnUpdate(t *testing.T) {
	v := newFieldsView(nil)

	result := make(chan dreshard.CoordinatorState, 1)
	go func() {
		f, err := v.awaitState(context.Background(), dreshard.CoordinatorApplying)
		if err == nil {
			result <- f.State
		}
	}()

	v.update(tempEntry(dreshard.CoordinatorCloning, nil).ReshardingFields)
	v.update(sourceEntry(dreshard.CoordinatorBlockingWrites, sourceUUID).ReshardingFields)

	select {
	case s := <-result:
		assert.Equal(t, dreshard.CoordinatorBlockingWrites, s)
	case <-time.After(time.Second):
		t.Fatal("await did not return")
	}
}

func TestFieldsViewAbort(t *testing.T) {
	aborted := make(chan struct{})
	v := newFieldsView(func() { close(aborted) })

	errs := make(chan error, 1)
	go func() {
		_, err := v.awaitState(context.Background(), dreshard.CoordinatorCommitting)
		errs <- err
	}()

	v.update(sourceEntry(dreshard.CoordinatorAborting, sourceUUID).ReshardingFields)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errCoordinatorAborting)
	case <-time.After(time.Second):
		t.Fatal("await did not return")
	}
	select {
	case <-aborted:
	default:
		t.Fatal("abort callback not called")
	}
}

func TestFieldsViewAwaitHonorsContext(t *testing.T) {
	v := newFieldsView(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := v.awaitState(ctx, dreshard.CoordinatorCommitting)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
