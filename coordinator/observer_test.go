package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func observedDoc(donor dreshard.DonorShardMutableState, recipient dreshard.RecipientShardMutableState) *dreshard.CoordinatorDocument {
	return &dreshard.CoordinatorDocument{
		ID:              "op",
		State:           dreshard.CoordinatorPreparingToDonate,
		DonorShards:     []dreshard.DonorShardEntry{{ID: "shard0", MutableState: donor}},
		RecipientShards: []dreshard.RecipientShardEntry{{ID: "shard1", MutableState: recipient}},
	}
}

func TestObserverFulfillsOnLaterSnapshot(t *testing.T) {
	o := NewObserver()
	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{}, dreshard.RecipientShardMutableState{}))

	f := o.AwaitAllDonorsReadyToDonate()
	assert.False(t, f.IsReady())

	// the state alone is not enough, the timestamp has to be reported with it
	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{State: dreshard.DonorDonatingInitialData}, dreshard.RecipientShardMutableState{}))
	assert.False(t, f.IsReady())

	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{
		State:             dreshard.DonorDonatingInitialData,
		MinFetchTimestamp: &primitive.Timestamp{T: 7},
	}, dreshard.RecipientShardMutableState{}))

	doc, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), doc.DonorShards[0].MutableState.MinFetchTimestamp.T)
	assert.Same(t, f, o.AwaitAllDonorsReadyToDonate(), "futures are cached per condition")
}

func TestObserverEvaluatesLatestSnapshotOnCreation(t *testing.T) {
	o := NewObserver()
	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{}, dreshard.RecipientShardMutableState{State: dreshard.RecipientSteadyState}))

	assert.True(t, o.AwaitAllRecipientsFinishedCloning().IsReady())
	assert.True(t, o.AwaitAllRecipientsFinishedApplying().IsReady())
	assert.False(t, o.AwaitAllRecipientsInStrictConsistency().IsReady())
}

func TestObserverAbortReasonFailsForwardFuturesOnly(t *testing.T) {
	o := NewObserver()
	cloning := o.AwaitAllRecipientsFinishedCloning()
	done := o.AwaitAllRecipientsDone()

	reason := dreshard.ReasonFromError(dreshard.ErrStashNotEmpty)
	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{}, dreshard.RecipientShardMutableState{
		State:       dreshard.RecipientError,
		AbortReason: reason,
	}))

	_, err := cloning.Wait(context.Background())
	assert.True(t, dreshard.IsCode(err, dreshard.CodeStashCollectionsNotEmpty))
	assert.False(t, done.IsReady())

	ack := o.AwaitAllParticipantsDoneAborting()
	assert.False(t, ack.IsReady(), "donor has not reported yet")

	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{State: dreshard.DonorDone}, dreshard.RecipientShardMutableState{
		State:       dreshard.RecipientError,
		AbortReason: reason,
	}))
	_, err = ack.Wait(context.Background())
	assert.NoError(t, err)
}

func TestObserverInterrupt(t *testing.T) {
	o := NewObserver()
	pending := o.AwaitAllRecipientsInStrictConsistency()

	o.Interrupt(dreshard.ErrCriticalSectionTimeout)

	_, err := pending.Wait(context.Background())
	assert.Equal(t, dreshard.ErrCriticalSectionTimeout, err)

	_, err = o.AwaitAllDonorsReadyToDonate().Wait(context.Background())
	assert.Equal(t, dreshard.ErrCriticalSectionTimeout, err, "forward futures created after the interrupt fail too")

	ack := o.AwaitAllParticipantsDoneAborting()
	assert.False(t, ack.IsReady())
	o.OnUpdate(observedDoc(dreshard.DonorShardMutableState{State: dreshard.DonorDone}, dreshard.RecipientShardMutableState{State: dreshard.RecipientDone}))
	_, err = ack.Wait(context.Background())
	assert.NoError(t, err)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	o := NewObserver()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := o.AwaitAllDonorsDone().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
