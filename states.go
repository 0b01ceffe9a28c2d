package dreshard

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// CoordinatorState is the phase of the operation as a whole. The values are ordered, a
// coordinator only ever moves forward through them. Aborting can only be entered from
// a state between PreparingToDonate and BlockingWrites and only leads to Done.
type CoordinatorState int

const (
	CoordinatorUnused CoordinatorState = iota
	CoordinatorInitializing
	CoordinatorPreparingToDonate
	CoordinatorCloning
	CoordinatorApplying
	CoordinatorBlockingWrites
	CoordinatorCommitting
	CoordinatorAborting
	CoordinatorDone
)

var coordinatorStateNames = []string{
	"unused",
	"initializing",
	"preparing-to-donate",
	"cloning",
	"applying",
	"blocking-writes",
	"committing",
	"aborting",
	"done",
}

func (s CoordinatorState) String() string {
	return stateName(coordinatorStateNames, int(s))
}

func (s CoordinatorState) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return marshalStateName(coordinatorStateNames, int(s))
}

func (s *CoordinatorState) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	v, err := unmarshalStateName(coordinatorStateNames, t, data)
	*s = CoordinatorState(v)
	return err
}

// CanAbort reports whether a user abort can still be honoured in this state
func (s CoordinatorState) CanAbort() bool {
	return s < CoordinatorCommitting
}

// ParseCoordinatorState is the inverse of String
func ParseCoordinatorState(name string) (CoordinatorState, error) {
	v, err := parseStateName(coordinatorStateNames, name)
	return CoordinatorState(v), err
}

// DonorState is the local phase of one donor shard
type DonorState int

const (
	DonorUnused DonorState = iota
	DonorPreparingToDonate
	DonorDonatingInitialData
	DonorDonatingOplogEntries
	DonorPreparingToMirror
	DonorMirroring
	DonorDropping
	DonorDone
	DonorError
)

var donorStateNames = []string{
	"unused",
	"preparing-to-donate",
	"donating-initial-data",
	"donating-oplog-entries",
	"preparing-to-mirror",
	"mirroring",
	"dropping",
	"done",
	"error",
}

func (s DonorState) String() string {
	return stateName(donorStateNames, int(s))
}

func (s DonorState) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return marshalStateName(donorStateNames, int(s))
}

func (s *DonorState) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	v, err := unmarshalStateName(donorStateNames, t, data)
	*s = DonorState(v)
	return err
}

// Reached reports whether s is at or past target on the success path. Error never
// counts as having reached anything.
func (s DonorState) Reached(target DonorState) bool {
	return s != DonorError && s >= target
}

// Terminal is true for the states a donor reports once it has stopped working on the operation
func (s DonorState) Terminal() bool {
	return s == DonorDone || s == DonorError
}

// DonorStatesBefore lists the states a donor sub-entry may be in for a transition to s
// to be accepted. Error can be entered from any non terminal state.
func DonorStatesBefore(s DonorState) []DonorState {
	var out []DonorState
	switch s {
	case DonorError:
		for st := DonorUnused; st < DonorDone; st++ {
			out = append(out, st)
		}
	case DonorDone:
		for st := DonorUnused; st < DonorDone; st++ {
			out = append(out, st)
		}
		out = append(out, DonorError)
	default:
		for st := DonorUnused; st < s; st++ {
			out = append(out, st)
		}
	}
	return out
}

// RecipientState is the local phase of one recipient shard
type RecipientState int

const (
	RecipientUnused RecipientState = iota
	RecipientAwaitingFetchTimestamp
	RecipientCreatingCollection
	RecipientCloning
	RecipientApplying
	RecipientSteadyState
	RecipientStrictConsistency
	RecipientRenaming
	RecipientDone
	RecipientError
)

var recipientStateNames = []string{
	"unused",
	"awaiting-fetch-timestamp",
	"creating-collection",
	"cloning",
	"applying",
	"steady-state",
	"strict-consistency",
	"renaming",
	"done",
	"error",
}

func (s RecipientState) String() string {
	return stateName(recipientStateNames, int(s))
}

func (s RecipientState) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return marshalStateName(recipientStateNames, int(s))
}

func (s *RecipientState) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	v, err := unmarshalStateName(recipientStateNames, t, data)
	*s = RecipientState(v)
	return err
}

func (s RecipientState) Reached(target RecipientState) bool {
	return s != RecipientError && s >= target
}

func (s RecipientState) Terminal() bool {
	return s == RecipientDone || s == RecipientError
}

// RecipientStatesBefore is the recipient counterpart of DonorStatesBefore
func RecipientStatesBefore(s RecipientState) []RecipientState {
	var out []RecipientState
	switch s {
	case RecipientError:
		for st := RecipientUnused; st < RecipientDone; st++ {
			out = append(out, st)
		}
	case RecipientDone:
		for st := RecipientUnused; st < RecipientDone; st++ {
			out = append(out, st)
		}
		out = append(out, RecipientError)
	default:
		for st := RecipientUnused; st < s; st++ {
			out = append(out, st)
		}
	}
	return out
}

func stateName(names []string, v int) string {
	if v < 0 || v >= len(names) {
		return "invalid"
	}
	return names[v]
}

func parseStateName(names []string, name string) (int, error) {
	for i, n := range names {
		if n == name {
			return i, nil
		}
	}
	return 0, errors.Errorf("unknown state %q", name)
}

func marshalStateName(names []string, v int) (bsontype.Type, []byte, error) {
	if v < 0 || v >= len(names) {
		return 0, nil, errors.Errorf("invalid state value %d", v)
	}
	return bson.MarshalValue(names[v])
}

func unmarshalStateName(names []string, t bsontype.Type, data []byte) (int, error) {
	if t != bsontype.String {
		return 0, errors.Errorf("state must be a string, got %s", t)
	}

	name, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return 0, errors.New("malformed state value")
	}
	return parseStateName(names, name)
}
