package dreshard

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// The event IDs are hardcoded to preserve compatibility between versions
type EventType uint32

const (
	// sent from nodes when they connect to establish a session
	EvtIdentify EventType = 1
	// sent by the orchestrator in response to identify to complete the session establishment
	EvtIdentified EventType = 2

	// sent by the orchestrator to ask a node to re-read the catalog entry of a namespace
	EvtRefresh EventType = 3

	// node -> orchestrator requests, each answered by the event listed next to it
	EvtFetchCollection      EventType = 4 // EvtCollectionResult
	EvtUpdateDonorEntry     EventType = 5 // EvtUpdateResult
	EvtUpdateRecipientEntry EventType = 6 // EvtUpdateResult

	EvtCollectionResult EventType = 7
	EvtUpdateResult     EventType = 8

	// orchestrator -> node request used by the commit monitor
	EvtQueryRemainingTime EventType = 9
	EvtRemainingTime      EventType = 10
)

var EventsToStringMap = map[EventType]string{
	1:  "Identify",
	2:  "Identified",
	3:  "Refresh",
	4:  "FetchCollection",
	5:  "UpdateDonorEntry",
	6:  "UpdateRecipientEntry",
	7:  "CollectionResult",
	8:  "UpdateResult",
	9:  "QueryRemainingTime",
	10: "RemainingTime",
}

func (evt EventType) String() string {
	if s, ok := EventsToStringMap[evt]; ok {
		return s
	}
	return fmt.Sprintf("Unknown(%d)", uint32(evt))
}

// Mapping of events to structs for their data
var EvtDataMap = map[EventType]interface{}{
	EvtIdentify:             IdentifyData{},
	EvtIdentified:           IdentifiedData{},
	EvtRefresh:              RefreshData{},
	EvtFetchCollection:      FetchCollectionData{},
	EvtUpdateDonorEntry:     UpdateDonorEntryData{},
	EvtUpdateRecipientEntry: UpdateRecipientEntryData{},
	EvtCollectionResult:     CollectionResultData{},
	EvtUpdateResult:         UpdateResultData{},
	EvtQueryRemainingTime:   QueryRemainingTimeData{},
	EvtRemainingTime:        RemainingTimeData{},
}

type Message struct {
	EvtID       EventType
	DecodedBody interface{}
}

// EncodeMessage is the same as EncodeMessageRaw but also encodes the data passed using msgpack
func EncodeMessage(evtID EventType, data interface{}) ([]byte, error) {
	if data == nil {
		return EncodeMessageRaw(evtID, nil), nil
	}

	serialized, err := msgpack.Marshal(data)
	if err != nil {
		return nil, errors.WithMessage(err, "msgpack.Marshal")
	}

	return EncodeMessageRaw(evtID, serialized), nil
}

// EncodeMessageRaw encodes the event to the wire format
// The wire format is pretty basic, first 4 bytes is a uin32 representing what type of event this is
// next 4 bytes is another uin32 which represents the length of the body
// next n bytes is the body itself, which can even be empty in some cases
func EncodeMessageRaw(evtID EventType, data []byte) []byte {
	var buf bytes.Buffer

	tmpBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmpBuf, uint32(evtID))
	buf.Write(tmpBuf)

	l := uint32(len(data))
	binary.LittleEndian.PutUint32(tmpBuf, l)
	buf.Write(tmpBuf)
	buf.Write(data)

	return buf.Bytes()
}

type UnknownEventError struct {
	Evt EventType
}

func (uee *UnknownEventError) Error() string {
	return fmt.Sprintf("Unknown event: %d", uee.Evt)
}

// DecodePayload decodes the body of a message into a pointer to the struct registered for evtID
func DecodePayload(evtID EventType, payload []byte) (interface{}, error) {
	t, ok := EvtDataMap[evtID]

	if !ok {
		return nil, &UnknownEventError{Evt: evtID}
	}

	if t == nil {
		return nil, nil
	}

	clone := reflect.New(reflect.TypeOf(t)).Interface()
	err := msgpack.Unmarshal(payload, clone)
	return clone, err
}
