package dreshard

type IdentifyData struct {
	NodeID  string
	Host    string
	Version string
}

type IdentifiedData struct {
	NodeID string
}

type RefreshData struct {
	Namespace string
}

type FetchCollectionData struct {
	RequestID uint64
	Namespace string
}

type CollectionResultData struct {
	RequestID uint64
	Found     bool

	// bson encoded CollectionEntry
	Entry []byte

	ErrorCode int
	Error     string
}

type UpdateDonorEntryData struct {
	RequestID      uint64
	OperationID    string
	ExpectedStates []int

	// bson encoded DonorShardEntry
	Entry []byte
}

type UpdateRecipientEntryData struct {
	RequestID      uint64
	OperationID    string
	ExpectedStates []int

	// bson encoded RecipientShardEntry
	Entry []byte
}

type UpdateResultData struct {
	RequestID uint64

	// false if the update was stale and ignored
	Applied bool

	ErrorCode int
	Error     string
}

type QueryRemainingTimeData struct {
	RequestID   uint64
	OperationID string
}

type RemainingTimeData struct {
	RequestID       uint64
	RemainingMillis int64
	ErrorCode       int
	Error           string
}

// Response is implemented by the payloads answering a request
type Response interface {
	ResponseID() uint64
}

func (d *CollectionResultData) ResponseID() uint64 { return d.RequestID }
func (d *UpdateResultData) ResponseID() uint64 { return d.RequestID }
func (d *RemainingTimeData) ResponseID() uint64 { return d.RequestID }

// ErrorToWire splits err into the code and message carried by response payloads
func ErrorToWire(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	reason := ReasonFromError(err)
	return int(reason.Code), reason.Message
}

// ErrorFromWire is the inverse of ErrorToWire
func ErrorFromWire(code int, msg string) error {
	if code == 0 && msg == "" {
		return nil
	}
	return &Error{Code: ErrorCode(code), Message: msg}
}
