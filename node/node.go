package node

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

var ErrNotConnected = dreshard.NewError(dreshard.CodeHostUnreachable, "not connected to the orchestrator")

// Conn represents a connection to the orchestrator. It doubles as the node's client of the
// authority node's catalog.
type Conn struct {
	nodeID              string
	host                string
	node                Interface
	orchestratorAddress string
	logger              dreshard.Logger
	requests            dreshard.RequestTracker

	// how long requests wait for the orchestrator to answer
	RequestTimeout time.Duration

	refreshCtx    context.Context
	refreshCancel context.CancelFunc

	// below fields are protected by the mutex
	mu sync.Mutex

	baseConn           *dreshard.Conn
	nodeVersion        string
	sessionEstablished bool
	reconnecting       bool
	closed             bool

	// namespaces with a refresh worker running, true if another refresh arrived since the
	// worker last fetched the entry
	refreshes map[string]bool
}

// ConnectToOrchestrator attempts to connect to the orchestrator, if it fails it will launch a
// reconnect loop and keep trying until the orchestrator appears
func ConnectToOrchestrator(node Interface, addr, nodeID, host, nodeVersion string, logger dreshard.Logger) (*Conn, error) {
	if nodeID == "" {
		return nil, errors.New("node id must not be empty")
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		nodeID:              nodeID,
		host:                host,
		node:                node,
		orchestratorAddress: addr,
		nodeVersion:         nodeVersion,
		logger:              logger,
		RequestTimeout:      10 * time.Second,
		refreshCtx:          ctx,
		refreshCancel:       cancel,
		refreshes:           make(map[string]bool),
	}

	go conn.reconnectLoop()

	return conn, nil
}

// Close disconnects from the orchestrator for good
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	base := c.baseConn
	c.mu.Unlock()

	c.refreshCancel()
	if base != nil {
		base.Close()
	}
}

func (c *Conn) connect() error {
	netConn, err := net.Dial("tcp", c.orchestratorAddress)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		netConn.Close()
		return nil
	}

	base := dreshard.ConnFromNetCon(netConn, c.logger)
	base.ID.Store(c.nodeID)
	base.MessageHandler = c.handleMessage
	base.ConnClosedHanlder = func() { c.onClosedConn(base) }
	c.baseConn = base
	go base.Listen()
	c.mu.Unlock()

	err = base.Send(dreshard.EvtIdentify, &dreshard.IdentifyData{
		NodeID:  c.nodeID,
		Host:    c.host,
		Version: c.nodeVersion,
	})
	if err != nil {
		c.mu.Lock()
		if c.baseConn == base {
			c.baseConn = nil
		}
		c.mu.Unlock()
		base.Close()
		return errors.WithMessage(err, "identify")
	}

	base.Log(dreshard.LogInfo, nil, "sent identify")
	return nil
}

func (c *Conn) onClosedConn(base *dreshard.Conn) {
	c.mu.Lock()
	if c.baseConn != base {
		// a connection that failed to identify, the reconnect loop is still running
		c.mu.Unlock()
		return
	}
	c.sessionEstablished = false
	c.baseConn = nil
	c.mu.Unlock()

	c.requests.FailAll()
	c.reconnectLoop()
}

func (c *Conn) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}

	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = 0

		err := backoff.Retry(c.connect, backoff.WithContext(b, c.refreshCtx))
		if err != nil {
			c.Log(dreshard.LogInfo, err, "gave up reconnecting")
		}

		c.mu.Lock()
		c.reconnecting = false
		lost := c.baseConn == nil && !c.closed && err == nil
		c.mu.Unlock()

		// the connection may have dropped before the loop finished
		if lost {
			c.reconnectLoop()
		}
	}()
}

func (c *Conn) handleMessage(m *dreshard.Message) {
	switch m.EvtID {
	case dreshard.EvtIdentified:
		c.handleIdentified(m.DecodedBody.(*dreshard.IdentifiedData))
	case dreshard.EvtRefresh:
		c.queueRefresh(m.DecodedBody.(*dreshard.RefreshData).Namespace)
	case dreshard.EvtQueryRemainingTime:
		go c.handleQueryRemainingTime(m.DecodedBody.(*dreshard.QueryRemainingTimeData))
	case dreshard.EvtCollectionResult:
		data := m.DecodedBody.(*dreshard.CollectionResultData)
		c.requests.Resolve(data.RequestID, data)
	case dreshard.EvtUpdateResult:
		data := m.DecodedBody.(*dreshard.UpdateResultData)
		c.requests.Resolve(data.RequestID, data)
	default:
		c.Log(dreshard.LogWarning, nil, "unexpected event "+m.EvtID.String())
	}
}

func (c *Conn) handleIdentified(data *dreshard.IdentifiedData) {
	c.mu.Lock()
	c.sessionEstablished = true
	c.mu.Unlock()

	c.Log(dreshard.LogInfo, nil, "session established")
	go c.node.SessionEstablished(c.refreshCtx)
}

// queueRefresh makes sure the entry of ns is fetched and handed to the node after this
// call. Refreshes of one namespace are handled one at a time in arrival order, the ones
// arriving while a fetch is in flight are folded into a single follow up fetch.
func (c *Conn) queueRefresh(ns string) {
	c.mu.Lock()
	_, running := c.refreshes[ns]
	c.refreshes[ns] = true
	c.mu.Unlock()

	if !running {
		go c.refreshWorker(ns)
	}
}

func (c *Conn) refreshWorker(ns string) {
	for {
		c.mu.Lock()
		if !c.refreshes[ns] {
			delete(c.refreshes, ns)
			c.mu.Unlock()
			return
		}
		c.refreshes[ns] = false
		c.mu.Unlock()

		c.handleRefresh(dreshard.Namespace(ns))
	}
}

func (c *Conn) handleRefresh(ns dreshard.Namespace) {
	ctx := c.refreshCtx

	entry, err := c.FetchCollection(ctx, ns)
	if err != nil {
		c.Log(dreshard.LogWarning, err, "failed fetching "+string(ns)+" after refresh, waiting for the next one")
		return
	}

	if err := c.node.OnCatalogFieldsChanged(ctx, ns, entry); err != nil {
		c.Log(dreshard.LogError, err, "failed handling catalog refresh of "+string(ns))
	}
}

func (c *Conn) handleQueryRemainingTime(data *dreshard.QueryRemainingTimeData) {
	resp := &dreshard.RemainingTimeData{RequestID: data.RequestID}

	remaining, err := c.node.RemainingOperationTime(dreshard.OperationID(data.OperationID))
	if err != nil {
		resp.ErrorCode, resp.Error = dreshard.ErrorToWire(err)
	} else {
		resp.RemainingMillis = remaining.Milliseconds()
	}

	c.SendLogErr(dreshard.EvtRemainingTime, resp)
}

// Send sends the message to the orchestrator, failing with ErrNotConnected while reconnecting
func (c *Conn) Send(evtID dreshard.EventType, body interface{}) error {
	c.mu.Lock()
	base := c.baseConn
	established := c.sessionEstablished
	c.mu.Unlock()

	if base == nil || (!established && evtID != dreshard.EvtIdentify) {
		return ErrNotConnected
	}

	return base.Send(evtID, body)
}

func (c *Conn) SendLogErr(evtID dreshard.EventType, body interface{}) {
	err := c.Send(evtID, body)
	if err != nil {
		c.Log(dreshard.LogError, err, "failed sending message to orchestrator")
	}
}

func (c *Conn) request(ctx context.Context, build func(id uint64) (dreshard.EventType, interface{})) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()

	resp, err := c.requests.Do(ctx, func(id uint64) error {
		evt, body := build(id)
		return c.Send(evt, body)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, dreshard.NewError(dreshard.CodeHostUnreachable, "orchestrator did not answer in time")
	}
	return resp, err
}

// FetchCollection reads the catalog entry of ns from the authority node, it returns nil
// if there is none
func (c *Conn) FetchCollection(ctx context.Context, ns dreshard.Namespace) (*dreshard.CollectionEntry, error) {
	resp, err := c.request(ctx, func(id uint64) (dreshard.EventType, interface{}) {
		return dreshard.EvtFetchCollection, &dreshard.FetchCollectionData{RequestID: id, Namespace: string(ns)}
	})
	if err != nil {
		return nil, err
	}

	data := resp.(*dreshard.CollectionResultData)
	if err := dreshard.ErrorFromWire(data.ErrorCode, data.Error); err != nil {
		return nil, err
	}
	if !data.Found {
		return nil, nil
	}

	var entry dreshard.CollectionEntry
	if err := bson.Unmarshal(data.Entry, &entry); err != nil {
		return nil, errors.WithMessage(err, "decoding collection entry")
	}
	return &entry, nil
}

// UpdateDonorEntry sends a guarded donor progress update to the coordinator
func (c *Conn) UpdateDonorEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.DonorShardEntry, expected []dreshard.DonorState) (bool, error) {
	encoded, err := bson.Marshal(entry)
	if err != nil {
		return false, err
	}

	states := make([]int, len(expected))
	for i, s := range expected {
		states[i] = int(s)
	}

	resp, err := c.request(ctx, func(id uint64) (dreshard.EventType, interface{}) {
		return dreshard.EvtUpdateDonorEntry, &dreshard.UpdateDonorEntryData{
			RequestID:      id,
			OperationID:    string(opID),
			ExpectedStates: states,
			Entry:          encoded,
		}
	})
	if err != nil {
		return false, err
	}

	data := resp.(*dreshard.UpdateResultData)
	return data.Applied, dreshard.ErrorFromWire(data.ErrorCode, data.Error)
}

// UpdateRecipientEntry sends a guarded recipient progress update to the coordinator
func (c *Conn) UpdateRecipientEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.RecipientShardEntry, expected []dreshard.RecipientState) (bool, error) {
	encoded, err := bson.Marshal(entry)
	if err != nil {
		return false, err
	}

	states := make([]int, len(expected))
	for i, s := range expected {
		states[i] = int(s)
	}

	resp, err := c.request(ctx, func(id uint64) (dreshard.EventType, interface{}) {
		return dreshard.EvtUpdateRecipientEntry, &dreshard.UpdateRecipientEntryData{
			RequestID:      id,
			OperationID:    string(opID),
			ExpectedStates: states,
			Entry:          encoded,
		}
	})
	if err != nil {
		return false, err
	}

	data := resp.(*dreshard.UpdateResultData)
	return data.Applied, dreshard.ErrorFromWire(data.ErrorCode, data.Error)
}

// SessionEstablished reports whether the node currently has a session with the orchestrator
func (c *Conn) SessionEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionEstablished
}

// Log will log to the designated logger or the standard logger
func (c *Conn) Log(level dreshard.LogLevel, err error, msg string) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}

	msg = "[" + c.nodeID + "] " + msg
	if c.logger == nil {
		dreshard.StdLogInstance.Log(level, msg)
	} else {
		c.logger.Log(level, msg)
	}
}
