package orchestrator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"go.mongodb.org/mongo-driver/bson"
)

// Represents a connection from the orchestrator to a data node
type NodeConn struct {
	Orchestrator *Orchestrator
	Conn         *dreshard.Conn

	requests    dreshard.RequestTracker
	connectedAt time.Time

	// canceled when the connection closes, bounds the requests served for the node
	ctx    context.Context
	cancel context.CancelFunc

	// below fields are protected by this mutex
	mu sync.Mutex

	sessionEstablished bool
	host               string
	version            string
}

// NewNodeConn creates a new NodeConn (connection from the orchestrator to a node) from a net.Conn
func (o *Orchestrator) NewNodeConn(netConn net.Conn) *NodeConn {
	ctx, cancel := context.WithCancel(context.Background())
	nc := &NodeConn{
		Conn:         dreshard.ConnFromNetCon(netConn, o.Logger),
		Orchestrator: o,
		connectedAt:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	nc.Conn.MessageHandler = nc.handleMessage
	nc.Conn.ConnClosedHanlder = nc.onClosed

	return nc
}

func (nc *NodeConn) listen() {
	nc.Conn.Listen()
}

func (nc *NodeConn) onClosed() {
	nc.mu.Lock()
	nc.sessionEstablished = false
	nc.mu.Unlock()

	nc.cancel()
	nc.requests.FailAll()
	nc.Orchestrator.removeNode(nc)
	nc.Conn.Log(dreshard.LogInfo, nil, "node disconnected")
}

// Handle incoming messages
func (nc *NodeConn) handleMessage(msg *dreshard.Message) {
	if msg.EvtID == dreshard.EvtIdentify {
		nc.handleIdentify(msg.DecodedBody.(*dreshard.IdentifyData))
		return
	}

	if !nc.SessionEstablished() {
		nc.Conn.Log(dreshard.LogWarning, nil, "ignoring "+msg.EvtID.String()+" before identify")
		return
	}

	switch msg.EvtID {
	case dreshard.EvtFetchCollection:
		go nc.handleFetchCollection(msg.DecodedBody.(*dreshard.FetchCollectionData))
	case dreshard.EvtUpdateDonorEntry:
		go nc.handleUpdateDonorEntry(msg.DecodedBody.(*dreshard.UpdateDonorEntryData))
	case dreshard.EvtUpdateRecipientEntry:
		go nc.handleUpdateRecipientEntry(msg.DecodedBody.(*dreshard.UpdateRecipientEntryData))
	case dreshard.EvtRemainingTime:
		data := msg.DecodedBody.(*dreshard.RemainingTimeData)
		nc.requests.Resolve(data.RequestID, data)
	default:
		nc.Conn.Log(dreshard.LogWarning, nil, "unexpected event "+msg.EvtID.String())
	}
}

func (nc *NodeConn) handleIdentify(data *dreshard.IdentifyData) {
	if data.NodeID == "" {
		nc.Conn.Log(dreshard.LogError, nil, "node identified without an id, closing")
		nc.Conn.Close()
		return
	}

	nc.Conn.ID.Store(data.NodeID)

	// the node id is the shard id, registering it makes it a valid recipient
	err := nc.Orchestrator.Store.WithTransaction(nc.ctx, func(tx *catalog.Txn) error {
		return tx.Upsert(dreshard.ShardsCollection, dreshard.ShardEntry{ID: data.NodeID, Host: data.Host})
	})
	if err != nil {
		nc.Conn.Log(dreshard.LogError, err, "failed registering shard, closing")
		nc.Conn.Close()
		return
	}

	nc.mu.Lock()
	nc.sessionEstablished = true
	nc.host = data.Host
	nc.version = data.Version
	nc.mu.Unlock()

	// after this we have sucessfully established a session
	go func() {
		nc.Conn.SendLogErr(dreshard.EvtIdentified, &dreshard.IdentifiedData{NodeID: data.NodeID})

		// the node may have missed notifications while it was away
		nc.Orchestrator.Coordinators.RenotifyAll(nc.ctx)
	}()
}

func (nc *NodeConn) handleFetchCollection(data *dreshard.FetchCollectionData) {
	resp := &dreshard.CollectionResultData{RequestID: data.RequestID}

	entry, err := nc.Orchestrator.ConfigServer.FetchCollection(nc.ctx, dreshard.Namespace(data.Namespace))
	if err == nil && entry != nil {
		resp.Entry, err = bson.Marshal(entry)
		resp.Found = err == nil
	}
	resp.ErrorCode, resp.Error = dreshard.ErrorToWire(err)

	nc.Conn.SendLogErr(dreshard.EvtCollectionResult, resp)
}

// checkEntryOwner rejects updates a node sends on behalf of another shard
func (nc *NodeConn) checkEntryOwner(shardID string) error {
	if shardID != nc.Conn.GetID() {
		return dreshard.NewError(dreshard.CodeBadValue, "node %s can not update the entry of %s", nc.Conn.GetID(), shardID)
	}
	return nil
}

func (nc *NodeConn) handleUpdateDonorEntry(data *dreshard.UpdateDonorEntryData) {
	resp := &dreshard.UpdateResultData{RequestID: data.RequestID}

	var entry dreshard.DonorShardEntry
	err := bson.Unmarshal(data.Entry, &entry)
	if err == nil {
		err = nc.checkEntryOwner(entry.ID)
	}
	if err == nil {
		expected := make([]dreshard.DonorState, len(data.ExpectedStates))
		for i, s := range data.ExpectedStates {
			expected[i] = dreshard.DonorState(s)
		}
		resp.Applied, err = nc.Orchestrator.ConfigServer.UpdateDonorEntry(nc.ctx, dreshard.OperationID(data.OperationID), entry, expected)
	}
	resp.ErrorCode, resp.Error = dreshard.ErrorToWire(err)

	nc.Conn.SendLogErr(dreshard.EvtUpdateResult, resp)
}

func (nc *NodeConn) handleUpdateRecipientEntry(data *dreshard.UpdateRecipientEntryData) {
	resp := &dreshard.UpdateResultData{RequestID: data.RequestID}

	var entry dreshard.RecipientShardEntry
	err := bson.Unmarshal(data.Entry, &entry)
	if err == nil {
		err = nc.checkEntryOwner(entry.ID)
	}
	if err == nil {
		expected := make([]dreshard.RecipientState, len(data.ExpectedStates))
		for i, s := range data.ExpectedStates {
			expected[i] = dreshard.RecipientState(s)
		}
		resp.Applied, err = nc.Orchestrator.ConfigServer.UpdateRecipientEntry(nc.ctx, dreshard.OperationID(data.OperationID), entry, expected)
	}
	resp.ErrorCode, resp.Error = dreshard.ErrorToWire(err)

	nc.Conn.SendLogErr(dreshard.EvtUpdateResult, resp)
}

// QueryRemainingTime asks the node how long its recipient of opID needs to catch up
func (nc *NodeConn) QueryRemainingTime(ctx context.Context, opID dreshard.OperationID) (time.Duration, error) {
	resp, err := nc.requests.Do(ctx, func(id uint64) error {
		return nc.Conn.Send(dreshard.EvtQueryRemainingTime, &dreshard.QueryRemainingTimeData{
			RequestID:   id,
			OperationID: string(opID),
		})
	})
	if err != nil {
		return 0, err
	}

	data := resp.(*dreshard.RemainingTimeData)
	if err := dreshard.ErrorFromWire(data.ErrorCode, data.Error); err != nil {
		return 0, err
	}
	return time.Duration(data.RemainingMillis) * time.Millisecond, nil
}

func (nc *NodeConn) SessionEstablished() bool {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.sessionEstablished
}

// GetFullStatus returns the current status of the node
func (nc *NodeConn) GetFullStatus() *NodeStatus {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	return &NodeStatus{
		ID:                 nc.Conn.GetID(),
		Host:               nc.host,
		Version:            nc.version,
		RemoteAddr:         nc.Conn.RemoteAddr(),
		SessionEstablished: nc.sessionEstablished,
		ConnectedAt:        nc.connectedAt,
	}
}
