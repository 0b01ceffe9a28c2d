// Package orchestrator is the authority node. It hosts the catalog, runs the resharding
// coordinators and serves the data nodes connected to it over TCP: catalog reads, guarded
// participant updates, refresh notifications and replication lag queries.
package orchestrator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/coordinator"
	"github.com/pkg/errors"
)

type Orchestrator struct {
	// these fields are only safe to edit before you start the orchestrator
	// if you decide to change anything afterwards, it may panic or cause undefined behaviour

	Store        *catalog.Store
	Coordinators *coordinator.Service
	ConfigServer *coordinator.ConfigServer
	Logger       dreshard.Logger

	// how often the notifications of running operations are resent, notifications are fire
	// and forget so this is what recovers lost ones
	RenotifyInterval time.Duration

	// how long lag queries wait for a node to answer
	RequestTimeout time.Duration

	monitor *monitor

	// below fields are protected by the following mutex
	mu             sync.Mutex
	connectedNodes []*NodeConn
	netListener    net.Listener
}

var (
	_ coordinator.Notifier   = (*Orchestrator)(nil)
	_ coordinator.LagQuerier = (*Orchestrator)(nil)
)

// NewOrchestrator creates an orchestrator serving the catalog in store
func NewOrchestrator(store *catalog.Store) *Orchestrator {
	o := &Orchestrator{
		Store:            store,
		ConfigServer:     coordinator.NewConfigServer(store),
		RenotifyInterval: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
	}
	o.Coordinators = coordinator.NewService(store, o, o)
	return o
}

// Start will start the orchestrator, listen for nodes on the specified address and resume
// the persisted operations.
// IMPORTANT: opening this up to the outer internet is bad because there's no authentication.
func (o *Orchestrator) Start(listenAddr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.openListen(listenAddr)
	if err != nil {
		return err
	}

	err = o.Coordinators.StepUp(context.Background())
	if err != nil {
		o.netListener.Close()
		return errors.WithMessage(err, "StepUp")
	}

	o.monitor = &monitor{
		orchestrator: o,
		stopChan:     make(chan bool),
	}
	go o.monitor.run()

	return nil
}

// Stop will stop the orchestrator, the monitor and every coordinator. Persisted operations
// resume on the next Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.netListener.Close()
	o.monitor.stop()
	nodes := append([]*NodeConn(nil), o.connectedNodes...)
	o.mu.Unlock()

	o.Coordinators.StepDown()
	for _, n := range nodes {
		n.Conn.Close()
	}
}

// Addr returns the address the orchestrator listens for nodes on
func (o *Orchestrator) Addr() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.netListener == nil {
		return ""
	}
	return o.netListener.Addr().String()
}

// openListen starts listening for node connections on the specified address
func (o *Orchestrator) openListen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithMessage(err, "net.Listen")
	}

	o.netListener = listener
	go o.listenForNodes(listener)

	return nil
}

func (o *Orchestrator) listenForNodes(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			o.Log(dreshard.LogInfo, err, "stopped accepting node connections")
			break
		}

		o.Log(dreshard.LogInfo, nil, "new node connection from "+conn.RemoteAddr().String())
		client := o.NewNodeConn(conn)

		o.mu.Lock()
		o.connectedNodes = append(o.connectedNodes, client)
		o.mu.Unlock()

		go client.listen()
	}
}

func (o *Orchestrator) removeNode(nc *NodeConn) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, v := range o.connectedNodes {
		if v == nc {
			o.connectedNodes = append(o.connectedNodes[:i], o.connectedNodes[i+1:]...)
			return
		}
	}
}

// FindNodeByID returns the identified connection of the node, the newest one if the node
// reconnected before its old connection was noticed as closed
func (o *Orchestrator) FindNodeByID(id string) *NodeConn {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i := len(o.connectedNodes) - 1; i >= 0; i-- {
		v := o.connectedNodes[i]
		if v.Conn.GetID() == id && v.SessionEstablished() {
			return v
		}
	}

	return nil
}

type NodeStatus struct {
	ID                 string
	Host               string
	Version            string
	RemoteAddr         string
	SessionEstablished bool
	ConnectedAt        time.Time
}

// GetFullNodesStatus returns the full status of all nodes
func (o *Orchestrator) GetFullNodesStatus() []*NodeStatus {
	o.mu.Lock()
	nodes := append([]*NodeConn(nil), o.connectedNodes...)
	o.mu.Unlock()

	result := make([]*NodeStatus, 0, len(nodes))
	for _, v := range nodes {
		result = append(result, v.GetFullStatus())
	}

	return result
}

// Notify tells the shards to refresh their catalog entry of ns. Shards that are not
// connected are skipped, they get renotified once they identify.
func (o *Orchestrator) Notify(ctx context.Context, shardIDs []string, ns dreshard.Namespace) {
	for _, id := range shardIDs {
		node := o.FindNodeByID(id)
		if node == nil {
			o.Log(dreshard.LogDebug, nil, "not notifying "+id+" about "+string(ns)+", not connected")
			continue
		}

		go node.Conn.SendLogErr(dreshard.EvtRefresh, &dreshard.RefreshData{Namespace: string(ns)})
	}
}

var ErrNodeNotConnected = dreshard.NewError(dreshard.CodeHostUnreachable, "node is not connected")

// RemainingOperationTime asks the recipient on shardID how far behind the donors it is
func (o *Orchestrator) RemainingOperationTime(ctx context.Context, shardID string, opID dreshard.OperationID) (time.Duration, error) {
	node := o.FindNodeByID(shardID)
	if node == nil {
		return 0, errors.WithMessage(ErrNodeNotConnected, shardID)
	}

	ctx, cancel := context.WithTimeout(ctx, o.RequestTimeout)
	defer cancel()
	return node.QueryRemainingTime(ctx, opID)
}

// Log will log to the designated logger or he standard logger
func (o *Orchestrator) Log(level dreshard.LogLevel, err error, msg string) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}

	if o.Logger == nil {
		dreshard.StdLogInstance.Log(level, msg)
	} else {
		o.Logger.Log(level, msg)
	}
}
