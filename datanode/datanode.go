// Package datanode assembles a simulated data node: a simdata shard, the participant
// service driving its donors and recipients, and the connection to the orchestrator.
package datanode

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/node"
	"github.com/jonas747/dreshard/participant"
	"github.com/jonas747/dreshard/simdata"
	"github.com/pkg/errors"
)

type Options struct {
	OrchestratorAddr string
	Host             string
	Version          string

	// Where recipients read the routing table of the temporary collection from
	Chunks simdata.ChunkSource

	// File the node's local state documents are persisted to, in memory only if empty
	LocalSnapshotPath string

	Logger dreshard.Logger
	Config participant.Config
}

// DataNode is one running simulated data node
type DataNode struct {
	Shard   *simdata.Shard
	Service *participant.Service
	Conn    *node.Conn

	// closed once Service is fully wired, calls from the connection wait for it
	ready chan struct{}
}

var _ node.Interface = (*DataNode)(nil)

// Start creates the shard shardID in cluster and connects it to the orchestrator, resuming
// the instances persisted in the local snapshot
func Start(ctx context.Context, cluster *simdata.Cluster, shardID string, opts Options) (*DataNode, error) {
	local := catalog.New()
	if opts.LocalSnapshotPath != "" {
		var err error
		local, err = catalog.Open(opts.LocalSnapshotPath)
		if err != nil {
			return nil, errors.WithMessage(err, "catalog.Open")
		}
	}

	shard := cluster.AddShard(shardID)
	dn := &DataNode{
		Shard: shard,
		ready: make(chan struct{}),
	}

	svc := participant.NewService(shardID, local, nil, shard, simdata.NewReplicator(cluster, shardID, opts.Chunks))
	svc.CriticalSections = shard.CriticalSections
	if opts.Config.RetryDelay > 0 {
		svc.Config = opts.Config
	}
	dn.Service = svc

	conn, err := node.ConnectToOrchestrator(dn, opts.OrchestratorAddr, shardID, opts.Host, opts.Version, opts.Logger)
	if err != nil {
		return nil, errors.WithMessage(err, "ConnectToOrchestrator")
	}
	svc.Client = conn
	dn.Conn = conn

	if err := svc.StepUp(ctx); err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "StepUp")
	}

	close(dn.ready)
	return dn, nil
}

// Stop disconnects from the orchestrator and stops every instance, the local state
// documents are kept
func (dn *DataNode) Stop() {
	dn.Conn.Close()
	dn.Service.StepDown()
}

func (dn *DataNode) await(ctx context.Context) error {
	select {
	case <-dn.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dn *DataNode) SessionEstablished(ctx context.Context) {
	if dn.await(ctx) != nil {
		return
	}
	dn.Service.SessionEstablished(ctx)
}

func (dn *DataNode) OnCatalogFieldsChanged(ctx context.Context, ns dreshard.Namespace, entry *dreshard.CollectionEntry) error {
	if err := dn.await(ctx); err != nil {
		return err
	}
	return dn.Service.OnCatalogFieldsChanged(ctx, ns, entry)
}

func (dn *DataNode) RemainingOperationTime(opID dreshard.OperationID) (time.Duration, error) {
	select {
	case <-dn.ready:
	default:
		return 0, dreshard.NewError(dreshard.CodeNotPrimary, "data node is starting")
	}
	return dn.Service.RemainingOperationTime(opID)
}
