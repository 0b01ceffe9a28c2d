package node

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
)

// Interface is implemented by the data node hosting the participant instances,
// participant.Service being the standard implementation
type Interface interface {
	// Called every time a session with the orchestrator was (re)established
	SessionEstablished(ctx context.Context)

	// Called with the freshly fetched catalog entry after the orchestrator asked for a refresh
	// of ns, entry is nil if the collection is not in the catalog
	OnCatalogFieldsChanged(ctx context.Context, ns dreshard.Namespace, entry *dreshard.CollectionEntry) error

	// Called by the commit monitor of the coordinator of opID
	RemainingOperationTime(opID dreshard.OperationID) (time.Duration, error)
}
