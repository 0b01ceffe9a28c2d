package orchestrator

import (
	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/pkg/errors"
)

// NewStandardOrchestrator creates an orchestrator logging through the standard logger at
// level. The catalog is kept in memory, and snapshotted to snapshotPath after every commit
// if snapshotPath is not empty, in which case the previous snapshot is loaded first.
func NewStandardOrchestrator(snapshotPath string, level dreshard.LogLevel) (*Orchestrator, error) {
	store := catalog.New()
	if snapshotPath != "" {
		var err error
		store, err = catalog.Open(snapshotPath)
		if err != nil {
			return nil, errors.WithMessage(err, "catalog.Open")
		}
	}

	o := NewOrchestrator(store)
	o.Logger = &dreshard.StdLogger{Level: level}
	return o, nil
}
