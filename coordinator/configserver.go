package coordinator

import (
	"context"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// ConfigServer answers the catalog requests data nodes make against the authority node:
// collection entry reads and the guarded participant progress updates
type ConfigServer struct {
	Store *catalog.Store
}

func NewConfigServer(store *catalog.Store) *ConfigServer {
	return &ConfigServer{Store: store}
}

// FetchCollection returns the catalog entry of ns, or nil if there is none
func (cs *ConfigServer) FetchCollection(ctx context.Context, ns dreshard.Namespace) (*dreshard.CollectionEntry, error) {
	var entry dreshard.CollectionEntry
	found, err := cs.Store.FindOne(ctx, dreshard.CollectionsCollection, byID(ns), &entry)
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

// UpdateDonorEntry replaces the mutable state of a donor sub-entry if its current state is
// one of expected. It returns false without error if the guard did not match or the
// operation is no longer known, both mean the update is stale.
func (cs *ConfigServer) UpdateDonorEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.DonorShardEntry, expected []dreshard.DonorState) (applied bool, err error) {
	err = cs.Store.WithTransaction(ctx, func(tx *catalog.Txn) error {
		doc, err := loadCoordinatorDoc(tx, opID)
		if err == errCoordinatorDocMissing {
			return nil
		}
		if err != nil {
			return err
		}

		cur := doc.Donor(entry.ID)
		if cur == nil {
			return dreshard.NewError(dreshard.CodeBadValue, "shard %s is not a donor of operation %s", entry.ID, opID)
		}
		if !slices.Contains(expected, cur.MutableState.State) {
			return nil
		}

		cur.MutableState = entry.MutableState
		if err := replaceCoordinatorDoc(tx, doc); err != nil {
			return err
		}
		applied = true
		return nil
	})

	logGuardedUpdate(opID, entry.ID, dreshard.RoleDonor, entry.MutableState.State.String(), applied, err)
	return applied, err
}

// UpdateRecipientEntry is UpdateDonorEntry for recipient sub-entries
func (cs *ConfigServer) UpdateRecipientEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.RecipientShardEntry, expected []dreshard.RecipientState) (applied bool, err error) {
	err = cs.Store.WithTransaction(ctx, func(tx *catalog.Txn) error {
		doc, err := loadCoordinatorDoc(tx, opID)
		if err == errCoordinatorDocMissing {
			return nil
		}
		if err != nil {
			return err
		}

		cur := doc.Recipient(entry.ID)
		if cur == nil {
			return dreshard.NewError(dreshard.CodeBadValue, "shard %s is not a recipient of operation %s", entry.ID, opID)
		}
		if !slices.Contains(expected, cur.MutableState.State) {
			return nil
		}

		cur.MutableState = entry.MutableState
		if err := replaceCoordinatorDoc(tx, doc); err != nil {
			return err
		}
		applied = true
		return nil
	})

	logGuardedUpdate(opID, entry.ID, dreshard.RoleRecipient, entry.MutableState.State.String(), applied, err)
	return applied, err
}

func logGuardedUpdate(opID dreshard.OperationID, shardID, role, state string, applied bool, err error) {
	l := logrus.WithFields(logrus.Fields{
		"reshardingUUID": opID,
		"shard":          shardID,
		"role":           role,
		"state":          state,
	})

	switch {
	case err != nil:
		l.WithError(err).Warn("participant update failed")
	case !applied:
		l.Debug("ignored stale participant update")
	}
}
