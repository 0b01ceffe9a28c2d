package catalog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

type snapshotFile struct {
	TxnNumber   int64                `bson:"txnNumber"`
	Collections []snapshotCollection `bson:"collections"`
}

type snapshotCollection struct {
	Name string     `bson:"name"`
	Docs []bson.Raw `bson:"docs"`
}

// writeSnapshot writes the whole store to a temporary file and moves it over path, so a
// crash leaves either the previous or the new snapshot behind
func writeSnapshot(path string, txnNumber int64, colls map[string]*collection) error {
	snap := snapshotFile{TxnNumber: txnNumber}
	for name, c := range colls {
		sc := snapshotCollection{Name: name, Docs: make([]bson.Raw, 0, len(c.order))}
		for _, k := range c.order {
			sc.Docs = append(sc.Docs, c.docs[k])
		}
		snap.Collections = append(snap.Collections, sc)
	}

	b, err := bson.Marshal(snap)
	if err != nil {
		return errors.WithMessage(err, "bson.Marshal")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readSnapshot(path string) (map[string]*collection, int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	var snap snapshotFile
	if err := bson.Unmarshal(b, &snap); err != nil {
		return nil, 0, errors.WithMessagef(err, "decoding snapshot %s", path)
	}

	colls := make(map[string]*collection, len(snap.Collections))
	for _, sc := range snap.Collections {
		c := newCollection()
		for _, doc := range sc.Docs {
			id, err := doc.LookupErr("_id")
			if err != nil {
				return nil, 0, ErrMissingID
			}
			c.put(rawValueKey(id), doc)
		}
		colls[sc.Name] = c
	}
	return colls, snap.TxnNumber, nil
}
