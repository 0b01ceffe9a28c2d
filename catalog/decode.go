package catalog

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// DecodeAll decodes every document into a T
func DecodeAll[T any](docs []bson.Raw) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := bson.Unmarshal(doc, &v); err != nil {
			return nil, errors.WithMessage(err, "bson.Unmarshal")
		}
		out = append(out, v)
	}
	return out, nil
}
