package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Snapshot is a decoded document.
type Snapshot[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Collection is a typed view over one Firestore collection. T must be a struct that
// Firestore can encode and decode through `firestore:` tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds name on provider.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the unprefixed collection name.
func (c *Collection[T]) Name() string { return c.name }

// Ref returns the document reference for id, for use inside transactions.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: collection has no provider")
	}
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("firestore: document id is required"))
	}
	coll, err := c.provider.Collection(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Create writes value under id and fails with a conflict when the id is taken.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Get reads and decodes id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Snapshot[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Snapshot[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Snapshot[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// Query runs build against the collection and decodes every match.
func (c *Collection[T]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]Snapshot[T], error) {
	coll, err := c.provider.Collection(ctx, c.name)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()
	var out []Snapshot[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
}

// Decode converts a snapshot read inside a transaction.
func (c *Collection[T]) Decode(snap *firestore.DocumentSnapshot) (Snapshot[T], error) {
	return decode[T](snap)
}

func decode[T any](snap *firestore.DocumentSnapshot) (Snapshot[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Snapshot[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Snapshot[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) op(action string) string {
	return c.name + "." + action
}
