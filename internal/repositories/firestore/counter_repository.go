package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/evolvecharge/funnel/internal/platform/firestore"
	"github.com/evolvecharge/funnel/internal/repositories"
)

const countersCollection = "counters"

// counterDocument stores the last value handed out. Ceiling is optional and set by operators.
type counterDocument struct {
	Value     int64     `firestore:"value"`
	Ceiling   int64     `firestore:"ceiling,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// CounterRepository backs order sequence numbers with one document per counter.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection),
		now:      time.Now,
	}, nil
}

// Next adds step (1 when zero) to counterID inside a transaction and returns the new value.
// A missing document starts the sequence at step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	switch {
	case id == "":
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	case step < 0:
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step))
	case step == 0:
		step = 1
	}

	ref, err := r.counters.Ref(ctx, id)
	if err != nil {
		return 0, err
	}

	var next int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := counterDocument{}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			current, decodeErr := r.counters.Decode(snap)
			if decodeErr != nil {
				return decodeErr
			}
			doc = current.Data
		case !isNotFound(err):
			return err
		}

		value := doc.Value + step
		if doc.Ceiling > 0 && value > doc.Ceiling {
			return repositories.NewCounterError(repositories.CounterErrorExhausted,
				fmt.Sprintf("counter %s reached its ceiling of %d", id, doc.Ceiling))
		}
		doc.Value = value
		doc.UpdatedAt = r.now().UTC()
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		next = value
		return nil
	}, pfirestore.WithTxTimeout(5*time.Second))
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}

func isNotFound(err error) bool {
	var fsErr *pfirestore.Error
	return errors.As(pfirestore.WrapError("", err), &fsErr) && fsErr.IsNotFound()
}
