package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/evolvecharge/funnel/internal/repositories"
)

var (
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	ErrCounterExhausted    = errors.New("counter: exhausted")
)

// counterSentinels translates repository counter codes into service errors.
var counterSentinels = map[repositories.CounterErrorCode]error{
	repositories.CounterErrorInvalidInput: ErrCounterInvalidInput,
	repositories.CounterErrorExhausted:    ErrCounterExhausted,
}

// CounterServiceDeps wires NewCounterService. OrderPrefix defaults to "EC".
type CounterServiceDeps struct {
	Repository  repositories.CounterRepository
	Clock       func() time.Time
	OrderPrefix string
}

type counterService struct {
	repo   repositories.CounterRepository
	now    func() time.Time
	prefix string
}

var _ CounterService = (*counterService)(nil)

func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	prefix := strings.TrimSpace(deps.OrderPrefix)
	if prefix == "" {
		prefix = "EC"
	}
	return &counterService{
		repo:   deps.Repository,
		now:    func() time.Time { return now().UTC() },
		prefix: prefix,
	}, nil
}

// Next advances the counter "scope:name" and renders it with opts.
func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope, name = strings.TrimSpace(scope), strings.TrimSpace(name)
	switch {
	case scope == "" || name == "":
		return CounterValue{}, fmt.Errorf("%w: scope and name are required", ErrCounterInvalidInput)
	case opts.Step < 0:
		return CounterValue{}, fmt.Errorf("%w: step must be positive", ErrCounterInvalidInput)
	}

	value, err := s.repo.Next(ctx, scope+":"+name, opts.Step)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			if sentinel, ok := counterSentinels[counterErr.Code]; ok {
				return CounterValue{}, fmt.Errorf("%w: %s", sentinel, counterErr.Message)
			}
		}
		return CounterValue{}, err
	}
	return CounterValue{Value: value, Formatted: render(s.now(), value, opts)}, nil
}

// NextOrderNumber yields PREFIX-YYYY-NNNNNN. Each calendar year has its own counter, so the
// sequence restarts at 1 on January 1st (UTC).
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.now().Year()
	v, err := s.Next(ctx, "orders", strconv.Itoa(year), CounterGenerationOptions{Step: 1, PadLength: 6})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d-%s", s.prefix, year, v.Formatted), nil
}

func render(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}
	digits := strconv.FormatInt(value, 10)
	if pad := opts.PadLength - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return opts.Prefix + digits + opts.Suffix
}
