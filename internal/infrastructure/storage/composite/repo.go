package composite

import (
	"context"
	"errors"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
)

// Repo fans every record out to all journals and returns the first error.
type Repo struct {
	repos []port.Journal
}

var _ port.Journal = (*Repo)(nil)

func New(repos ...port.Journal) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.Journal, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

// Len is the number of wired journals.
func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) RecordOrder(ctx context.Context, o *model.Order) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.RecordOrder(ctx, o); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) RecordFill(ctx context.Context, f model.Fill) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.RecordFill(ctx, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) RecordPosition(ctx context.Context, p model.Position) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.RecordPosition(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every journal.
func (r *Repo) Close() error {
	var errs []error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
