package bridge

import (
	"context"

	"askbridge/internal/query"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency bounds parallel asks when the caller gives none.
const DefaultBatchConcurrency = 3

// BatchItem is the outcome of one query of a batch.
type BatchItem struct {
	Index  int     `json:"index"`
	Query  string  `json:"query"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

// BatchOptions apply to every query of a batch.
type BatchOptions struct {
	Options     query.Options
	Profile     string
	Concurrency int
}

// Batch asks every query with bounded parallelism. Failures are recorded per
// item; the batch itself never fails. Results keep input order.
func (s *Service) Batch(ctx context.Context, queries []string, opts BatchOptions) []BatchItem {
	items := make([]BatchItem, len(queries))
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultBatchConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, q := range queries {
		i, q := i, q
		items[i] = BatchItem{Index: i, Query: q}
		g.Go(func() error {
			res, err := s.Ask(gctx, AskRequest{Query: q, Options: opts.Options, Profile: opts.Profile})
			if err != nil {
				items[i].Err = err
				items[i].Error = err.Error()
				s.log.WithField("index", i).WithError(err).Warn("batch query failed")
				return nil
			}
			items[i].Result = res
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// Failed counts items with errors.
func Failed(items []BatchItem) int {
	n := 0
	for _, it := range items {
		if it.Err != nil {
			n++
		}
	}
	return n
}
