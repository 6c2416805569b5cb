package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint/api/schemas"
)

// Source yields historical operations.
type Source interface {
	LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error)
}

// MultiSource merges several sources, in order, dropping repeated operation ids.
// A failing source is logged and skipped; an error is returned only when every
// source failed.
type MultiSource struct {
	sources []Source
	logger  *zap.Logger
}

// NewMultiSource composes the given sources. Nil sources are ignored.
func NewMultiSource(logger *zap.Logger, sources ...Source) *MultiSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	ms := &MultiSource{logger: logger.Named("history")}
	for _, s := range sources {
		if s != nil {
			ms.sources = append(ms.sources, s)
		}
	}
	return ms
}

// LocateOperations implements Source.
func (ms *MultiSource) LocateOperations(ctx context.Context) ([]schemas.OperationRecord, error) {
	var (
		out  []schemas.OperationRecord
		errs []error
		seen = map[string]bool{}
	)
	for i, s := range ms.sources {
		ops, err := s.LocateOperations(ctx)
		if err != nil {
			ms.logger.Debug("History source failed.", zap.Int("source", i), zap.Error(err))
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		for _, op := range ops {
			if op.ID != "" && seen[op.ID] {
				continue
			}
			seen[op.ID] = true
			out = append(out, op)
		}
	}
	if len(ms.sources) > 0 && len(errs) == len(ms.sources) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
