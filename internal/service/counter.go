package service

import (
	"context"
	"strconv"
	"strings"

	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
)

const tokenLatest = "latest"

// CounterResolver turns a counter token into a concrete pipeline counter.
type CounterResolver struct {
	store database.RunStateStore
}

func NewCounterResolver(store database.RunStateStore) *CounterResolver {
	return &CounterResolver{
		store: store,
	}
}

// IsSymbolic reports whether token names a counter indirectly.
func IsSymbolic(token string) bool {
	return strings.EqualFold(strings.TrimSpace(token), tokenLatest)
}

// Resolve returns the counter token refers to. Malformed tokens fail with
// KindInvalidToken, counters without a run with KindNotFound.
func (c *CounterResolver) Resolve(ctx context.Context, pipelineName, token string) (int64, error) {
	if IsSymbolic(token) {
		latest, err := c.store.LatestPipelineCounter(ctx, pipelineName)
		if err != nil {
			return 0, err
		}
		if latest == 0 {
			return 0, errors.Newf(errors.KindNotFound, "pipeline '%s' has never run", pipelineName)
		}
		return latest, nil
	}

	counter, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, errors.Newf(errors.KindInvalidToken, "Received non-numeric pipeline counter '%s'.", token)
	}
	if counter <= 0 {
		return 0, errors.Newf(errors.KindInvalidToken, "Received non-positive pipeline counter '%s'.", token)
	}

	plr, err := c.store.GetPipelineRun(ctx, pipelineName, counter)
	if err != nil {
		return 0, err
	}
	if plr == nil {
		return 0, errors.Newf(errors.KindNotFound, "pipeline run '%s/%d' not found", pipelineName, counter)
	}
	return counter, nil
}
