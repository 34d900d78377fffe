package engine

import (
	"time"

	"chansync/internal"
)

// DecideFreshness picks how a load is served. An absent snapshot is never reused; forced and
// expired loads go to the network; a post reparse request is served from the store.
func DecideFreshness(policy internal.CacheUpdatePolicy, opts internal.LoadOptions, exists bool, updatedAt, now time.Time) internal.CacheFreshnessDecision {
	if !exists {
		return internal.DecisionRefreshFromNetwork
	}

	switch policy.Kind {
	case internal.PolicyForceUpdate:
		return internal.DecisionRefreshFromNetwork
	case internal.PolicyUpdateIfStale:
		if now.Sub(updatedAt) > policy.MaxAge {
			return internal.DecisionRefreshFromNetwork
		}
	}

	if opts.ForcesReparse() {
		return internal.DecisionRefreshFromStore
	}
	return internal.DecisionReuse
}
