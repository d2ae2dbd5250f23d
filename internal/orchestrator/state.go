package orchestrator

import "github.com/atmx/wreckage-engine/internal/model"

// transitions lists the allowed status changes. Tiers only move forward:
// MATCHED may advance to ROUTED or FALLBACK, ROUTED only to FALLBACK. A
// FAILED_RETRYABLE event re-enters at FALLBACK, the tier that failed.
var transitions = map[model.EventStatus][]model.EventStatus{
	model.StatusPending: {
		model.StatusMatched, model.StatusRouted, model.StatusFallback,
		model.StatusFailedRetryable, model.StatusRejected,
	},
	model.StatusMatched: {
		model.StatusRouted, model.StatusFallback, model.StatusSettled,
		model.StatusFailedRetryable, model.StatusRejected,
	},
	model.StatusRouted: {
		model.StatusFallback, model.StatusSettled,
		model.StatusFailedRetryable, model.StatusRejected,
	},
	model.StatusFallback: {
		model.StatusSettled, model.StatusFailedRetryable, model.StatusRejected,
	},
	model.StatusFailedRetryable: {
		model.StatusFallback, model.StatusRejected,
	},
}

// CanTransition reports whether an event may move from one status to another.
func CanTransition(from, to model.EventStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
