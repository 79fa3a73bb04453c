package service

import "github.com/kaunda-a/nyx-registry/internal/registry/models"

// nextStatus is the single source of truth for health-driven status
// transitions. consecutiveFailures counts the streak including the outcome
// being applied.
//
// The production transition runs server-side: repository.RecordProbeSuccess
// ($cond on status) and repository.RecordProbeFailure ($switch on status and
// streak) encode this exact table in their update pipelines. Any edit here
// must be mirrored there, and vice versa; TestNextStatus and the probe
// integration tests pin the two together.
//
// inactive is sticky: only an administrative action leaves it, never a
// health check.
func nextStatus(current models.ProxyStatus, success bool, consecutiveFailures, threshold int64) models.ProxyStatus {
	if current == models.StatusInactive {
		return models.StatusInactive
	}

	if success {
		return models.StatusActive
	}

	switch current {
	case models.StatusPending:
		return models.StatusError
	case models.StatusError:
		return models.StatusError
	default:
		if consecutiveFailures >= threshold {
			return models.StatusError
		}
		return current
	}
}
