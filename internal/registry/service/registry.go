package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/pkg/cache"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
	"github.com/kaunda-a/nyx-registry/pkg/messaging"
)

// ProxyStore is the persistence surface the registry needs. The Mongo
// implementation lives in internal/registry/repository.
type ProxyStore interface {
	Create(ctx context.Context, proxy *models.Proxy) error
	GetByID(ctx context.Context, id string) (*models.Proxy, error)
	List(ctx context.Context, filters models.ProxyFilters) ([]models.Proxy, error)
	Delete(ctx context.Context, id string) (*models.Proxy, error)
	RecordProbeSuccess(ctx context.Context, id string, latencyMS float64, ip string, geo *models.Geolocation) (*models.Proxy, error)
	RecordProbeFailure(ctx context.Context, id string, probeErr string) (*models.Proxy, error)
	AssignProfile(ctx context.Context, profileID, proxyID string, exclusive bool) (*models.Proxy, error)
	UnassignProfile(ctx context.Context, profileID string) (string, error)
	SelectCandidate(ctx context.Context, country string, unassignedOnly bool) (*models.Proxy, error)
	Statistics(ctx context.Context) (*models.RegistryStats, error)
}

// CredentialStore keeps proxy passwords out of the registry records.
type CredentialStore interface {
	Put(ctx context.Context, proxyID, username, password string) error
	Get(ctx context.Context, proxyID string) (username, password string, err error)
	Delete(ctx context.Context, proxyID string) error
}

// AssignmentCache mirrors profile -> proxy bindings for fast lookups.
// Implemented by pkg/cache.RedisCache.
type AssignmentCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Config struct {
	AssignmentTTL time.Duration
	LatencyWindow int
}

// Registry owns the proxy pool: registration, health bookkeeping and
// profile assignment. All status changes flow through health checks; the
// write path never sets a status directly.
type Registry struct {
	store         ProxyStore
	creds         CredentialStore
	prober        Prober
	cache         AssignmentCache
	events        messaging.Publisher
	alerter       *Alerter
	latencies     *latencyWindow
	assignmentTTL time.Duration
	logger        logger.Logger
}

func NewRegistry(
	store ProxyStore,
	creds CredentialStore,
	prober Prober,
	assignments AssignmentCache,
	events messaging.Publisher,
	alerter *Alerter,
	cfg Config,
	log logger.Logger,
) *Registry {
	if cfg.AssignmentTTL <= 0 {
		cfg.AssignmentTTL = time.Hour
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 256
	}

	return &Registry{
		store:         store,
		creds:         creds,
		prober:        prober,
		cache:         assignments,
		events:        events,
		alerter:       alerter,
		latencies:     newLatencyWindow(cfg.LatencyWindow),
		assignmentTTL: cfg.AssignmentTTL,
		logger:        log.WithField("component", "registry"),
	}
}

type CreateInput struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password"`
	ProxyURL string `json:"proxy_url"`
	Verify   bool   `json:"verify"`
}

// resolve folds an optional proxy_url into the discrete fields and
// validates the result.
func (in *CreateInput) resolve() (*models.ProxyEndpoint, error) {
	endpoint := &models.ProxyEndpoint{
		Host:     strings.TrimSpace(in.Host),
		Port:     in.Port,
		Protocol: models.ProxyProtocol(strings.ToLower(strings.TrimSpace(in.Protocol))),
		Username: in.Username,
		Password: in.Password,
	}

	if in.ProxyURL != "" {
		parsed, err := models.ParseProxyURL(in.ProxyURL)
		if err != nil {
			return nil, err
		}
		if endpoint.Host == "" {
			endpoint.Host = parsed.Host
			endpoint.Port = parsed.Port
		}
		if endpoint.Protocol == "" {
			endpoint.Protocol = parsed.Protocol
		}
		if endpoint.Username == "" {
			endpoint.Username = parsed.Username
			endpoint.Password = parsed.Password
		}
	}

	if endpoint.Protocol == "" {
		endpoint.Protocol = models.ProtocolHTTP
	}
	if !endpoint.Protocol.Valid() {
		return nil, models.NewValidationError("protocol", "must be one of http, https, socks4, socks5")
	}
	if endpoint.Host == "" {
		return nil, models.NewValidationError("host", "must not be empty")
	}
	if endpoint.Port < 1 || endpoint.Port > 65535 {
		return nil, models.NewValidationError("port", "must be between 1 and 65535")
	}

	return endpoint, nil
}

// Create registers a proxy. The record starts as pending with zeroed
// counters; only a health check can promote it. The password, if any, goes
// to the credential store and never onto the record.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*models.Proxy, error) {
	endpoint, err := in.resolve()
	if err != nil {
		return nil, err
	}

	proxy := &models.Proxy{
		ID:               uuid.NewString(),
		Host:             endpoint.Host,
		Port:             endpoint.Port,
		Protocol:         endpoint.Protocol,
		Username:         endpoint.Username,
		Status:           models.StatusPending,
		AssignedProfiles: []string{},
	}

	if endpoint.Password != "" {
		if err := r.creds.Put(ctx, proxy.ID, endpoint.Username, endpoint.Password); err != nil {
			return nil, fmt.Errorf("failed to store credentials: %w", err)
		}
	}

	if err := r.store.Create(ctx, proxy); err != nil {
		if endpoint.Password != "" {
			if derr := r.creds.Delete(ctx, proxy.ID); derr != nil {
				r.logger.Warn("Failed to roll back orphaned credential",
					logger.Field{Key: "proxy_id", Value: proxy.ID},
					logger.Field{Key: "error", Value: derr.Error()},
				)
			}
		}
		return nil, err
	}

	RecordProxyCreated()
	r.publish("proxy.created", map[string]interface{}{
		"proxy_id": proxy.ID,
		"address":  proxy.Address(),
		"protocol": proxy.Protocol,
	})

	if in.Verify {
		if checked, _ := r.CheckHealth(ctx, proxy.ID); checked != nil {
			return checked, nil
		}
	}

	return proxy, nil
}

func (r *Registry) List(ctx context.Context, filters models.ProxyFilters) ([]models.Proxy, error) {
	return r.store.List(ctx, filters)
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Proxy, error) {
	return r.store.GetByID(ctx, id)
}

// Delete removes the proxy along with its credential and any cached
// assignments. Profiles that held it simply lose the binding; there is
// nothing to dangle because bindings live on the proxy document.
func (r *Registry) Delete(ctx context.Context, id string) error {
	deleted, err := r.store.Delete(ctx, id)
	if err != nil {
		return err
	}

	if err := r.creds.Delete(ctx, id); err != nil {
		r.logger.Warn("Failed to delete credential",
			logger.Field{Key: "proxy_id", Value: id},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}

	if r.cache != nil && len(deleted.AssignedProfiles) > 0 {
		keys := make([]string, 0, len(deleted.AssignedProfiles))
		for _, profileID := range deleted.AssignedProfiles {
			keys = append(keys, assignmentKey(profileID))
		}
		if err := r.cache.Delete(ctx, keys...); err != nil {
			r.logger.Warn("Failed to invalidate assignment cache",
				logger.Field{Key: "proxy_id", Value: id},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	RecordProxyDeleted()
	r.publish("proxy.deleted", map[string]interface{}{
		"proxy_id":          id,
		"released_profiles": deleted.AssignedProfiles,
	})
	return nil
}

// CheckHealth probes the proxy and records the outcome. A failed probe is
// still a completed check: the failure lands on the record first, and the
// updated record is returned alongside the ProbeError.
func (r *Registry) CheckHealth(ctx context.Context, id string) (*models.Proxy, error) {
	proxy, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	password := ""
	if _, pw, err := r.creds.Get(ctx, id); err == nil {
		password = pw
	}

	result, probeErr := r.prober.Probe(ctx, proxy, password)
	if probeErr != nil {
		updated, err := r.store.RecordProbeFailure(ctx, id, probeErr.Error())
		if err != nil {
			return nil, err
		}

		RecordHealthCheck(false, 0)
		r.logger.Warn("Health check failed",
			logger.Field{Key: "proxy_id", Value: id},
			logger.Field{Key: "status", Value: updated.Status},
			logger.Field{Key: "error", Value: probeErr.Error()},
		)

		if updated.Status == models.StatusError && proxy.Status != models.StatusError {
			RecordDegradation()
			r.alerter.ProxyDegraded(ctx, updated)
			r.publish("proxy.degraded", map[string]interface{}{
				"proxy_id":   updated.ID,
				"address":    updated.Address(),
				"last_error": updated.LastError,
			})
		}

		return updated, &models.ProbeError{Err: probeErr}
	}

	updated, err := r.store.RecordProbeSuccess(ctx, id, result.LatencyMS, result.IP, result.Geolocation)
	if err != nil {
		return nil, err
	}

	r.latencies.Add(result.LatencyMS)
	RecordHealthCheck(true, result.LatencyMS)
	r.logger.Debug("Health check succeeded",
		logger.Field{Key: "proxy_id", Value: id},
		logger.Field{Key: "latency_ms", Value: result.LatencyMS},
	)

	return updated, nil
}

type ValidationResult struct {
	Valid       bool                `json:"valid"`
	Message     string              `json:"message"`
	LatencyMS   float64             `json:"latency_ms,omitempty"`
	IP          string              `json:"ip,omitempty"`
	Geolocation *models.Geolocation `json:"geolocation,omitempty"`
}

// Validate probes a proxy configuration without persisting anything.
func (r *Registry) Validate(ctx context.Context, in CreateInput) (*ValidationResult, error) {
	endpoint, err := in.resolve()
	if err != nil {
		return nil, err
	}

	candidate := &models.Proxy{
		Host:     endpoint.Host,
		Port:     endpoint.Port,
		Protocol: endpoint.Protocol,
		Username: endpoint.Username,
	}

	result, probeErr := r.prober.Probe(ctx, candidate, endpoint.Password)
	if probeErr != nil {
		return &ValidationResult{Valid: false, Message: probeErr.Error()}, nil
	}

	return &ValidationResult{
		Valid:       true,
		Message:     "proxy is reachable",
		LatencyMS:   result.LatencyMS,
		IP:          result.IP,
		Geolocation: result.Geolocation,
	}, nil
}

// Assign binds a profile to a proxy. With an explicit proxyID the call is a
// direct assignment; without one the least-loaded active proxy matching the
// country filter wins. Reassigning moves the profile: the one-proxy-per-
// profile rule is enforced inside the store transaction.
func (r *Registry) Assign(ctx context.Context, profileID, proxyID, country string, exclusive bool) (*models.Proxy, error) {
	if strings.TrimSpace(profileID) == "" {
		return nil, models.NewValidationError("profile_id", "must not be empty")
	}

	auto := proxyID == ""
	if auto {
		if current := r.cachedAssignment(ctx, profileID, country); current != nil {
			return current, nil
		}

		candidate, err := r.store.SelectCandidate(ctx, country, exclusive)
		if err != nil {
			return nil, err
		}
		proxyID = candidate.ID
	}

	assigned, err := r.store.AssignProfile(ctx, profileID, proxyID, exclusive)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, assignmentKey(profileID), assigned.ID, r.assignmentTTL); err != nil {
			r.logger.Warn("Failed to cache assignment",
				logger.Field{Key: "profile_id", Value: profileID},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	RecordAssignment(auto)
	r.publish("proxy.assigned", map[string]interface{}{
		"proxy_id":   assigned.ID,
		"profile_id": profileID,
		"auto":       auto,
	})
	return assigned, nil
}

// cachedAssignment short-circuits an auto-assign when the profile already
// holds a live, still-matching proxy.
func (r *Registry) cachedAssignment(ctx context.Context, profileID, country string) *models.Proxy {
	if r.cache == nil {
		return nil
	}

	proxyID, err := r.cache.Get(ctx, assignmentKey(profileID))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn("Assignment cache lookup failed",
				logger.Field{Key: "profile_id", Value: profileID},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
		return nil
	}

	proxy, err := r.store.GetByID(ctx, proxyID)
	if err != nil {
		return nil
	}
	if proxy.Status != models.StatusActive {
		return nil
	}
	if country != "" && (proxy.Geolocation == nil || proxy.Geolocation.Country != country) {
		return nil
	}
	for _, pid := range proxy.AssignedProfiles {
		if pid == profileID {
			return proxy
		}
	}
	return nil
}

// Unassign releases the profile's proxy. Unassigning a profile that holds
// nothing is a no-op; the returned proxy id is empty in that case.
func (r *Registry) Unassign(ctx context.Context, profileID string) (string, error) {
	if strings.TrimSpace(profileID) == "" {
		return "", models.NewValidationError("profile_id", "must not be empty")
	}

	proxyID, err := r.store.UnassignProfile(ctx, profileID)
	if err != nil {
		return "", err
	}

	if r.cache != nil {
		if err := r.cache.Delete(ctx, assignmentKey(profileID)); err != nil {
			r.logger.Warn("Failed to invalidate assignment cache",
				logger.Field{Key: "profile_id", Value: profileID},
				logger.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	if proxyID != "" {
		RecordUnassignment()
		r.publish("proxy.unassigned", map[string]interface{}{
			"proxy_id":   proxyID,
			"profile_id": profileID,
		})
	}
	return proxyID, nil
}

func (r *Registry) Statistics(ctx context.Context) (*models.RegistryStats, error) {
	stats, err := r.store.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	summary := r.latencies.Summary()
	stats.LatencyMeanMS = summary.Mean
	stats.LatencyMedianMS = summary.Median
	stats.LatencyP95MS = summary.P95
	stats.LatencySamples = summary.Samples
	return stats, nil
}

// Seed registers the proxies listed in the seed file, skipping any already
// present.
func (r *Registry) Seed(ctx context.Context, path string) error {
	entries, err := LoadSeedFile(path)
	if err != nil {
		return err
	}

	created := 0
	for _, entry := range entries {
		_, err := r.Create(ctx, CreateInput{
			Host:     entry.Host,
			Port:     entry.Port,
			Protocol: entry.Protocol,
			Username: entry.Username,
			Password: entry.Password,
			ProxyURL: entry.URL,
		})
		if err != nil {
			if errors.Is(err, models.ErrDuplicateProxy) {
				continue
			}
			return fmt.Errorf("failed to seed proxy %s:%d: %w", entry.Host, entry.Port, err)
		}
		created++
	}

	r.logger.Info("Seeded proxies",
		logger.Field{Key: "path", Value: path},
		logger.Field{Key: "created", Value: created},
		logger.Field{Key: "total", Value: len(entries)},
	)
	return nil
}

func (r *Registry) publish(routingKey string, payload interface{}) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(messaging.EventsExchange, routingKey, messaging.NewMessage(routingKey, payload)); err != nil {
		r.logger.Warn("Failed to publish event",
			logger.Field{Key: "routing_key", Value: routingKey},
			logger.Field{Key: "error", Value: err.Error()},
		)
	}
}

func assignmentKey(profileID string) string {
	return fmt.Sprintf("proxy:profile:%s", profileID)
}
