package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/internal/registry/service"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
)

// fakeStore is a minimal in-memory ProxyStore for handler tests. Status
// transitions are driven directly so the HTTP layer can be exercised in
// isolation.
type fakeStore struct {
	mu      sync.Mutex
	proxies map[string]*models.Proxy
}

func newFakeStore() *fakeStore {
	return &fakeStore{proxies: map[string]*models.Proxy{}}
}

func (s *fakeStore) Create(_ context.Context, proxy *models.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		if p.Host == proxy.Host && p.Port == proxy.Port && p.Protocol == proxy.Protocol {
			return models.ErrDuplicateProxy
		}
	}
	clone := *proxy
	s.proxies[proxy.ID] = &clone
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *fakeStore) List(_ context.Context, _ models.ProxyFilters) ([]models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Proxy{}
	for _, p := range s.proxies {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, id string) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	delete(s.proxies, id)
	return p, nil
}

func (s *fakeStore) RecordProbeSuccess(_ context.Context, id string, latencyMS float64, ip string, geo *models.Geolocation) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	p.SuccessCount++
	p.AverageResponseTime = latencyMS
	p.Status = models.StatusActive
	p.IP = ip
	p.Geolocation = geo
	clone := *p
	return &clone, nil
}

func (s *fakeStore) RecordProbeFailure(_ context.Context, id string, probeErr string) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	p.FailureCount++
	p.Status = models.StatusError
	p.LastError = probeErr
	clone := *p
	return &clone, nil
}

func (s *fakeStore) AssignProfile(_ context.Context, profileID, proxyID string, exclusive bool) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[proxyID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if exclusive && len(p.AssignedProfiles) > 0 {
		return nil, models.ErrConflict
	}
	p.AssignedProfiles = append(p.AssignedProfiles, profileID)
	clone := *p
	return &clone, nil
}

func (s *fakeStore) UnassignProfile(_ context.Context, profileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		for i, pid := range p.AssignedProfiles {
			if pid == profileID {
				p.AssignedProfiles = append(p.AssignedProfiles[:i], p.AssignedProfiles[i+1:]...)
				return p.ID, nil
			}
		}
	}
	return "", nil
}

func (s *fakeStore) SelectCandidate(_ context.Context, _ string, _ bool) (*models.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		if p.Status == models.StatusActive {
			clone := *p
			return &clone, nil
		}
	}
	return nil, models.ErrNoAvailableProxy
}

func (s *fakeStore) Statistics(_ context.Context) (*models.RegistryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.RegistryStats{
		ByStatus:   map[string]int64{},
		ByProtocol: map[string]int64{},
		ByCountry:  map[string]int64{},
	}
	for _, p := range s.proxies {
		stats.TotalProxies++
		stats.ByStatus[string(p.Status)]++
	}
	return stats, nil
}

type noopCreds struct{}

func (noopCreds) Put(context.Context, string, string, string) error { return nil }
func (noopCreds) Get(context.Context, string) (string, string, error) {
	return "", "", errors.New("not found")
}
func (noopCreds) Delete(context.Context, string) error { return nil }

type scriptedProber struct {
	result *service.ProbeResult
	err    error
}

func (p *scriptedProber) Probe(context.Context, *models.Proxy, string) (*service.ProbeResult, error) {
	return p.result, p.err
}

type handlerFixture struct {
	router *gin.Engine
	store  *fakeStore
	prober *scriptedProber
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newFakeStore()
	prober := &scriptedProber{result: &service.ProbeResult{LatencyMS: 120, IP: "198.51.100.1"}}

	registry := service.NewRegistry(
		store, noopCreds{}, prober, nil, nil, nil,
		service.Config{AssignmentTTL: time.Hour, LatencyWindow: 16},
		logger.New("error", "text"),
	)

	router := gin.New()
	NewHTTPHandler(registry, logger.New("error", "text")).SetupRoutes(router, nil)

	return &handlerFixture{router: router, store: store, prober: prober}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (f *handlerFixture) createProxy(t *testing.T, host string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/proxies", map[string]interface{}{
		"host": host, "port": 8080, "protocol": "http",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody(t, rec)["id"].(string)
}

func TestHealthEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestCreateProxyEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/proxies", map[string]interface{}{
		"host": "10.0.0.1", "port": 3128, "protocol": "socks5", "password": "pw",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, "pending", body["status"])
	assert.NotContains(t, rec.Body.String(), "pw")
}

func TestCreateProxyValidationError(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/proxies", map[string]interface{}{
		"host": "10.0.0.1", "port": 99999,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "port", decodeBody(t, rec)["field"])
}

func TestCreateProxyDuplicate(t *testing.T) {
	f := newHandlerFixture(t)
	f.createProxy(t, "10.0.0.1")

	rec := f.do(t, http.MethodPost, "/api/proxies", map[string]interface{}{
		"host": "10.0.0.1", "port": 8080, "protocol": "http",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetProxyNotFound(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/proxies/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListProxiesEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.createProxy(t, "10.0.0.1")
	f.createProxy(t, "10.0.0.2")

	rec := f.do(t, http.MethodGet, "/api/proxies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["count"])
}

func TestCheckProxySuccess(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createProxy(t, "10.0.0.1")

	rec := f.do(t, http.MethodPost, "/api/proxies/"+id+"/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "198.51.100.1", body["ip"])
}

func TestCheckProxyFailureReturnsBadGatewayWithRecord(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createProxy(t, "10.0.0.1")
	f.prober.result = nil
	f.prober.err = fmt.Errorf("connection refused")

	rec := f.do(t, http.MethodPost, "/api/proxies/"+id+"/check", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "connection refused")

	proxy, ok := body["proxy"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "error", proxy["status"])
	assert.EqualValues(t, 1, proxy["failure_count"])
}

func TestValidateProxyEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/proxies/validate", map[string]interface{}{
		"host": "10.0.0.9", "port": 8080,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.EqualValues(t, 120, body["latency_ms"])
}

func TestAssignAndUnassignEndpoints(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createProxy(t, "10.0.0.1")

	rec := f.do(t, http.MethodPost, "/api/proxies/"+id+"/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/proxies/assign?profile_id=profile-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "profile-1", body["profile_id"])
	assert.Equal(t, id, body["proxy"].(map[string]interface{})["id"])

	rec = f.do(t, http.MethodPost, "/api/proxies/unassign?profile_id=profile-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, id, body["proxy_id"])
	assert.Equal(t, true, body["released"])

	// A second release is a no-op.
	rec = f.do(t, http.MethodPost, "/api/proxies/unassign?profile_id=profile-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["released"])
}

func TestAssignMissingProfileID(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/proxies/assign", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignNoAvailableProxyEchoesCriteria(t *testing.T) {
	f := newHandlerFixture(t)
	f.createProxy(t, "10.0.0.1") // pending, not eligible

	rec := f.do(t, http.MethodPost, "/api/proxies/assign?profile_id=profile-1&country=US&exclusive=true", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "no available proxy")
	assert.Equal(t, "US", body["country"])
	assert.Equal(t, true, body["exclusive"])
}

func TestDeleteProxyEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	id := f.createProxy(t, "10.0.0.1")

	rec := f.do(t, http.MethodDelete, "/api/proxies/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/proxies/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatisticsEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.createProxy(t, "10.0.0.1")

	rec := f.do(t, http.MethodGet, "/api/proxies/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["total_proxies"])
	assert.EqualValues(t, 1, body["by_status"].(map[string]interface{})["pending"])
}
