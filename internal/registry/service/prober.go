package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
)

// ProbeResult is the measurement from one successful round trip through a
// proxy.
type ProbeResult struct {
	LatencyMS   float64
	IP          string
	Geolocation *models.Geolocation
}

type Prober interface {
	Probe(ctx context.Context, proxy *models.Proxy, password string) (*ProbeResult, error)
}

// HTTPProber checks a proxy by issuing a single GET through it to an
// IP-echo endpoint. The detected exit IP is then resolved to a geolocation
// with a direct (non-proxied) lookup.
type HTTPProber struct {
	targetURL string
	geoURL    string
	timeout   time.Duration
	logger    logger.Logger
}

func NewHTTPProber(targetURL, geoURL string, timeout time.Duration, log logger.Logger) *HTTPProber {
	return &HTTPProber{
		targetURL: targetURL,
		geoURL:    geoURL,
		timeout:   timeout,
		logger:    log.WithField("component", "prober"),
	}
}

func (p *HTTPProber) Probe(ctx context.Context, proxy *models.Proxy, password string) (*ProbeResult, error) {
	proxyURL, err := url.Parse(proxy.URL(password))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	transport := &http.Transport{
		Proxy:             http.ProxyURL(proxyURL),
		DisableKeepAlives: true,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   p.timeout,
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bad probe request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, fmt.Errorf("probe target returned status %d", resp.StatusCode)
	}

	// api.ipify.org answers {"ip": ...}, httpbin answers {"origin": ...};
	// accept either so the target stays configurable.
	var echo struct {
		IP     string `json:"ip"`
		Origin string `json:"origin"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&echo); err != nil {
		p.logger.Debug("Probe target returned a non-JSON body",
			logger.Field{Key: "proxy_id", Value: proxy.ID},
		)
	}

	result := &ProbeResult{LatencyMS: latency, IP: echo.IP}
	if result.IP == "" {
		result.IP = echo.Origin
	}

	if result.IP != "" && p.geoURL != "" {
		result.Geolocation = p.lookupGeolocation(ctx, result.IP)
	}

	return result, nil
}

func (p *HTTPProber) lookupGeolocation(ctx context.Context, ip string) *models.Geolocation {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.geoURL+ip, nil)
	if err != nil {
		return nil
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.logger.Debug("Geolocation lookup failed",
			logger.Field{Key: "ip", Value: ip},
			logger.Field{Key: "error", Value: err.Error()},
		)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var payload struct {
		Status      string `json:"status"`
		CountryCode string `json:"countryCode"`
		City        string `json:"city"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil
	}
	if payload.Status == "fail" || payload.CountryCode == "" {
		return nil
	}

	return &models.Geolocation{Country: payload.CountryCode, City: payload.City}
}
