package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaunda-a/nyx-registry/internal/registry/models"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
)

// proxyFixture runs an httptest server that behaves like a plain HTTP
// forward proxy: it receives absolute-form requests and answers in place of
// the target.
func proxyFixture(t *testing.T, handler http.HandlerFunc) *models.Proxy {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	return &models.Proxy{
		ID:       "test-proxy",
		Host:     parsed.Hostname(),
		Port:     port,
		Protocol: models.ProtocolHTTP,
	}
}

func TestHTTPProberProbe(t *testing.T) {
	proxy := proxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		// A proxied request arrives in absolute form.
		assert.Equal(t, "echo.example", r.URL.Host)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ip":"203.0.113.5"}`)
	})

	geoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/203.0.113.5", r.URL.Path)
		fmt.Fprint(w, `{"status":"success","countryCode":"US","city":"Ashburn"}`)
	}))
	defer geoServer.Close()

	prober := NewHTTPProber("http://echo.example/ip", geoServer.URL+"/", 5*time.Second, logger.New("error", "text"))

	result, err := prober.Probe(context.Background(), proxy, "")
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.5", result.IP)
	assert.Greater(t, result.LatencyMS, 0.0)
	require.NotNil(t, result.Geolocation)
	assert.Equal(t, "US", result.Geolocation.Country)
	assert.Equal(t, "Ashburn", result.Geolocation.City)
}

func TestHTTPProberAcceptsOriginEcho(t *testing.T) {
	proxy := proxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"origin":"198.51.100.20"}`)
	})

	prober := NewHTTPProber("http://echo.example/ip", "", 5*time.Second, logger.New("error", "text"))

	result, err := prober.Probe(context.Background(), proxy, "")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.20", result.IP)
	assert.Nil(t, result.Geolocation)
}

func TestHTTPProberBadStatus(t *testing.T) {
	proxy := proxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	prober := NewHTTPProber("http://echo.example/ip", "", 5*time.Second, logger.New("error", "text"))

	_, err := prober.Probe(context.Background(), proxy, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPProberUnreachableProxy(t *testing.T) {
	// Grab a port that nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	proxy := &models.Proxy{
		ID:       "dead-proxy",
		Host:     "127.0.0.1",
		Port:     port,
		Protocol: models.ProtocolHTTP,
	}

	prober := NewHTTPProber("http://echo.example/ip", "", time.Second, logger.New("error", "text"))

	_, err = prober.Probe(context.Background(), proxy, "")
	require.Error(t, err)
}

func TestHTTPProberGeoLookupFailureIsNotFatal(t *testing.T) {
	proxy := proxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ip":"203.0.113.5"}`)
	})

	geoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"fail"}`)
	}))
	defer geoServer.Close()

	prober := NewHTTPProber("http://echo.example/ip", geoServer.URL+"/", 5*time.Second, logger.New("error", "text"))

	result, err := prober.Probe(context.Background(), proxy, "")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", result.IP)
	assert.Nil(t, result.Geolocation)
}
