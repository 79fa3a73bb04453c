package models

import (
	"fmt"
	"time"
)

type ProxyProtocol string

const (
	ProtocolHTTP   ProxyProtocol = "http"
	ProtocolHTTPS  ProxyProtocol = "https"
	ProtocolSOCKS4 ProxyProtocol = "socks4"
	ProtocolSOCKS5 ProxyProtocol = "socks5"
)

func (p ProxyProtocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	}
	return false
}

type ProxyStatus string

const (
	StatusPending  ProxyStatus = "pending"
	StatusActive   ProxyStatus = "active"
	StatusInactive ProxyStatus = "inactive"
	StatusError    ProxyStatus = "error"
)

type Geolocation struct {
	Country string `bson:"country" json:"country"`
	City    string `bson:"city,omitempty" json:"city,omitempty"`
}

// Proxy is the registry record for a single upstream proxy. Passwords are
// never stored here; they live in the credential vault keyed by proxy id.
type Proxy struct {
	ID                  string        `bson:"_id" json:"id"`
	Host                string        `bson:"host" json:"host"`
	Port                int           `bson:"port" json:"port"`
	Protocol            ProxyProtocol `bson:"protocol" json:"protocol"`
	Username            string        `bson:"username,omitempty" json:"username,omitempty"`
	Status              ProxyStatus   `bson:"status" json:"status"`
	SuccessCount        int64         `bson:"success_count" json:"success_count"`
	FailureCount        int64         `bson:"failure_count" json:"failure_count"`
	ConsecutiveFailures int64         `bson:"consecutive_failures" json:"-"`
	AverageResponseTime float64       `bson:"average_response_time" json:"average_response_time"`
	AssignedProfiles    []string      `bson:"assigned_profiles" json:"assigned_profiles"`
	Geolocation         *Geolocation  `bson:"geolocation,omitempty" json:"geolocation,omitempty"`
	IP                  string        `bson:"ip,omitempty" json:"ip,omitempty"`
	LastError           string        `bson:"last_error,omitempty" json:"last_error,omitempty"`
	LastCheckedAt       *time.Time    `bson:"last_checked_at,omitempty" json:"last_checked_at,omitempty"`
	CreatedAt           time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time     `bson:"updated_at" json:"updated_at"`
}

func (p *Proxy) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL renders the proxy endpoint with optional credentials, suitable for
// http.ProxyURL.
func (p *Proxy) URL(password string) string {
	if p.Username != "" && password != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", p.Protocol, p.Username, password, p.Host, p.Port)
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s@%s:%d", p.Protocol, p.Username, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

func (p *Proxy) IsAssigned() bool {
	return len(p.AssignedProfiles) > 0
}

type ProxyFilters struct {
	Protocol ProxyProtocol
	Status   ProxyStatus
	Country  string
	Search   string
	SortBy   string
}

// RegistryStats aggregates pool-wide counts plus latency quantiles over the
// recent successful-probe window.
type RegistryStats struct {
	TotalProxies     int64            `json:"total_proxies"`
	ByStatus         map[string]int64 `json:"by_status"`
	ByProtocol       map[string]int64 `json:"by_protocol"`
	ByCountry        map[string]int64 `json:"by_country"`
	TotalAssignments int64            `json:"total_assignments"`
	LatencyMeanMS    float64          `json:"latency_mean_ms"`
	LatencyMedianMS  float64          `json:"latency_median_ms"`
	LatencyP95MS     float64          `json:"latency_p95_ms"`
	LatencySamples   int              `json:"latency_samples"`
}
