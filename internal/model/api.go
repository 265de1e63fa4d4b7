package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateFormURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// IsPrivateIP reports whether ip falls in a loopback, link-local, or private range.
func IsPrivateIP(ip net.IP) bool {
	for _, r := range privateIPRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateFormURL ensures a form URL is a safe, publicly-routable http/https URL.
// Rejects other schemes, credentials embedded in the URL, and localhost or
// private address literals.
func ValidateFormURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return nil, fmt.Errorf("url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
		return nil, fmt.Errorf("url must not point to a private or loopback address")
	}
	return u, nil
}

// ErrorKind classifies an API failure. Every error response carries one.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindRateLimited    ErrorKind = "rate_limited"
	KindUpstream       ErrorKind = "upstream"
	KindStorage        ErrorKind = "storage"
	KindUnavailable    ErrorKind = "unavailable"
)

// APIError is the error envelope shared by every handler.
type APIError struct {
	Error     string    `json:"error"`
	Kind      ErrorKind `json:"kind"`
	RequestID string    `json:"requestId,omitempty"`
}

// SuccessResponse is returned by write endpoints that have no resource to echo.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// TopUpRequest is the request body for POST /api/budget/checkout. Each unit
// of Quantity credits the configured top-up amount.
type TopUpRequest struct {
	Quantity   int64  `json:"quantity"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// TopUpResponse carries the hosted checkout page to redirect the user to.
type TopUpResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

// ValidateTopUpRequest checks quantity bounds and that both redirect URLs
// are absolute http(s) URLs.
func ValidateTopUpRequest(req TopUpRequest) error {
	if req.Quantity < 1 || req.Quantity > MaxTopUpQuantity {
		return fmt.Errorf("quantity must be between 1 and %d", MaxTopUpQuantity)
	}
	for name, raw := range map[string]string{"successUrl": req.SuccessURL, "cancelUrl": req.CancelURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL", name)
		}
	}
	return nil
}

// MaxTopUpQuantity caps a single checkout.
const MaxTopUpQuantity = 100

// FormRequest is the request body for POST /api/form.
type FormRequest struct {
	URL string `json:"url"`
}

// FormResponse is the response for POST /api/form.
type FormResponse struct {
	HTML string `json:"html"`
}

// SiteInfo is the response for GET /api/site.
type SiteInfo struct {
	SiteURL      string `json:"siteUrl"`
	AppURL       string `json:"appUrl"`
	ContactEmail string `json:"contactEmail"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
