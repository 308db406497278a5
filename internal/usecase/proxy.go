package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/poiplane/poiplane/internal/adapter/observability"
	"github.com/poiplane/poiplane/internal/domain"
)

// Vendor info_code values the proxy emits on its own errors.
const (
	InfoCodeNoKey     = "1008611"
	InfoCodeTransport = "1008612"
)

// Vendor info substrings that trigger credential handling.
const (
	infoDailyOverLimit = "DAILY_QUERY_OVER_LIMIT"
	infoInvalidUserKey = "INVALID_USER_KEY"
)

// PlaceAPI is the raw upstream vendor transport: one GET, caller params
// already include the key.
type PlaceAPI interface {
	Get(ctx context.Context, endpoint string, params url.Values) (status int, body []byte, err error)
}

// KindForEndpoint maps an upstream endpoint path to its search kind.
func KindForEndpoint(endpoint string) (domain.SearchKind, bool) {
	switch strings.Trim(endpoint, "/") {
	case "v3/place/text":
		return domain.KindKeyword, true
	case "v3/place/around":
		return domain.KindAround, true
	case "v3/place/polygon":
		return domain.KindPolygon, true
	}
	return "", false
}

// ProxyResult is what the proxy surface writes back: either the upstream
// payload untouched or a vendor-style error envelope.
type ProxyResult struct {
	StatusCode int
	Body       []byte
}

type proxyEnvelope struct {
	Status   string `json:"status"`
	Info     string `json:"info"`
	InfoCode string `json:"info_code,omitempty"`
}

func envelope(status int, info, infoCode string) ProxyResult {
	b, _ := json.Marshal(proxyEnvelope{Status: "0", Info: info, InfoCode: infoCode})
	return ProxyResult{StatusCode: status, Body: b}
}

// jsonScalar decodes a JSON string or bare scalar into a Go string. The
// vendor is loose about quoting numeric fields.
type jsonScalar string

func (s *jsonScalar) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = jsonScalar(v)
		return nil
	}
	*s = jsonScalar(string(b))
	return nil
}

type vendorStatus struct {
	Infocode jsonScalar `json:"infocode"`
	Info     jsonScalar `json:"info"`
}

// ProxyService is the forwarder: resolve kind, acquire a key, call upstream,
// classify, account, and retry through the pool when a key dies mid-call.
type ProxyService struct {
	pool     domain.KeyPool
	creds    domain.CredentialRepository
	upstream PlaceAPI
}

// NewProxyService constructs the forwarder.
func NewProxyService(pool domain.KeyPool, creds domain.CredentialRepository, upstream PlaceAPI) *ProxyService {
	return &ProxyService{pool: pool, creds: creds, upstream: upstream}
}

// Forward issues one upstream call for endpoint with the caller's params.
// Retries after an exhausted or invalidated key are capped at the number of
// active credentials sampled at entry, so a misbehaving upstream cannot spin
// the loop; the loop also ends naturally when Acquire finds nothing.
func (s *ProxyService) Forward(ctx domain.Context, endpoint string, params url.Values) ProxyResult {
	tracer := otel.Tracer("usecase.proxy")
	ctx, span := tracer.Start(ctx, "proxy.Forward")
	defer span.End()
	span.SetAttributes(attribute.String("proxy.endpoint", endpoint))

	kind, ok := KindForEndpoint(endpoint)
	if !ok {
		return envelope(400, "Invalid endpoint", "")
	}
	span.SetAttributes(attribute.String("proxy.kind", string(kind)))

	maxAttempts := 1
	if n, err := s.creds.CountActive(ctx); err == nil && n > 1 {
		maxAttempts = n
	}

	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if attempt > 0 {
			observability.ProxyRetriesTotal.WithLabelValues(string(kind)).Inc()
		}

		cred, err := s.pool.Acquire(ctx, kind)
		if err != nil {
			if errors.Is(err, domain.ErrNoCredential) {
				return envelope(503, "No available API key for "+string(kind)+" search", InfoCodeNoKey)
			}
			slog.Error("credential acquire failed", slog.String("kind", string(kind)), slog.Any("error", err))
			return envelope(500, err.Error(), InfoCodeTransport)
		}

		callParams := url.Values{}
		for k, vs := range params {
			callParams[k] = vs
		}
		callParams.Set("key", cred.Key)

		start := time.Now()
		status, body, err := s.upstream.Get(ctx, endpoint, callParams)
		if err != nil {
			observability.ObserveUpstream(string(kind), "transport_error", time.Since(start))
			slog.Error("upstream call failed",
				slog.String("endpoint", endpoint),
				slog.String("key", cred.MaskedKey()),
				slog.Any("error", err))
			return envelope(500, err.Error(), InfoCodeTransport)
		}
		if status != 200 {
			// Pass the upstream body and status through untouched.
			observability.ObserveUpstream(string(kind), "http_error", time.Since(start))
			return ProxyResult{StatusCode: status, Body: body}
		}

		var vs vendorStatus
		if err := json.Unmarshal(body, &vs); err != nil {
			observability.ObserveUpstream(string(kind), "bad_payload", time.Since(start))
			return ProxyResult{StatusCode: 400, Body: body}
		}

		switch {
		case vs.Infocode == "10000":
			observability.ObserveUpstream(string(kind), "ok", time.Since(start))
			s.pool.IncrementUsage(ctx, cred.ID, kind)
			return ProxyResult{StatusCode: 200, Body: body}

		case strings.Contains(string(vs.Info), infoDailyOverLimit):
			observability.ObserveUpstream(string(kind), "daily_over_limit", time.Since(start))
			slog.Warn("upstream key over daily limit, retrying with another key",
				slog.String("kind", string(kind)),
				slog.String("key", cred.MaskedKey()))
			s.pool.MarkDailyExhausted(ctx, cred.ID, kind)
			continue

		case strings.Contains(string(vs.Info), infoInvalidUserKey):
			observability.ObserveUpstream(string(kind), "invalid_key", time.Since(start))
			slog.Warn("upstream rejected key, disabling and retrying",
				slog.String("kind", string(kind)),
				slog.String("key", cred.MaskedKey()),
				slog.String("info", string(vs.Info)))
			s.pool.Disable(ctx, cred.ID, string(vs.Info))
			continue

		default:
			observability.ObserveUpstream(string(kind), "vendor_error", time.Since(start))
			return ProxyResult{StatusCode: 400, Body: body}
		}
	}

	return envelope(503, "No available API key for "+string(kind)+" search", InfoCodeNoKey)
}
