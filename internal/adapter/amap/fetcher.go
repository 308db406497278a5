package amap

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/poiplane/poiplane/internal/domain"
)

// PageFetcher fetches polygon-search pages through the control plane's own
// proxy surface, so every crawl call shares the credential pool, accounting
// and retry behavior with external proxy users.
type PageFetcher struct {
	proxyBase string
	http      *http.Client
}

// NewPageFetcher constructs a fetcher against proxyBase, e.g.
// http://localhost:8080/amap.
func NewPageFetcher(proxyBase string, timeout time.Duration) *PageFetcher {
	return &PageFetcher{
		proxyBase: strings.TrimRight(proxyBase, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// FetchPage requests one polygon-search page. Non-200 proxy responses come
// back as *domain.UpstreamError carrying the envelope so the engine can tell
// pool exhaustion from other failures.
func (f *PageFetcher) FetchPage(ctx domain.Context, q domain.PlaceQuery) (domain.PlacePage, error) {
	params := url.Values{}
	params.Set("polygon", q.Polygon)
	params.Set("types", q.Types)
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("offset", strconv.Itoa(q.Offset))
	params.Set("extensions", "all")

	u := f.proxyBase + "/v3/place/polygon?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.PlacePage{}, fmt.Errorf("op=amap.fetch_page: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return domain.PlacePage{}, fmt.Errorf("op=amap.fetch_page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.PlacePage{}, fmt.Errorf("op=amap.fetch_page: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb proxyErrorBody
		_ = json.Unmarshal(body, &eb)
		return domain.PlacePage{}, &domain.UpstreamError{
			StatusCode: resp.StatusCode,
			Info:       string(eb.Info),
			InfoCode:   string(eb.InfoCode),
		}
	}

	var page vendorPage
	if err := json.Unmarshal(body, &page); err != nil {
		return domain.PlacePage{}, fmt.Errorf("op=amap.fetch_page: decode: %w", err)
	}
	out := domain.PlacePage{Count: int(page.Count), POIs: make([]domain.POI, 0, len(page.POIs))}
	for _, p := range page.POIs {
		out.POIs = append(out.POIs, p.toDomain())
	}
	return out, nil
}
