package services

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials are consumed by the gateway and never reach the backend.
// Hop-by-hop headers are dropped as any proxy must.
var strippedHeaders = []string{
	"X-API-Key",
	"Authorization",
	"X-PAYMENT",
	"X-ACCESS-PASS",
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type ProxyService struct {
	backend *url.URL
	client  *http.Client
}

func NewProxyService(backendURL string, timeout time.Duration) (*ProxyService, error) {
	backend, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if backend.Scheme == "" || backend.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q", backendURL)
	}
	return &ProxyService{
		backend: backend,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// ForwardRequest replays r against the backend under r's context.
func (p *ProxyService) ForwardRequest(r *http.Request) (*http.Response, error) {
	targetURL := *p.backend
	targetURL.Path = strings.TrimSuffix(targetURL.Path, "/") + r.URL.Path
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), r.Body)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}
	for _, h := range strippedHeaders {
		proxyReq.Header.Del(h)
	}

	proxyReq.Host = targetURL.Host

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (p *ProxyService) CopyResponse(w http.ResponseWriter, resp *http.Response) error {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)

	_, err := io.Copy(w, resp.Body)
	return err
}
