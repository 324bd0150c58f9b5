package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
	maxRedirects          = 10
)

type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

// HTTP lets contracts make requests to an allow-list of hosts.
type HTTP struct {
	cfg    HTTPConfig
	client *resty.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	h := &HTTP{cfg: cfg}
	h.client = resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(h.checkRedirect))
	return h
}

// checkRedirect keeps redirects inside the allow list.
func (h *HTTP) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("too many redirects")
	}
	if host := req.URL.Hostname(); !hostAllowed(h.cfg.AllowedHosts, host) {
		return fmt.Errorf("redirect to host not allowed: %s", host)
	}
	return nil
}

// Register adds http.request and http.get to r.
func (h *HTTP) Register(r *Registry) {
	r.Register("http.request", h.Request)
	r.Register("http.get", h.Get)
}

// Get is Request with the method forced to GET.
func (h *HTTP) Get(ctx context.Context, args map[string]any) (any, error) {
	req := make(map[string]any, len(args)+1)
	for k, v := range args {
		req[k] = v
	}
	req["method"] = "GET"
	return h.Request(ctx, req)
}

func (h *HTTP) Request(ctx context.Context, args map[string]any) (any, error) {
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	rawURL, ok := stringArg(args, "url", 0)
	if !ok || rawURL == "" {
		return nil, fmt.Errorf("url required")
	}
	parsed, err := h.checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	req := h.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if s, ok := args["body"].(string); ok && s != "" {
		if int64(len(s)) > h.cfg.MaxBodySize {
			return nil, fmt.Errorf("request body exceeds max size")
		}
		req.SetBody(s)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				req.SetHeader(k, vs)
			}
		}
	}

	resp, err := req.Execute(method, parsed.String())
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	respBody, err := io.ReadAll(io.LimitReader(raw, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := HTTPResponse{
		Status:  resp.StatusCode(),
		Body:    string(respBody),
		Headers: make(map[string]string, len(resp.Header())),
	}
	for k, v := range resp.Header() {
		if len(v) > 0 {
			out.Headers[k] = v[0]
		}
	}
	return out, nil
}

func (h *HTTP) checkURL(rawURL string) (*url.URL, error) {
	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, fmt.Errorf("url exceeds max length")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https")
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return nil, fmt.Errorf("http not enabled")
	}
	if host := parsed.Hostname(); !hostAllowed(h.cfg.AllowedHosts, host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}
	return parsed, nil
}

// hostAllowed matches a domain exactly or as a subdomain of an allowed
// name. IP addresses only match an equal allowed address.
func hostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	hostIP, ipErr := netip.ParseAddr(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.Trim(a, "[]"))
		if ipErr == nil {
			if ip, err := netip.ParseAddr(a); err == nil && ip == hostIP {
				return true
			}
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
