package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marektomas-cz/script-executor/pkg/contracts"
)

// Outbound HTTP on behalf of a script. Every target — the original URL and
// each redirect hop — is resolved and checked against the private address
// space before a connection is made.

// Response headers worth exposing to scripts. Everything else is dropped.
var allowedRespHeaders = []string{
	"Content-Type", "Content-Length", "Date", "Etag",
	"Cache-Control", "Last-Modified", "Location",
}

var metadataIP = net.ParseIP("169.254.169.254")

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.Equal(metadataIP)
}

// guardURL admits only public http(s) targets. Hostnames are resolved and
// every returned address must be public; a single private record rejects
// the whole target.
func (b *Broker) guardURL(ctx context.Context, u *url.URL) *contracts.Error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return contracts.Forbidden("scheme %q is not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return contracts.Validation("url has no host")
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return contracts.Forbidden("private address")
		}
		return nil
	}
	ips, err := b.lookupIP(ctx, host)
	if err != nil {
		return contracts.Validation("cannot resolve %q: %v", host, err)
	}
	if len(ips) == 0 {
		return contracts.Validation("cannot resolve %q", host)
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return contracts.Forbidden("private address")
		}
	}
	return nil
}

// checkRedirect enforces the hop limit and re-guards every redirect
// target. Installed once on the broker's client.
func (b *Broker) checkRedirect(req *http.Request, via []*http.Request) error {
	max := b.cfg.Callback.MaxRedirects
	if max <= 0 {
		max = 3
	}
	if len(via) >= max {
		return fmt.Errorf("stopped after %d redirects", max)
	}
	if cerr := b.guardURL(req.Context(), req.URL); cerr != nil {
		return cerr
	}
	return nil
}

func (b *Broker) httpMethod(method string) func(ctx context.Context, c *call) (any, *contracts.Error) {
	return func(ctx context.Context, c *call) (any, *contracts.Error) {
		return b.httpCall(ctx, c, method)
	}
}

func (b *Broker) httpCall(ctx context.Context, c *call, method string) (any, *contracts.Error) {
	rawURL := c.params["url"].(string)
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, contracts.Validation("invalid url: %v", err)
	}
	if cerr := b.guardURL(ctx, target); cerr != nil {
		if cerr.Kind == contracts.KindForbidden {
			b.flag(ctx, c.log.ID, "http", "private_address")
		}
		return nil, cerr
	}

	timeout := time.Duration(b.cfg.Callback.HTTPTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if raw, ok := c.params["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, contracts.Validation("build request: %v", err)
	}
	if headers, ok := c.params["headers"].(map[string]any); ok {
		for name, v := range headers {
			if strings.EqualFold(name, "host") {
				continue
			}
			if value, ok := v.(string); ok {
				req.Header.Set(name, value)
			}
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		var cerr *contracts.Error
		if errors.As(err, &cerr) && cerr.Kind == contracts.KindForbidden {
			b.flag(ctx, c.log.ID, "http", "private_address")
			return nil, cerr
		}
		return nil, contracts.E(contracts.KindExecutionFailed, "request failed: %v", err)
	}
	defer resp.Body.Close()

	maxBody := int64(b.cfg.Callback.MaxBodyMB) << 20
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, contracts.E(contracts.KindExecutionFailed, "read response: %v", err)
	}
	truncated := int64(len(data)) > maxBody
	if truncated {
		data = data[:maxBody]
	}

	headers := map[string]string{}
	for _, name := range allowedRespHeaders {
		if v := resp.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	return map[string]any{
		"status":    resp.StatusCode,
		"headers":   headers,
		"body":      string(data),
		"truncated": truncated,
	}, nil
}
