package forward

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"
	xproxy "golang.org/x/net/proxy"
)

// transportKey identifies one cached outbound configuration.
type transportKey struct {
	proxyURL string
	http2    bool
}

// transports caches one http.Transport per (proxy, http2) pair so connection
// pools survive across requests and across providers sharing a route.
type transports struct {
	resolver *dnscache.Resolver

	mu    sync.Mutex
	cache map[transportKey]*http.Transport
}

func newTransports() *transports {
	return &transports{
		resolver: &dnscache.Resolver{},
		cache:    map[transportKey]*http.Transport{},
	}
}

// refresh re-resolves cached DNS entries and drops unused ones.
func (t *transports) refresh() { t.resolver.Refresh(true) }

func (t *transports) get(proxyURL string, http2 bool) (*http.Transport, error) {
	key := transportKey{proxyURL: proxyURL, http2: http2}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.cache[key]; ok {
		return tr, nil
	}
	tr, err := t.build(proxyURL, http2)
	if err != nil {
		return nil, err
	}
	t.cache[key] = tr
	return tr, nil
}

func (t *transports) build(proxyURL string, http2 bool) (*http.Transport, error) {
	tr := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   http2,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext:         t.dialContext,
	}
	if proxyURL == "" {
		return tr, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		d, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s lacks context support", u.Host)
		}
		tr.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return tr, nil
}

// dialContext resolves hosts through the shared DNS cache and tries each
// address until one connects.
func (t *transports) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := t.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	var lastErr error
	for _, ip := range ips {
		conn, dialErr := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if dialErr == nil {
			return conn, nil
		}
		lastErr = dialErr
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}
