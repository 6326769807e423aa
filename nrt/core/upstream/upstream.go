package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"

	"nostr-relay-tray/nrt/common/logx"
)

/************** component log **************/

var upstreamLog = logx.New(logx.WithPrefix("upstream"))

/************** Dialer **************/

// Dialer opens TCP connections for outbound links, through an HTTP(S)
// CONNECT or SOCKS5 proxy when Proxy is set.
type Dialer struct {
	Proxy   *url.URL
	Timeout time.Duration
}

// FromEnvironment picks the proxy for target the way browsers and curl do:
// HTTPS_PROXY/HTTP_PROXY with NO_PROXY, then ALL_PROXY.
func FromEnvironment(target string) (*Dialer, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	req := *u
	switch strings.ToLower(u.Scheme) {
	case "wss":
		req.Scheme = "https"
	case "ws":
		req.Scheme = "http"
	}

	d := &Dialer{Timeout: 10 * time.Second}
	p, err := httpproxy.FromEnvironment().ProxyFunc()(&req)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy: %w", err)
	}
	if p == nil {
		if all := firstEnv("ALL_PROXY", "all_proxy"); all != "" {
			if p, err = url.Parse(all); err != nil {
				return nil, fmt.Errorf("parse ALL_PROXY: %w", err)
			}
		}
	}
	d.Proxy = p
	if p != nil {
		upstreamLog.Debugf("route %s via %s://%s", u.Host, p.Scheme, p.Host)
	}
	return d, nil
}

func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	if d.Proxy == nil {
		return nd.DialContext(ctx, network, addr)
	}
	switch strings.ToLower(d.Proxy.Scheme) {
	case "socks5", "socks5h", "socks":
		return dialSocks5(ctx, d.Proxy, nd, network, addr)
	case "http", "https", "":
		return dialHTTPConnect(ctx, d.Proxy, nd, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", d.Proxy.Scheme)
	}
}

func dialSocks5(ctx context.Context, p *url.URL, forward *net.Dialer, network, addr string) (net.Conn, error) {
	pu := *p
	if pu.Scheme == "socks" {
		pu.Scheme = "socks5"
	}
	pd, err := proxy.FromURL(&pu, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	upstreamLog.Debugf("[socks5] dial proxy=%s target=%s", p.Host, addr)
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return pd.Dial(network, addr)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
