package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

/************** HTTP CONNECT proxy **************/

func dialHTTPConnect(ctx context.Context, p *url.URL, nd *net.Dialer, target string) (net.Conn, error) {
	proxyAddr := p.Host
	if p.Port() == "" {
		if strings.EqualFold(p.Scheme, "https") {
			proxyAddr = net.JoinHostPort(p.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(p.Hostname(), "80")
		}
	}
	upstreamLog.Debugf("[http] dial proxy=%s connect=%s", proxyAddr, target)

	up, err := nd.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}
	if strings.EqualFold(p.Scheme, "https") {
		tc := tls.Client(up, &tls.Config{ServerName: p.Hostname(), MinVersion: tls.VersionTLS12})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = up.Close()
			return nil, fmt.Errorf("proxy tls: %w", err)
		}
		up = tc
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = up.SetDeadline(dl)
		defer up.SetDeadline(time.Time{})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if p.User != nil {
		pass, _ := p.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(p.User.Username() + ":" + pass))
		b.WriteString("Proxy-Authorization: Basic " + cred + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(up, b.String()); err != nil {
		_ = up.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	br := bufio.NewReader(up)
	status, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(status, "HTTP/") || !strings.Contains(status, " 200 ") {
		_ = drainHTTPHeaders(br)
		_ = up.Close()
		return nil, fmt.Errorf("proxy CONNECT rejected: %q", strings.TrimSpace(status))
	}
	if err := drainHTTPHeaders(br); err != nil {
		_ = up.Close()
		return nil, fmt.Errorf("read CONNECT headers: %w", err)
	}
	upstreamLog.Debugf("[http] CONNECT established via %s", proxyAddr)
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: up, r: br}, nil
	}
	return up, nil
}

func drainHTTPHeaders(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// bufferedConn keeps bytes the proxy sent right after its CONNECT reply.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
