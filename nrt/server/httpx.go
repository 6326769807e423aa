package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"nostr-relay-tray/nrt/app"
	"nostr-relay-tray/nrt/common/ttls"
)

// buildHTTPServer serves HTTPS when a certificate is configured and loads,
// plain HTTP otherwise.
func buildHTTPServer(a *app.App, handler http.Handler, errLog *log.Logger) (*http.Server, bool) {
	srv := &http.Server{
		Addr:              a.Cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cert := strings.TrimSpace(a.Cfg.Server.TLSCert)
	key := strings.TrimSpace(a.Cfg.Server.TLSKey)
	if cert == "" || key == "" {
		return srv, false
	}
	cfg, err := ttls.LoadTLSConfig(cert, key, a.Cfg.Server.TLSSNIGuard)
	if err != nil {
		errLog.Printf("[boot] tls disabled (load error): %v", err)
		return srv, false
	}
	srv.TLSConfig = cfg
	return srv, true
}

func startMainAsync(srv *http.Server, useTLS bool, errLog *log.Logger) {
	go func() {
		if useTLS {
			if e := srv.ListenAndServeTLS("", ""); e != nil && e != http.ErrServerClosed {
				errLog.Fatalf("listen https: %v", e)
			}
			return
		}
		if e := srv.ListenAndServe(); e != nil && e != http.ErrServerClosed {
			errLog.Fatalf("listen http: %v", e)
		}
	}()
}

func shutdownAll(srv *http.Server, a *app.App, errLog *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		errLog.Printf("shutdown: %v", err)
	}
	if err := a.Stop(); err != nil {
		errLog.Printf("stop error: %v", err)
	}
}

func printListenHints(bindAddr string, useTLS bool, infoLog *log.Logger) {
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		infoLog.Printf("[boot] listening: %s://%s", scheme, bindAddr)
		return
	}

	var urls []string
	if host != "" && host != "0.0.0.0" && host != "::" {
		urls = append(urls, scheme+"://"+net.JoinHostPort(host, port))
	}
	urls = append(urls, scheme+"://"+net.JoinHostPort("127.0.0.1", port))
	if ip := firstLANIPv4(); ip != "" {
		urls = append(urls, scheme+"://"+net.JoinHostPort(ip, port))
	}

	infoLog.Printf("[boot] listening (%s):", scheme)
	for _, u := range urls {
		infoLog.Printf("       -> %s", u)
	}
	infoLog.Printf("[boot] relay: %s", strings.Replace(urls[0], "http", "ws", 1))
}

func firstLANIPv4() string {
	ifcs, _ := net.Interfaces()
	for _, itf := range ifcs {
		if itf.Flags&net.FlagUp == 0 || itf.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := itf.Addrs()
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip = ip.To4(); ip == nil {
				continue
			}
			if ip[0] == 127 || (ip[0] == 169 && ip[1] == 254) {
				continue
			}
			return ip.String()
		}
	}
	return ""
}
