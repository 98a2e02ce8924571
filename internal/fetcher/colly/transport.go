package collyfetcher

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type transportKey struct {
	proxy       string
	fingerprint bool
}

// transportPool hands out one *http.Transport per proxy/fingerprint pair.
type transportPool struct {
	mu         sync.Mutex
	transports map[transportKey]*http.Transport
}

func newTransportPool() *transportPool {
	return &transportPool{transports: make(map[transportKey]*http.Transport)}
}

func (p *transportPool) get(proxy *url.URL, fingerprint bool) *http.Transport {
	key := transportKey{fingerprint: fingerprint}
	if proxy != nil {
		key.proxy = proxy.String()
		// The browser fingerprint dialer only applies to direct connections.
		key.fingerprint = false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[key]; ok {
		return t
	}
	t := newHTTPTransport(proxy, key.fingerprint)
	p.transports[key] = t
	return t
}

func (p *transportPool) closeIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func newHTTPTransport(proxy *url.URL, fingerprint bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	if fingerprint {
		t.DialTLSContext = chromeTLSDialer(dialer)
		t.ForceAttemptHTTP2 = false
	}
	return t
}
