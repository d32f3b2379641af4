// Package proxy forwards traffic to the flow runtime flowlog sits in front of.
package proxy

import (
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
)

type Gateway struct {
	target  *url.URL
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
}

func New(targetURL string) (*Gateway, error) {
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("proxy target must be an absolute URL")
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-" + parsedURL.Host,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("[PROXY] circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	p := httputil.NewSingleHostReverseProxy(parsedURL)
	director := p.Director
	p.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Flowlog", "True")
	}
	p.Transport = &breakerTransport{next: http.DefaultTransport, breaker: cb}

	// Log upstream errors so network/DNS/TLS issues are visible.
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		log.Printf("[PROXY] upstream error: %v", err)
		http.Error(w, "upstream error", http.StatusBadGateway)
	}

	return &Gateway{
		target:  parsedURL,
		proxy:   p,
		breaker: cb,
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	g.proxy.ServeHTTP(w, r)
	upstreamLatency.Observe(time.Since(start).Seconds())
}

// State reports the circuit breaker state for health output.
func (g *Gateway) State() string {
	return g.breaker.State().String()
}

// breakerTransport counts 5xx responses and transport errors as failures.
type breakerTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	_, err := t.breaker.Execute(func() (interface{}, error) {
		var err error
		resp, err = t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, errUpstream5xx
		}
		return nil, nil
	})
	if errors.Is(err, errUpstream5xx) {
		return resp, nil
	}
	return resp, err
}

var errUpstream5xx = errors.New("upstream returned 5xx")
