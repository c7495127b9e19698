package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
)

var errUpstream = errors.New("upstream returned a server error")

// Forwards admitted requests to the registry behind the gateway
type Proxy struct {
	target  *url.URL
	reverse *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker[int]
	logger  *slog.Logger
}

type Config struct {
	Target string
	// Consecutive 5xx responses or transport errors that open the breaker
	MaxFailures uint32
	OpenTimeout time.Duration
}

func New(cfg Config, logger *slog.Logger) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, errors.New("upstream target is required")
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", cfg.Target, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: scheme and host are required", cfg.Target)
	}

	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	p := &Proxy{target: target, logger: logger}

	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	p.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	logger.Info("proxy initialized", "upstream", target.String())

	return p, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	_, err := p.breaker.Execute(func() (int, error) {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}
		c.Writer = recorder

		p.reverse.ServeHTTP(recorder, c.Request)

		if recorder.statusCode >= 500 {
			return recorder.statusCode, errUpstream
		}
		return recorder.statusCode, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

func (p *Proxy) State() gobreaker.State {
	return p.breaker.State()
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
