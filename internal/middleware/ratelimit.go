package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/config"
	"github.com/aman-churiwal/registry-gate/internal/models"
	"github.com/aman-churiwal/registry-gate/internal/service"
	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

type IdentityResolver interface {
	Resolve(ctx context.Context, req service.Request) *service.ResolvedIdentity
}

type Limiter interface {
	Consume(ctx context.Context, identity *service.ResolvedIdentity) service.Decision
}

type UsageCounter interface {
	Increment(ctx context.Context, customer *models.Customer)
}

type RateLimitOptions struct {
	Filters       []config.FilterConfig
	SessionCookie string
}

type rateLimitFilter struct {
	pattern *regexp.Regexp
	config.FilterConfig
}

// RateLimit admits or rejects requests whose path matches one of the
// filters. Requests matching no filter pass through untouched. Admitted
// requests of customers are counted for usage; usage may be nil.
func RateLimit(resolver IdentityResolver, limiter Limiter, usage UsageCounter, opts RateLimitOptions, logger *slog.Logger) (gin.HandlerFunc, error) {
	filters := make([]rateLimitFilter, 0, len(opts.Filters))
	for i, f := range opts.Filters {
		pattern, err := regexp.Compile(f.URL)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		filters = append(filters, rateLimitFilter{pattern: pattern, FilterConfig: f.WithDefaults()})
	}

	return func(c *gin.Context) {
		filter := matchFilter(filters, c.Request.URL.Path)
		if filter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		identity := resolver.Resolve(ctx, ginRequest{c: c, sessionCookie: opts.SessionCookie})
		c.Set(identityKey, identity)

		decision := limiter.Consume(ctx, identity)
		if decision.Limited {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			c.Header("X-RateLimit-Reset", seconds(decision.Reset))
		}

		if !decision.Allowed {
			logger.Debug("request rejected by rate limit",
				"key", identity.CacheKey(),
				"path", c.Request.URL.Path,
				"retry_after", decision.RetryAfter,
			)
			c.Header("Retry-After", seconds(decision.RetryAfter))
			c.Data(filter.HTTPStatus, filter.ContentType, []byte(filter.Body))
			c.Abort()
			return
		}

		if usage != nil && identity.IsCustomer() {
			usage.Increment(ctx, identity.Customer())
		}

		c.Next()
	}, nil
}

// IdentityFrom returns the identity resolved for a rate limited request
func IdentityFrom(c *gin.Context) *service.ResolvedIdentity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*service.ResolvedIdentity)
	return identity
}

func matchFilter(filters []rateLimitFilter, path string) *rateLimitFilter {
	for i := range filters {
		if filters[i].pattern.MatchString(path) {
			return &filters[i]
		}
	}
	return nil
}

// Whole seconds, rounded up so clients never retry too early
func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10)
}

type ginRequest struct {
	c             *gin.Context
	sessionCookie string
}

func (r ginRequest) Header(name string) string {
	return r.c.GetHeader(name)
}

func (r ginRequest) Query(name string) string {
	return r.c.Query(name)
}

func (r ginRequest) SessionID() string {
	if r.sessionCookie == "" {
		return ""
	}
	v, err := r.c.Cookie(r.sessionCookie)
	if err != nil {
		return ""
	}
	return v
}

func (r ginRequest) RemoteAddr() string {
	return r.c.Request.RemoteAddr
}
