package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/netip"
	"strings"

	"github.com/aman-churiwal/registry-gate/internal/models"
)

// Transport-neutral view of an incoming request
type Request interface {
	Header(name string) string
	Query(name string) string
	// Session identifier carried by the request, empty when none
	SessionID() string
	// Peer address as "host:port" or a bare host
	RemoteAddr() string
}

// Where to find the caller address when the gateway sits behind a proxy.
// Position picks the first or last entry of a comma separated header.
type ClientIPRule struct {
	Header   string
	Position string
}

type CustomerLocator interface {
	CustomerByIP(ctx context.Context, ip string) *models.Customer
}

type TierCatalog interface {
	FreeTier(ctx context.Context) (*models.Tier, error)
	SafetyTier(ctx context.Context) (*models.Tier, error)
}

// Who is calling, as far as quotas are concerned
type ResolvedIdentity struct {
	ip         string
	cacheKey   string
	customer   *models.Customer
	freeTier   *models.Tier
	safetyTier *models.Tier
	// set when a tier could not be loaded; limits derived from this
	// identity hold for the current request only
	partial bool
}

func NewResolvedIdentity(ip, cacheKey string, customer *models.Customer, freeTier, safetyTier *models.Tier) *ResolvedIdentity {
	return &ResolvedIdentity{
		ip:         ip,
		cacheKey:   cacheKey,
		customer:   customer,
		freeTier:   freeTier,
		safetyTier: safetyTier,
	}
}

func (r *ResolvedIdentity) IP() string                 { return r.ip }
func (r *ResolvedIdentity) CacheKey() string           { return r.cacheKey }
func (r *ResolvedIdentity) Customer() *models.Customer { return r.customer }
func (r *ResolvedIdentity) FreeTier() *models.Tier     { return r.freeTier }
func (r *ResolvedIdentity) SafetyTier() *models.Tier   { return r.safetyTier }

func (r *ResolvedIdentity) IsCustomer() bool {
	return r.customer != nil
}

// Partial reports whether a tier lookup failed while resolving
func (r *ResolvedIdentity) Partial() bool {
	return r.partial
}

type IdentityResolver struct {
	customers  CustomerLocator
	tiers      TierCatalog
	rule       ClientIPRule
	tokenParam string
}

func NewIdentityResolver(customers CustomerLocator, tiers TierCatalog, rule ClientIPRule, tokenParam string) *IdentityResolver {
	return &IdentityResolver{
		customers:  customers,
		tiers:      tiers,
		rule:       rule,
		tokenParam: tokenParam,
	}
}

// Resolve works out the caller's address, customer and bucket key.
// Bucket keys are chosen in order: API token, customer, session, address.
func (r *IdentityResolver) Resolve(ctx context.Context, req Request) *ResolvedIdentity {
	ip := r.ClientIP(req)
	customer := r.customers.CustomerByIP(ctx, ip)

	free, freeErr := r.tiers.FreeTier(ctx)
	safety, safetyErr := r.tiers.SafetyTier(ctx)

	return &ResolvedIdentity{
		ip:         ip,
		cacheKey:   r.cacheKey(req, ip, customer),
		customer:   customer,
		freeTier:   free,
		safetyTier: safety,
		partial:    freeErr != nil || safetyErr != nil,
	}
}

// ClientIP applies the configured header rule and falls back to the peer
// address when the header is absent or does not hold a valid address
func (r *IdentityResolver) ClientIP(req Request) string {
	if r.rule.Header != "" {
		if v := req.Header(r.rule.Header); v != "" {
			entries := strings.Split(v, ",")
			candidate := entries[0]
			if r.rule.Position == "last" {
				candidate = entries[len(entries)-1]
			}
			if addr, err := netip.ParseAddr(strings.TrimSpace(candidate)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	remote := req.RemoteAddr()
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.Unmap().String()
	}
	return remote
}

func (r *IdentityResolver) cacheKey(req Request, ip string, customer *models.Customer) string {
	if token := r.token(req); token != "" {
		return "token:" + hashHex(token)
	}
	if customer != nil {
		return "customer:" + customer.Name
	}
	if session := req.SessionID(); session != "" {
		return "session:" + hashHex(session)
	}
	return ip
}

func (r *IdentityResolver) token(req Request) string {
	if r.tokenParam != "" {
		if token := strings.TrimSpace(req.Query(r.tokenParam)); token != "" {
			return token
		}
	}
	if auth := req.Header("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

// Raw credentials never end up in Redis keys
func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
