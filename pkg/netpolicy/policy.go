// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package netpolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ErrPolicy is matched by every rejection produced by this package.
var ErrPolicy = errors.New("network policy violation")

// PolicyError explains why an outbound target was rejected.
type PolicyError struct {
	Target string
	Host   string
	Reason string
}

func (e *PolicyError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("network policy: %s (host %s)", e.Reason, e.Host)
	}
	return "network policy: " + e.Reason
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicy }

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Config configures a Policy.
type Config struct {
	OutboundEnabled bool          `yaml:"outbound_enabled"`
	Allowlist       []string      `yaml:"domain_allowlist"`
	RequestsPerMin  int           `yaml:"requests_per_minute"`
	MaxTrackedHosts int           `yaml:"max_tracked_hosts"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
}

// DefaultConfig returns the production network policy.
func DefaultConfig() Config {
	return Config{
		OutboundEnabled: true,
		Allowlist:       []string{"github.com", "raw.githubusercontent.com"},
		RequestsPerMin:  100,
		MaxTrackedHosts: 1000,
		HTTPTimeout:     30 * time.Second,
	}
}

// Policy validates outbound URLs and git remotes. It is safe for concurrent
// use; the rate limiter is the only shared mutable state.
type Policy struct {
	cfg       Config
	allowlist []string
	resolver  Resolver
	limiter   *RateLimiter
	logger    *slog.Logger
	observe   func(allowed bool, reason string)
}

// Option customizes a Policy.
type Option func(*Policy)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(p *Policy) { p.resolver = r }
}

// WithClock replaces the rate limiter clock.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.limiter.now = now }
}

// WithObserver registers a callback invoked after every decision.
func WithObserver(fn func(allowed bool, reason string)) Option {
	return func(p *Policy) { p.observe = fn }
}

// New builds a Policy. Zero numeric fields fall back to defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = d.RequestsPerMin
	}
	if cfg.MaxTrackedHosts <= 0 {
		cfg.MaxTrackedHosts = d.MaxTrackedHosts
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = d.HTTPTimeout
	}

	limiter, err := NewRateLimiter(cfg.RequestsPerMin, cfg.MaxTrackedHosts)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		cfg:       cfg,
		allowlist: normalizeAllowlist(cfg.Allowlist),
		resolver:  net.DefaultResolver,
		limiter:   limiter,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

func normalizeAllowlist(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, d := range in {
		d = normalizeHost(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// ValidateOutboundURL accepts rawURL only if outbound traffic is enabled, the
// scheme is http or https, the host is within its rate quota, the host does
// not resolve to private address space, and the host or one of its parent
// domains is allowlisted. Every call is recorded by the rate limiter and
// audited.
func (p *Policy) ValidateOutboundURL(ctx context.Context, rawURL string) error {
	target := redact(rawURL)
	if !p.cfg.OutboundEnabled {
		return p.reject(target, "", "outbound network is disabled")
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return p.reject(target, "", "malformed url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return p.reject(target, "", "only http and https are permitted")
	}
	return p.checkHost(ctx, target, u.Hostname())
}

var (
	// user@host:path
	scpRemotePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+@([A-Za-z0-9.-]+):([^/].*|/.+)$`)

	// Characters that could be used for command or argument injection.
	dangerousCharsPattern = regexp.MustCompile(`[;&|$` + "`" + `\n\r\\<>\s]`)
)

// ValidateGitRemote applies the same checks as ValidateOutboundURL to a git
// remote in URL form (http, https, ssh) or scp-like form (git@host:org/repo).
func (p *Policy) ValidateGitRemote(ctx context.Context, remote string) error {
	remote = strings.TrimSpace(remote)
	target := redact(remote)
	if !p.cfg.OutboundEnabled {
		return p.reject(target, "", "outbound network is disabled")
	}
	if remote == "" {
		return p.reject(target, "", "empty git remote")
	}
	if strings.HasPrefix(remote, "-") || dangerousCharsPattern.MatchString(remote) {
		return p.reject(target, "", "git remote contains forbidden characters")
	}

	var host string
	switch {
	case strings.HasPrefix(remote, "http://"), strings.HasPrefix(remote, "https://"), strings.HasPrefix(remote, "ssh://"):
		u, err := url.Parse(remote)
		if err != nil || u.Host == "" {
			return p.reject(target, "", "malformed git remote")
		}
		if u.User != nil {
			if _, hasPassword := u.User.Password(); hasPassword {
				return p.reject(target, "", "git remote must not embed a password")
			}
		}
		host = u.Hostname()
	default:
		m := scpRemotePattern.FindStringSubmatch(remote)
		if m == nil {
			return p.reject(target, "", "unsupported git remote format")
		}
		host = m[1]
	}
	return p.checkHost(ctx, target, host)
}

func (p *Policy) checkHost(ctx context.Context, target, rawHost string) error {
	host := normalizeHost(rawHost)
	if host == "" {
		return p.reject(target, "", "missing host")
	}
	if err := p.limiter.Allow(host); err != nil {
		return p.reject(target, host, err.Error())
	}
	if private, addr := p.resolvesPrivate(ctx, host); private {
		return p.reject(target, host, "host resolves to private address "+addr)
	}
	if !p.allowlisted(host) {
		return p.reject(target, host, "host not in allowlist")
	}
	p.audit(target, host, true, "")
	return nil
}

func (p *Policy) allowlisted(host string) bool {
	for _, allowed := range p.allowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// resolvesPrivate reports whether host is, or resolves to, an address in
// private, loopback, link-local or unspecified space. A failed lookup is let
// through: the connection itself will fail later.
func (p *Policy) resolvesPrivate(ctx context.Context, host string) (bool, string) {
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip), host
	}
	addrs, err := p.resolver.LookupHost(ctx, host)
	if err != nil {
		p.logger.Debug("netpolicy.resolve.error", "host", host, "err", err)
		return false, ""
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return true, a
		}
	}
	return false, ""
}

var extraPrivateNets = mustParseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsInterfaceLocalMulticast() {
		return true
	}
	for _, n := range extraPrivateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (p *Policy) reject(target, host, reason string) error {
	p.audit(target, host, false, reason)
	return &PolicyError{Target: target, Host: host, Reason: reason}
}

func (p *Policy) audit(target, host string, allowed bool, reason string) {
	if allowed {
		p.logger.Info("netpolicy.audit", "target", target, "host", host, "allowed", true)
	} else {
		p.logger.Warn("netpolicy.audit", "target", target, "host", host, "allowed", false, "reason", reason)
	}
	if p.observe != nil {
		p.observe(allowed, reason)
	}
}

// redact strips credentials and query strings so targets can be logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.RawQuery = ""
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
