// Package authz decides, for an already verified identity, whether a request
// may proceed and with which role.
//
// Two lookups feed every decision: the access lists in the system settings
// and an AdminRegistry. They run concurrently and are joined before the
// decision is returned. A failed lookup is reported as an error and is never
// folded into a denial.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/ggoodman/chat-relay-go/auth"
	"github.com/ggoodman/chat-relay-go/settings"
)

// Role is the privilege level granted to a request.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ErrDenied is returned when a verified identity is not permitted.
var ErrDenied = errors.New("authz: access denied")

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Role    Role
}

// Err returns ErrDenied for a disallowed decision and nil otherwise.
func (d Decision) Err() error {
	if !d.Allowed {
		return ErrDenied
	}
	return nil
}

// Matcher reports whether a list entry designates the given identity.
type Matcher func(entry string, ui auth.UserInfo) bool

// MatchSubjectOrEmail matches an entry against the subject id exactly or the
// e-mail address case-insensitively.
func MatchSubjectOrEmail(entry string, ui auth.UserInfo) bool {
	if entry == ui.UserID() {
		return true
	}
	email := ui.Email()
	return email != "" && strings.EqualFold(entry, email)
}

func matchAny(m Matcher, list []string, ui auth.UserInfo) bool {
	for _, e := range list {
		if m(e, ui) {
			return true
		}
	}
	return false
}

// Allowed applies the access lists: a deny-list hit always loses, and a
// non-empty allow-list must contain the identity.
func Allowed(s *settings.SystemSettings, m Matcher, ui auth.UserInfo) bool {
	if s == nil {
		return true
	}
	if matchAny(m, s.Blacklist, ui) {
		return false
	}
	if len(s.Whitelist) > 0 && !matchAny(m, s.Whitelist, ui) {
		return false
	}
	return true
}

type config struct {
	log   *slog.Logger
	match Matcher
}

// Option configures a Gate.
type Option func(*config)

// WithLogger sets the logger used for decision events.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMatcher replaces MatchSubjectOrEmail for access-list evaluation.
func WithMatcher(m Matcher) Option {
	return func(c *config) { c.match = m }
}

// Gate evaluates access lists and admin status for verified identities.
type Gate struct {
	settings settings.Store
	admins   AdminRegistry
	match    Matcher
	log      *slog.Logger
}

// New constructs a Gate. A nil AdminRegistry grants nobody the admin role.
func New(store settings.Store, admins AdminRegistry, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("authz: settings store is required")
	}
	cfg := &config{
		log:   slog.New(slog.DiscardHandler),
		match: MatchSubjectOrEmail,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if admins == nil {
		admins = StaticAdmins()
	}
	return &Gate{settings: store, admins: admins, match: cfg.match, log: cfg.log}, nil
}

// Authorize returns the decision for ui. ui must come from a successful
// verification.
func (g *Gate) Authorize(ctx context.Context, ui auth.UserInfo) (Decision, error) {
	if ui == nil {
		return Decision{}, errors.New("authz: missing verified identity")
	}
	start := time.Now()

	var (
		allowed bool
		isAdmin bool
	)
	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		s, err := g.settings.Get(ctx)
		if err != nil {
			return fmt.Errorf("settings lookup: %w", err)
		}
		allowed = Allowed(s, g.match, ui)
		return nil
	})
	p.Go(func(ctx context.Context) error {
		ok, err := g.admins.IsAdmin(ctx, ui)
		if err != nil {
			return fmt.Errorf("admin lookup: %w", err)
		}
		isAdmin = ok
		return nil
	})
	if err := p.Wait(); err != nil {
		g.log.ErrorContext(ctx, "authz.lookup.fail", slog.String("err", err.Error()))
		return Decision{}, fmt.Errorf("authz: %w", err)
	}

	d := Decision{Allowed: allowed, Role: RoleUser}
	if isAdmin {
		d.Role = RoleAdmin
	}
	g.log.DebugContext(ctx, "authz.decide",
		slog.Bool("allowed", d.Allowed),
		slog.String("role", string(d.Role)),
		slog.Duration("dur", time.Since(start)),
	)
	return d, nil
}
