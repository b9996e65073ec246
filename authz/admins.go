package authz

import (
	"context"
	"slices"

	"github.com/ggoodman/chat-relay-go/auth"
	"github.com/ggoodman/chat-relay-go/settings"
)

// AdminRegistry answers whether a verified identity holds the admin role.
type AdminRegistry interface {
	IsAdmin(ctx context.Context, ui auth.UserInfo) (bool, error)
}

// AdminRegistryFunc adapts a function to AdminRegistry.
type AdminRegistryFunc func(ctx context.Context, ui auth.UserInfo) (bool, error)

func (f AdminRegistryFunc) IsAdmin(ctx context.Context, ui auth.UserInfo) (bool, error) {
	return f(ctx, ui)
}

// SettingsAdmins grants the admin role to identities listed in the Admins
// field of the system settings. A nil matcher uses MatchSubjectOrEmail.
func SettingsAdmins(store settings.Store, m Matcher) AdminRegistry {
	if m == nil {
		m = MatchSubjectOrEmail
	}
	return AdminRegistryFunc(func(ctx context.Context, ui auth.UserInfo) (bool, error) {
		s, err := store.Get(ctx)
		if err != nil {
			return false, err
		}
		return matchAny(m, s.Admins, ui), nil
	})
}

// ClaimAdmin grants the admin role when the token carries the named boolean
// custom claim set to true.
func ClaimAdmin(claim string) AdminRegistry {
	return AdminRegistryFunc(func(ctx context.Context, ui auth.UserInfo) (bool, error) {
		if claim == "" {
			return false, nil
		}
		var claims map[string]any
		if err := ui.Claims(&claims); err != nil {
			return false, err
		}
		v, _ := claims[claim].(bool)
		return v, nil
	})
}

// StaticAdmins grants the admin role to a fixed set of subject ids.
func StaticAdmins(subjects ...string) AdminRegistry {
	subs := slices.Clone(subjects)
	return AdminRegistryFunc(func(ctx context.Context, ui auth.UserInfo) (bool, error) {
		return slices.Contains(subs, ui.UserID()), nil
	})
}

// AnyAdmin grants the admin role if any of regs does. Registries are
// consulted in order and the first error stops the evaluation.
func AnyAdmin(regs ...AdminRegistry) AdminRegistry {
	return AdminRegistryFunc(func(ctx context.Context, ui auth.UserInfo) (bool, error) {
		for _, r := range regs {
			ok, err := r.IsAdmin(ctx, ui)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}
