package audit

import (
	"context"
	"errors"
	"strings"

	"befunny.io/auth/internal/auth"
	"befunny.io/auth/internal/obs"
)

// Event names.
const (
	UserRegistered        = "user.registered"
	LoginSucceeded        = "login.succeeded"
	LoginFailed           = "login.failed"
	Logout                = "logout"
	TokensRefreshed       = "tokens.refreshed"
	TokensReissued        = "tokens.reissued"
	LoginChanged          = "user.login_changed"
	PasswordChanged       = "user.password_changed"
	RoleCreated           = "role.created"
	RoleUpdated           = "role.updated"
	RoleDeleted           = "role.deleted"
	RoleAssigned          = "role.assigned"
	PermissionsSet        = "role.permissions_set"
	PermissionsReconciled = "permissions.reconciled"
)

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := obs.From(ctx).Info().Str("type", "audit").Str("event", event)
	if login, ok := auth.LoginFromContext(ctx); ok {
		e = e.Str("actor", login)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Send()
	return nil
}
