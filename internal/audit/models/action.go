package models

import (
	"strings"

	dErrors "auditchain/pkg/domain-errors"
)

// Action is the closed set of audited actions.
type Action string

const (
	ActionCreate             Action = "create"
	ActionUpdate             Action = "update"
	ActionDelete             Action = "delete"
	ActionLogin              Action = "login"
	ActionLogout             Action = "logout"
	ActionLoginFailed        Action = "login_failed"
	ActionPermissionChange   Action = "permission_change"
	ActionRoleChange         Action = "role_change"
	ActionPasswordChange     Action = "password_change"
	ActionMFAEnabled         Action = "mfa_enabled"
	ActionMFADisabled        Action = "mfa_disabled"
	ActionExport             Action = "export"
	ActionDownload           Action = "download"
	ActionShare              Action = "share"
	ActionAPIKeyCreate       Action = "api_key_create"
	ActionAPIKeyRevoke       Action = "api_key_revoke"
	ActionSettingsChange     Action = "settings_change"
	ActionSubscriptionChange Action = "subscription_change"
	ActionUserInvite         Action = "user_invite"
	ActionUserRemove         Action = "user_remove"
)

var validActions = map[Action]struct{}{
	ActionCreate: {}, ActionUpdate: {}, ActionDelete: {},
	ActionLogin: {}, ActionLogout: {}, ActionLoginFailed: {},
	ActionPermissionChange: {}, ActionRoleChange: {}, ActionPasswordChange: {},
	ActionMFAEnabled: {}, ActionMFADisabled: {},
	ActionExport: {}, ActionDownload: {}, ActionShare: {},
	ActionAPIKeyCreate: {}, ActionAPIKeyRevoke: {},
	ActionSettingsChange: {}, ActionSubscriptionChange: {},
	ActionUserInvite: {}, ActionUserRemove: {},
}

func (a Action) IsValid() bool {
	_, ok := validActions[a]
	return ok
}

func (a Action) String() string { return string(a) }

// ParseAction accepts the wire form case-insensitively.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown action %q", s)
	}
	return a, nil
}
