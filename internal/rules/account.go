package rules

import (
	"fmt"

	"riskd/pkg/types"
)

// AuthLossGuard reacts to account-level notifications that end the
// daemon's authority over the account: everything is flattened and the
// account is locked permanently until an operator intervenes.
type AuthLossGuard struct{}

func NewAuthLossGuard() *AuthLossGuard { return &AuthLossGuard{} }

func (r *AuthLossGuard) ID() string   { return "R10" }
func (r *AuthLossGuard) Name() string { return "AuthLossGuard" }

func (r *AuthLossGuard) Triggers() []types.EventType {
	return []types.EventType{types.EvAccount}
}

func (r *AuthLossGuard) Check(ev types.Event, view *View) []types.Breach {
	if ev.Account == nil {
		return nil
	}
	switch ev.Account.Kind {
	case types.AccountAuthorizationLost, types.AccountSuspended:
	default:
		return nil
	}

	reason := fmt.Sprintf("account %s: %s", ev.Account.Kind, ev.Account.Detail)
	return []types.Breach{
		{RuleID: r.ID(), AccountID: ev.AccountID, Action: types.ActionCloseAll, Reason: reason},
		{RuleID: r.ID(), AccountID: ev.AccountID, Action: types.ActionCancelAll, Reason: reason},
		{RuleID: r.ID(), AccountID: ev.AccountID, Action: types.ActionLockoutPerm, Reason: reason},
	}
}
