package services

import "fintrack/internal/core"

// Visible reports whether caller may see tx: the record belongs to the active
// account, or it is a legacy record (no account) owned by the caller while
// the caller is in personal or legacy mode.
func Visible(caller core.Caller, tx core.Transaction) bool {
	if tx.AccountID != "" {
		return caller.ActiveAccount != nil && tx.AccountID == caller.ActiveAccount.ID
	}
	return isLegacyPersonal(caller, tx)
}

func isLegacyPersonal(caller core.Caller, tx core.Transaction) bool {
	if tx.AccountID != "" || tx.OwnerUserID != caller.UserID {
		return false
	}
	return caller.ActiveAccount == nil || caller.ActiveAccount.Type == core.PersonalAccount
}

// Authorize decides whether caller may mutate tx. It returns ErrForbidden when
// the record is outside the caller's scope and ErrNotAllowed when it is
// visible but the caller neither owns the account nor authored the record.
func Authorize(caller core.Caller, tx core.Transaction) error {
	if !Visible(caller, tx) {
		return core.ErrForbidden
	}
	switch {
	case caller.OwnsActiveAccount():
		return nil
	case tx.CreatedByUserID != "" && tx.CreatedByUserID == caller.UserID:
		return nil
	case isLegacyPersonal(caller, tx):
		return nil
	}
	return core.ErrNotAllowed
}

// Mutable is Authorize as a predicate.
func Mutable(caller core.Caller, tx core.Transaction) bool {
	return Authorize(caller, tx) == nil
}

// ScopeFor returns the store scope matching Visible for caller.
func ScopeFor(caller core.Caller) Scope {
	s := Scope{AccountID: caller.ActiveAccountID()}
	if caller.ActiveAccount == nil || caller.ActiveAccount.Type == core.PersonalAccount {
		s.LegacyOwnerUserID = caller.UserID
	}
	return s
}
