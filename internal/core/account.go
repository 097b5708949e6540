package core

import "time"

type AccountType string

const (
	PersonalAccount AccountType = "personal"
	SharedAccount   AccountType = "shared"
)

// Account is read from the account directory; this module never writes it.
type Account struct {
	ID          string
	Type        AccountType
	OwnerUserID string
}

func (t AccountType) IsValid() bool {
	return t == PersonalAccount || t == SharedAccount
}

// Caller is the authenticated user plus the account they are operating in.
// A nil ActiveAccount means legacy personal mode.
type Caller struct {
	UserID        string
	ActiveAccount *Account
	Location      *time.Location
}

// Today returns the caller's local calendar date at now.
func (c Caller) Today(now time.Time) Date {
	if c.Location != nil {
		now = now.In(c.Location)
	}
	return DateOf(now)
}

// ActiveAccountID returns the active account's ID or "" in legacy mode.
func (c Caller) ActiveAccountID() string {
	if c.ActiveAccount == nil {
		return ""
	}
	return c.ActiveAccount.ID
}

// OwnsActiveAccount reports whether the caller owns the account they operate in.
func (c Caller) OwnsActiveAccount() bool {
	return c.ActiveAccount != nil && c.ActiveAccount.OwnerUserID == c.UserID
}
