package entitlements

import "agendaclinica/internal/subscription"

type AccessStatus string

const (
	AccessNoSubscription AccessStatus = "no_subscription"
	AccessBlocked        AccessStatus = "blocked"
	AccessActive         AccessStatus = "active"
	AccessUnknown        AccessStatus = "unknown"
	AccessError          AccessStatus = "error"
)

// Decide applies the gate's decision table to a loaded record. The first
// matching rule wins:
//  1. expired trial, stored block or active past grace: deny as blocked
//  2. active inside its period or grace, or a running trial: allow
//  3. anything else: deny as unknown
func Decide(rec *subscription.Record, c subscription.Classification) (bool, AccessStatus) {
	if rec == nil {
		return false, AccessNoSubscription
	}
	switch {
	case (c.IsTest && c.IsExpired) || c.IsBlocked || c.GraceExpired:
		return false, AccessBlocked
	case (c.IsActive && !c.GraceExpired) || (c.IsTest && !c.IsExpired):
		return true, AccessActive
	default:
		return false, AccessUnknown
	}
}

// pendingBlock reports a record the sweeper has not written yet.
func pendingBlock(c subscription.Classification) bool {
	return !c.IsBlocked && ((c.IsTest && c.IsExpired) || c.GraceExpired)
}
