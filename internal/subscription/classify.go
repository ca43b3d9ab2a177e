package subscription

import "time"

type Classification struct {
	IsExpired     bool `json:"isExpired"`
	IsBlocked     bool `json:"isBlocked"`
	IsActive      bool `json:"isActive"`
	IsTest        bool `json:"isTest"`
	DaysRemaining int  `json:"daysRemaining"`

	// IsPastDue marks an active record inside the grace window after its
	// period ended. GraceExpired marks one whose grace window is over.
	IsPastDue        bool `json:"isPastDue"`
	GraceExpired     bool `json:"graceExpired"`
	DaysSinceExpired int  `json:"daysSinceExpired"`
	DaysUntilBlock   int  `json:"daysUntilBlock"`
}

// Classify derives the subscription flags using the default grace window.
func Classify(rec *Record, now time.Time) Classification {
	return ClassifyWithGrace(rec, now, DefaultGraceDays*Day)
}

// ClassifyWithGrace derives the subscription flags for rec at now. A missing
// period end counts as already expired so access is never granted on it.
func ClassifyWithGrace(rec *Record, now time.Time, grace time.Duration) Classification {
	var c Classification
	if rec == nil {
		return c
	}

	c.IsBlocked = rec.Status == StatusBlocked
	c.IsActive = rec.Status == StatusActive
	c.IsTest = rec.Status == StatusTest

	if !rec.CurrentPeriodEnd.Valid || rec.CurrentPeriodEnd.Time.IsZero() {
		c.IsExpired = true
		c.GraceExpired = c.IsActive
		return c
	}

	end := rec.CurrentPeriodEnd.Time
	c.IsExpired = now.After(end)
	c.DaysRemaining = ceilDays(end.Sub(now))

	if c.IsExpired {
		c.DaysSinceExpired = ceilDays(now.Sub(end))
	}
	if c.IsActive && c.IsExpired {
		blockAt := end.Add(grace)
		if now.Before(blockAt) {
			c.IsPastDue = true
			c.DaysUntilBlock = ceilDays(blockAt.Sub(now))
		} else {
			c.GraceExpired = true
		}
	}
	return c
}

func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + Day - 1) / Day)
}
