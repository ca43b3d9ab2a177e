// Package subscription holds the tenant subscription model: statuses, plans,
// the allowed lifecycle transitions, the status classifier and the messages
// shown to clinic owners.
package subscription

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

const (
	Day = 24 * time.Hour

	DefaultTrialDays  = 7
	DefaultPeriodDays = 30
	DefaultGraceDays  = 2
)

var (
	ErrInvalidTransition = errors.New("invalid subscription status transition")
	ErrUnknownPlan       = errors.New("unknown plan")
)

type Status string

const (
	StatusTest     Status = "test"
	StatusActive   Status = "active"
	StatusBlocked  Status = "blocked"
	StatusCanceled Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTest, StatusActive, StatusBlocked, StatusCanceled:
		return true
	default:
		return false
	}
}

type Plan string

const (
	PlanAutonomo Plan = "autonomo"
	PlanAte3     Plan = "ate_3"
	PlanAte5     Plan = "ate_5"
)

// MaxProfessionals is the number of professionals a clinic may register on the plan.
func (p Plan) MaxProfessionals() int {
	switch p {
	case PlanAutonomo:
		return 1
	case PlanAte3:
		return 3
	case PlanAte5:
		return 5
	default:
		return 0
	}
}

func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	if p.MaxProfessionals() == 0 {
		return "", ErrUnknownPlan
	}
	return p, nil
}

type Record struct {
	ID                    string
	OwnerID               string
	Plan                  Plan
	Status                Status
	CurrentPeriodEnd      sql.NullTime
	ExternalPreapprovalID sql.NullString
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

var transitions = map[Status][]Status{
	StatusTest:     {StatusBlocked, StatusActive},
	StatusActive:   {StatusBlocked, StatusCanceled},
	StatusBlocked:  {StatusActive},
	StatusCanceled: {},
}

// CanTransition reports whether a record may move from one status to another.
// Renewing an active record is not a transition and is always allowed.
func CanTransition(from, to Status) bool {
	if from == to && from == StatusActive {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
