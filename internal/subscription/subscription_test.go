package subscription

import (
	"database/sql"
	"strings"
	"testing"
	"time"
)

func recordAt(status Status, end time.Time) *Record {
	return &Record{
		OwnerID:          "owner-1",
		Plan:             PlanAte3,
		Status:           status,
		CurrentPeriodEnd: sql.NullTime{Time: end, Valid: true},
	}
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rec  *Record
		want Classification
	}{
		{name: "nil record", rec: nil, want: Classification{}},
		{
			name: "test within trial",
			rec:  recordAt(StatusTest, now.Add(3*Day)),
			want: Classification{IsTest: true, DaysRemaining: 3},
		},
		{
			name: "test expired",
			rec:  recordAt(StatusTest, now.Add(-Day)),
			want: Classification{IsTest: true, IsExpired: true, DaysSinceExpired: 1},
		},
		{
			name: "active valid",
			rec:  recordAt(StatusActive, now.Add(10*Day)),
			want: Classification{IsActive: true, DaysRemaining: 10},
		},
		{
			name: "active one day overdue",
			rec:  recordAt(StatusActive, now.Add(-Day)),
			want: Classification{IsActive: true, IsExpired: true, IsPastDue: true, DaysSinceExpired: 1, DaysUntilBlock: 1},
		},
		{
			name: "active exactly at grace end",
			rec:  recordAt(StatusActive, now.Add(-2*Day)),
			want: Classification{IsActive: true, IsExpired: true, GraceExpired: true, DaysSinceExpired: 2},
		},
		{
			name: "blocked",
			rec:  recordAt(StatusBlocked, now.Add(-5*Day)),
			want: Classification{IsBlocked: true, IsExpired: true, DaysSinceExpired: 5},
		},
		{
			name: "period end equal to now is not expired",
			rec:  recordAt(StatusTest, now),
			want: Classification{IsTest: true},
		},
		{
			name: "partial day rounds up",
			rec:  recordAt(StatusTest, now.Add(36*time.Hour)),
			want: Classification{IsTest: true, DaysRemaining: 2},
		},
		{
			name: "missing period end fails toward expiry",
			rec:  &Record{Status: StatusTest},
			want: Classification{IsTest: true, IsExpired: true},
		},
		{
			name: "missing period end on active record is past grace",
			rec:  &Record{Status: StatusActive},
			want: Classification{IsActive: true, IsExpired: true, GraceExpired: true},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.rec, now)
			if got != tc.want {
				t.Fatalf("classify mismatch:\n got  %+v\n want %+v", got, tc.want)
			}
		})
	}
}

func TestDaysRemainingNeverNegativeAndNonIncreasing(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	rec := recordAt(StatusActive, start.Add(5*Day))

	prev := Classify(rec, start).DaysRemaining
	for step := 0; step < 24*9; step++ {
		now := start.Add(time.Duration(step) * time.Hour)
		days := Classify(rec, now).DaysRemaining
		if days < 0 {
			t.Fatalf("days remaining negative at %s: %d", now, days)
		}
		if days > prev {
			t.Fatalf("days remaining increased at %s: %d > %d", now, days, prev)
		}
		prev = days
	}
	if prev != 0 {
		t.Fatalf("expected 0 days remaining after the period, got %d", prev)
	}
}

func TestFormatMessage(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		rec      *Record
		contains string
	}{
		{name: "no subscription", rec: nil, contains: "Nenhuma assinatura"},
		{name: "test active", rec: recordAt(StatusTest, now.Add(4*Day)), contains: "4 dia(s)"},
		{name: "test expired", rec: recordAt(StatusTest, now.Add(-Day)), contains: "período de teste terminou"},
		{name: "active valid", rec: recordAt(StatusActive, now.Add(10*Day)), contains: "10 dia(s)"},
		{name: "active past due", rec: recordAt(StatusActive, now.Add(-Day)), contains: "bloqueado em 1 dia(s)"},
		{name: "active past grace", rec: recordAt(StatusActive, now.Add(-3*Day)), contains: "bloqueada"},
		{name: "blocked", rec: recordAt(StatusBlocked, now.Add(-Day)), contains: "bloqueada"},
		{name: "canceled falls through", rec: recordAt(StatusCanceled, now.Add(Day)), contains: "não reconhecido"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			msg := FormatMessage(tc.rec, Classify(tc.rec, now))
			if !strings.Contains(msg, tc.contains) {
				t.Fatalf("expected %q to contain %q", msg, tc.contains)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusTest, StatusBlocked, true},
		{StatusTest, StatusActive, true},
		{StatusActive, StatusBlocked, true},
		{StatusActive, StatusCanceled, true},
		{StatusActive, StatusActive, true},
		{StatusBlocked, StatusActive, true},
		{StatusBlocked, StatusCanceled, false},
		{StatusTest, StatusCanceled, false},
		{StatusCanceled, StatusActive, false},
		{StatusBlocked, StatusTest, false},
		{StatusTest, StatusTest, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParsePlan(t *testing.T) {
	for raw, want := range map[string]int{"autonomo": 1, " ATE_3 ": 3, "ate_5": 5} {
		plan, err := ParsePlan(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if plan.MaxProfessionals() != want {
			t.Fatalf("plan %q ceiling = %d, want %d", raw, plan.MaxProfessionals(), want)
		}
	}
	if _, err := ParsePlan("enterprise"); err == nil {
		t.Fatalf("expected unknown plan error")
	}
}
