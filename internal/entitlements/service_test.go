package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agendaclinica/internal/auth"
	"agendaclinica/internal/config"
	"agendaclinica/internal/observability"
	"agendaclinica/internal/subscription"
)

var testNow = time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	records       map[string]subscription.Record
	professionals map[string]int
	err           error
}

func (f *fakeStore) GetSubscriptionByOwner(_ context.Context, ownerID string) (subscription.Record, error) {
	if f.err != nil {
		return subscription.Record{}, f.err
	}
	rec, ok := f.records[ownerID]
	if !ok {
		return subscription.Record{}, sql.ErrNoRows
	}
	return rec, nil
}

func (f *fakeStore) CreateTrialSubscription(_ context.Context, ownerID string, plan subscription.Plan, end time.Time) (subscription.Record, error) {
	if _, ok := f.records[ownerID]; ok {
		return subscription.Record{}, errors.New("subscription already exists")
	}
	rec := subscription.Record{
		OwnerID:          ownerID,
		Plan:             plan,
		Status:           subscription.StatusTest,
		CurrentPeriodEnd: sql.NullTime{Time: end, Valid: true},
	}
	f.records[ownerID] = rec
	return rec, nil
}

func (f *fakeStore) CancelSubscription(_ context.Context, ownerID string, now time.Time) (subscription.Record, error) {
	rec, ok := f.records[ownerID]
	if !ok {
		return rec, sql.ErrNoRows
	}
	if !subscription.CanTransition(rec.Status, subscription.StatusCanceled) {
		return rec, subscription.ErrInvalidTransition
	}
	rec.Status = subscription.StatusCanceled
	rec.UpdatedAt = now
	f.records[ownerID] = rec
	return rec, nil
}

func (f *fakeStore) CountActiveProfessionals(_ context.Context, ownerID string) (int, error) {
	return f.professionals[ownerID], nil
}

func (f *fakeStore) AddProfessionalWithinPlan(_ context.Context, ownerID, _ string) (string, error) {
	rec, ok := f.records[ownerID]
	if !ok {
		return "", sql.ErrNoRows
	}
	if f.professionals[ownerID] >= rec.Plan.MaxProfessionals() {
		return "", ErrProfessionalLimitReached
	}
	if f.professionals == nil {
		f.professionals = map[string]int{}
	}
	f.professionals[ownerID]++
	return fmt.Sprintf("pro-%d", f.professionals[ownerID]), nil
}

type recordingTrigger struct {
	mu     sync.Mutex
	owners []string
}

func (r *recordingTrigger) TriggerSweep(_ context.Context, ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, ownerID)
}

func (r *recordingTrigger) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.owners...)
}

func rec(status subscription.Status, end time.Time) subscription.Record {
	return subscription.Record{
		OwnerID:          "owner-1",
		Plan:             subscription.PlanAte3,
		Status:           status,
		CurrentPeriodEnd: sql.NullTime{Time: end, Valid: true},
	}
}

func newTestService(st Store, trigger SweepTrigger) *Service {
	svc := NewService(config.Default(), st, trigger, nil, zerolog.Nop())
	svc.Now = func() time.Time { return testNow }
	return svc
}

func TestCheckAccessDecisionTable(t *testing.T) {
	day := subscription.Day
	tests := []struct {
		name        string
		record      *subscription.Record
		wantAccess  bool
		wantStatus  AccessStatus
		wantTrigger bool
		wantMessage string
	}{
		{name: "no record", wantStatus: AccessNoSubscription, wantMessage: subscription.MessageNoSubscription},
		{name: "running trial", record: ptr(rec(subscription.StatusTest, testNow.Add(3*day))), wantAccess: true, wantStatus: AccessActive, wantMessage: "3 dia(s)"},
		{name: "expired trial", record: ptr(rec(subscription.StatusTest, testNow.Add(-day))), wantStatus: AccessBlocked, wantTrigger: true, wantMessage: subscription.MessageTestExpired},
		{name: "active in period", record: ptr(rec(subscription.StatusActive, testNow.Add(10*day))), wantAccess: true, wantStatus: AccessActive, wantMessage: "10 dia(s)"},
		{name: "active inside grace", record: ptr(rec(subscription.StatusActive, testNow.Add(-day))), wantAccess: true, wantStatus: AccessActive, wantMessage: "Pagamento pendente"},
		{name: "active past grace", record: ptr(rec(subscription.StatusActive, testNow.Add(-3*day))), wantStatus: AccessBlocked, wantTrigger: true, wantMessage: subscription.MessageBlocked},
		{name: "stored block", record: ptr(rec(subscription.StatusBlocked, testNow.Add(-10*day))), wantStatus: AccessBlocked, wantMessage: subscription.MessageBlocked},
		{name: "blocked with future end", record: ptr(rec(subscription.StatusBlocked, testNow.Add(10*day))), wantStatus: AccessBlocked, wantMessage: subscription.MessageBlocked},
		{name: "canceled", record: ptr(rec(subscription.StatusCanceled, testNow.Add(10*day))), wantStatus: AccessUnknown, wantMessage: subscription.MessageUnknown},
		{name: "active without period end", record: &subscription.Record{OwnerID: "owner-1", Plan: subscription.PlanAutonomo, Status: subscription.StatusActive}, wantStatus: AccessBlocked, wantTrigger: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := &fakeStore{records: map[string]subscription.Record{}}
			if tc.record != nil {
				st.records["owner-1"] = *tc.record
			}
			trigger := &recordingTrigger{}
			decision := newTestService(st, trigger).CheckAccess(context.Background(), "owner-1")

			if decision.HasAccess != tc.wantAccess || decision.AccessStatus != tc.wantStatus {
				t.Fatalf("expected access=%v status=%s, got %+v", tc.wantAccess, tc.wantStatus, decision)
			}
			if got := len(trigger.calls()) == 1; got != tc.wantTrigger {
				t.Fatalf("expected trigger=%v, got calls %v", tc.wantTrigger, trigger.calls())
			}
			if tc.wantMessage != "" && !strings.Contains(decision.Message, tc.wantMessage) {
				t.Fatalf("expected message containing %q, got %q", tc.wantMessage, decision.Message)
			}
		})
	}
}

func TestCheckAccessFailsClosedOnStorageError(t *testing.T) {
	st := &fakeStore{err: errors.New("connection refused")}
	trigger := &recordingTrigger{}
	decision := newTestService(st, trigger).CheckAccess(context.Background(), "owner-1")

	if decision.HasAccess || decision.AccessStatus != AccessError {
		t.Fatalf("expected fail-closed error decision, got %+v", decision)
	}
	if decision.Message != subscription.MessageVerifyFailed {
		t.Fatalf("unexpected message %q", decision.Message)
	}
	if len(trigger.calls()) != 0 {
		t.Fatalf("expected no sweep on storage error")
	}
}

func TestCheckAccessWithoutTriggerStillDecides(t *testing.T) {
	st := &fakeStore{records: map[string]subscription.Record{"owner-1": rec(subscription.StatusTest, testNow.Add(-subscription.Day))}}
	decision := newTestService(st, nil).CheckAccess(context.Background(), "owner-1")
	if decision.HasAccess || decision.AccessStatus != AccessBlocked {
		t.Fatalf("expected blocked decision, got %+v", decision)
	}
}

func TestCheckAccessEmptyOwner(t *testing.T) {
	st := &fakeStore{records: map[string]subscription.Record{}}
	decision := newTestService(st, nil).CheckAccess(context.Background(), "")
	if decision.HasAccess || decision.AccessStatus != AccessNoSubscription {
		t.Fatalf("expected no_subscription for empty owner, got %+v", decision)
	}
}

func TestStartTrialAndCancel(t *testing.T) {
	st := &fakeStore{records: map[string]subscription.Record{}}
	svc := newTestService(st, nil)

	trial, err := svc.StartTrial(context.Background(), "owner-2", subscription.PlanAte5)
	if err != nil {
		t.Fatalf("start trial: %v", err)
	}
	if !trial.CurrentPeriodEnd.Time.Equal(testNow.Add(7 * subscription.Day)) {
		t.Fatalf("expected 7 day trial, got %s", trial.CurrentPeriodEnd.Time)
	}
	if _, err := svc.StartTrial(context.Background(), "owner-3", subscription.Plan("enterprise")); !errors.Is(err, subscription.ErrUnknownPlan) {
		t.Fatalf("expected unknown plan, got %v", err)
	}
	if _, err := svc.Cancel(context.Background(), "owner-2"); !errors.Is(err, subscription.ErrInvalidTransition) {
		t.Fatalf("expected trial cancel to be rejected, got %v", err)
	}

	st.records["owner-4"] = rec(subscription.StatusActive, testNow.Add(subscription.Day))
	canceled, err := svc.Cancel(context.Background(), "owner-4")
	if err != nil || canceled.Status != subscription.StatusCanceled {
		t.Fatalf("expected cancel, got %+v %v", canceled, err)
	}
}

func TestEnforceProfessionalLimit(t *testing.T) {
	st := &fakeStore{
		records: map[string]subscription.Record{
			"solo":  {OwnerID: "solo", Plan: subscription.PlanAutonomo, Status: subscription.StatusActive},
			"small": {OwnerID: "small", Plan: subscription.PlanAte3, Status: subscription.StatusActive},
		},
		professionals: map[string]int{"solo": 1, "small": 2},
	}
	svc := newTestService(st, nil)

	if _, err := svc.EnforceProfessionalLimit(context.Background(), "solo"); !errors.Is(err, ErrProfessionalLimitReached) {
		t.Fatalf("expected limit reached for autonomo, got %v", err)
	}
	usage, err := svc.EnforceProfessionalLimit(context.Background(), "small")
	if err != nil {
		t.Fatalf("expected room on ate_3: %v", err)
	}
	if usage.MaxProfessionals != 3 || usage.UsedProfessionals != 2 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if _, err := svc.EnforceProfessionalLimit(context.Background(), "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestDescribeHasNoSideEffects(t *testing.T) {
	expired := rec(subscription.StatusTest, testNow.Add(-subscription.Day))
	st := &fakeStore{records: map[string]subscription.Record{"owner-1": expired}}
	trigger := &recordingTrigger{}
	svc := newTestService(st, trigger)
	svc.Observer = observability.NewAccessObserver(zerolog.Nop(), observability.NewMetrics())

	for i := 0; i < 3; i++ {
		d := svc.Describe(context.Background(), "owner-1")
		if d.HasAccess || d.AccessStatus != AccessBlocked || d.Subscription == nil {
			t.Fatalf("unexpected description %+v", d)
		}
	}
	if calls := trigger.calls(); len(calls) != 0 {
		t.Fatalf("describe must not trigger sweeps, got %v", calls)
	}
	if n := svc.Observer.DenyCount("owner-1"); n != 0 {
		t.Fatalf("describe must not count denials, got %d", n)
	}

	svc.CheckAccess(context.Background(), "owner-1")
	if calls := trigger.calls(); len(calls) != 1 {
		t.Fatalf("check access should trigger one sweep, got %v", calls)
	}
	if n := svc.Observer.DenyCount("owner-1"); n != 1 {
		t.Fatalf("check access should count the denial, got %d", n)
	}
}

func TestAddProfessionalHonorsPlanCeiling(t *testing.T) {
	st := &fakeStore{
		records: map[string]subscription.Record{
			"solo": {OwnerID: "solo", Plan: subscription.PlanAutonomo, Status: subscription.StatusActive},
		},
		professionals: map[string]int{},
	}
	svc := newTestService(st, nil)

	if _, err := svc.AddProfessional(context.Background(), "solo", "  "); !errors.Is(err, ErrProfessionalNameRequired) {
		t.Fatalf("expected name required, got %v", err)
	}
	id, err := svc.AddProfessional(context.Background(), "solo", "Dra. Ana")
	if err != nil || id == "" {
		t.Fatalf("first professional: id=%q err=%v", id, err)
	}
	if _, err := svc.AddProfessional(context.Background(), "solo", "Dr. Bruno"); !errors.Is(err, ErrProfessionalLimitReached) {
		t.Fatalf("expected limit reached on autonomo, got %v", err)
	}
	if _, err := svc.AddProfessional(context.Background(), "missing", "Dra. Carla"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestRequireAccessMiddleware(t *testing.T) {
	st := &fakeStore{records: map[string]subscription.Record{
		"allowed": {OwnerID: "allowed", Plan: subscription.PlanAte3, Status: subscription.StatusActive, CurrentPeriodEnd: sql.NullTime{Time: testNow.Add(subscription.Day), Valid: true}},
		"blocked": {OwnerID: "blocked", Plan: subscription.PlanAte3, Status: subscription.StatusBlocked},
	}}
	svc := newTestService(st, nil)
	protected := svc.RequireAccess(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		owner    string
		storeErr error
		want     int
	}{
		{name: "allowed", owner: "allowed", want: http.StatusNoContent},
		{name: "blocked", owner: "blocked", want: http.StatusPaymentRequired},
		{name: "no subscription", owner: "nobody", want: http.StatusPaymentRequired},
		{name: "storage down", owner: "allowed", storeErr: errors.New("down"), want: http.StatusServiceUnavailable},
		{name: "anonymous", want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st.err = tc.storeErr
			req := httptest.NewRequest(http.MethodPost, "/v1/whatsapp/connect", nil)
			if tc.owner != "" {
				req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{OwnerID: tc.owner}))
			}
			rr := httptest.NewRecorder()
			protected.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func ptr(r subscription.Record) *subscription.Record {
	return &r
}
