package billing

import (
	"context"
	"errors"

	"agendaclinica/internal/subscription"
)

type CheckoutResult struct {
	PreferenceID string            `json:"preferenceId"`
	InitPoint    string            `json:"initPoint"`
	SandboxURL   string            `json:"sandboxInitPoint,omitempty"`
	Plan         subscription.Plan `json:"plan"`
	Amount       float64           `json:"amount"`
}

var planTitles = map[subscription.Plan]string{
	subscription.PlanAutonomo: "Agenda Clínica - Autônomo",
	subscription.PlanAte3:     "Agenda Clínica - Até 3 profissionais",
	subscription.PlanAte5:     "Agenda Clínica - Até 5 profissionais",
}

func (s *MercadoPagoService) planPrice(plan subscription.Plan) float64 {
	prices := s.Config.Billing.Prices
	switch plan {
	case subscription.PlanAutonomo:
		return prices.Autonomo
	case subscription.PlanAte3:
		return prices.Ate3
	case subscription.PlanAte5:
		return prices.Ate5
	default:
		return 0
	}
}

// CreateCheckout opens a one-month checkout preference. The owner id rides in
// external_reference so the payment notification can be mapped back.
func (s *MercadoPagoService) CreateCheckout(ctx context.Context, ownerID, email string, plan subscription.Plan) (*CheckoutResult, error) {
	if ownerID == "" {
		return nil, errors.New("checkout requires an owner")
	}
	price := s.planPrice(plan)
	if price <= 0 {
		return nil, subscription.ErrUnknownPlan
	}

	req := PreferenceRequest{
		Items: []PreferenceItem{{
			ID:         string(plan),
			Title:      planTitles[plan],
			Quantity:   1,
			UnitPrice:  price,
			CurrencyID: "BRL",
		}},
		ExternalReference: ownerID,
		Metadata:          map[string]string{"plan": string(plan), "owner_id": ownerID},
		NotificationURL:   s.Config.Billing.NotificationURL,
		BackURLs: PreferenceBackURLs{
			Success: s.Config.Billing.BackURL,
			Failure: s.Config.Billing.BackURL,
			Pending: s.Config.Billing.BackURL,
		},
	}
	if s.Config.Billing.BackURL != "" {
		req.AutoReturn = "approved"
	}
	if email != "" {
		req.Payer = &PreferencePayer{Email: email}
	}

	pref, err := s.Client.CreatePreference(ctx, req)
	if err != nil {
		return nil, err
	}
	s.Logger.Info().Str("owner_id", ownerID).Str("plan", string(plan)).Str("preference_id", pref.ID).Msg("checkout created")
	return &CheckoutResult{
		PreferenceID: pref.ID,
		InitPoint:    pref.InitPoint,
		SandboxURL:   pref.SandboxInitPoint,
		Plan:         plan,
		Amount:       price,
	}, nil
}
