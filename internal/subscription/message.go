package subscription

import "fmt"

const (
	MessageNoSubscription = "Nenhuma assinatura encontrada. Escolha um plano para começar a usar o sistema."
	MessageTestExpired    = "Seu período de teste terminou. Assine um plano para continuar usando o sistema."
	MessageBlocked        = "Sua assinatura está bloqueada. Regularize o pagamento para reativar o acesso."
	MessageUnknown        = "Status da assinatura não reconhecido. Entre em contato com o suporte."
	MessageVerifyFailed   = "Não foi possível verificar o status da assinatura. Tente novamente em instantes."
	messageTestActive     = "Período de teste: %d dia(s) restante(s)."
	messageActiveValid    = "Assinatura ativa: %d dia(s) restante(s) no período atual."
	messageActivePastDue  = "Pagamento pendente há %d dia(s). Seu acesso será bloqueado em %d dia(s)."
)

// FormatMessage turns a record and its classification into the status line
// shown to the clinic owner.
func FormatMessage(rec *Record, c Classification) string {
	if rec == nil {
		return MessageNoSubscription
	}
	switch rec.Status {
	case StatusTest:
		if c.IsExpired {
			return MessageTestExpired
		}
		return fmt.Sprintf(messageTestActive, c.DaysRemaining)
	case StatusActive:
		switch {
		case c.GraceExpired:
			return MessageBlocked
		case c.IsPastDue:
			return fmt.Sprintf(messageActivePastDue, c.DaysSinceExpired, c.DaysUntilBlock)
		default:
			return fmt.Sprintf(messageActiveValid, c.DaysRemaining)
		}
	case StatusBlocked:
		return MessageBlocked
	default:
		return MessageUnknown
	}
}
