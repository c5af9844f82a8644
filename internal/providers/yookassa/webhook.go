package yookassa

import (
	"encoding/json"
	"strings"

	"github.com/lumapix/lumapix/internal/payment/domain"
)

type webhookEnvelope struct {
	Event  string          `json:"event"`
	Object json.RawMessage `json:"object"`
}

type refundObject struct {
	ID        string        `json:"id"`
	PaymentID string        `json:"payment_id"`
	Status    string        `json:"status"`
	Amount    *amountObject `json:"amount"`
}

// ParseEvent normalizes a webhook body into a status event. Payloads the
// engine cannot attribute or act on yield domain.ErrInvalidEvent; callers
// treat that as a no-op, not a failure.
func ParseEvent(body []byte) (*domain.StatusEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	eventName := strings.ToLower(env.Event)

	if strings.HasPrefix(eventName, "refund.") {
		var obj refundObject
		if err := json.Unmarshal(env.Object, &obj); err != nil {
			return nil, err
		}
		if obj.PaymentID == "" || obj.Status == "" {
			return nil, domain.ErrInvalidEvent
		}
		ev := &domain.StatusEvent{
			Kind:         domain.EventKindRefund,
			Source:       domain.SourceWebhook,
			ProviderID:   obj.PaymentID,
			RefundStatus: obj.Status,
		}
		if obj.Amount != nil {
			ev.RubAmount = parseRub(obj.Amount.Value)
			ev.Currency = obj.Amount.Currency
		}
		return ev, nil
	}

	var obj paymentObject
	if err := json.Unmarshal(env.Object, &obj); err != nil {
		return nil, err
	}
	if obj.ID == "" || obj.Status == "" {
		return nil, domain.ErrInvalidEvent
	}
	ev := normalizePayment(&obj)
	ev.Source = domain.SourceWebhook
	return ev, nil
}
