package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedWebhook = errors.New("gateway: malformed webhook")

type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeExpired   Outcome = "EXPIRED"
)

// Notification is a verified settlement signal for one order code.
type Notification struct {
	OrderCode     int64
	Outcome       Outcome
	Reference     string
	Amount        int64
	PaymentLinkID string
	Code          string
	Desc          string
	// Data keeps the signed object exactly as received, for audit.
	Data json.RawMessage
}

type webhookEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type webhookData struct {
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	Reference     string `json:"reference"`
	PaymentLinkID string `json:"paymentLinkId"`
	Code          string `json:"code"`
	Desc          string `json:"desc"`
	Status        string `json:"status"`
}

// ParseWebhook decodes a gateway callback and checks its signature over the
// data object. Nothing is trusted before the signature matches.
func (s *Signer) ParseWebhook(body []byte) (Notification, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Notification{}, fmt.Errorf("%w: missing data", ErrMalformedWebhook)
	}
	if strings.TrimSpace(env.Signature) == "" {
		return Notification{}, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if err := s.VerifyJSON(env.Data, env.Signature); err != nil {
		return Notification{}, err
	}

	var d webhookData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if d.OrderCode <= 0 {
		return Notification{}, fmt.Errorf("%w: missing orderCode", ErrMalformedWebhook)
	}
	if strings.TrimSpace(d.Reference) == "" {
		return Notification{}, fmt.Errorf("%w: missing reference", ErrMalformedWebhook)
	}

	return Notification{
		OrderCode:     d.OrderCode,
		Outcome:       outcomeOf(d),
		Reference:     strings.TrimSpace(d.Reference),
		Amount:        d.Amount,
		PaymentLinkID: d.PaymentLinkID,
		Code:          d.Code,
		Desc:          d.Desc,
		Data:          env.Data,
	}, nil
}

func outcomeOf(d webhookData) Outcome {
	switch strings.ToUpper(strings.TrimSpace(d.Status)) {
	case "CANCELLED":
		return OutcomeCancelled
	case "EXPIRED":
		return OutcomeExpired
	}
	if d.Code == codeSuccess {
		return OutcomeSuccess
	}
	return OutcomeFailed
}

// SignedWebhook builds a callback body signed with s. The reconciler tests
// and local tooling use it to emulate the gateway.
func (s *Signer) SignedWebhook(data map[string]any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	sig, err := s.SignJSON(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(webhookEnvelope{
		Code:      codeSuccess,
		Desc:      "success",
		Success:   true,
		Data:      raw,
		Signature: sig,
	})
}
