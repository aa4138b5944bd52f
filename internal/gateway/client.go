package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrGatewayUnavailable = errors.New("gateway: unavailable")

const (
	codeSuccess         = "00"
	paymentRequestsPath = "/v2/payment-requests"
)

type LineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

type PaymentLinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	ReturnURL   string
	CancelURL   string
	Items       []LineItem
	ExpiresAt   time.Time
}

type PaymentLink struct {
	PaymentLinkID string
	CheckoutURL   string
	// ExpiresAt is zero when the gateway did not state a TTL.
	ExpiresAt time.Time
}

type Options struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	Timeout     time.Duration
}

type Client struct {
	http   *resty.Client
	signer *Signer
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("x-client-id", opts.ClientID).
		SetHeader("x-api-key", opts.APIKey).
		SetHeader("Content-Type", "application/json")
	return &Client{http: hc, signer: NewSigner(opts.ChecksumKey)}
}

// Signer exposes the shared-secret signer so webhook verification uses the
// same key as outbound requests.
func (c *Client) Signer() *Signer { return c.signer }

type paymentRequestBody struct {
	OrderCode   int64      `json:"orderCode"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description"`
	ReturnURL   string     `json:"returnUrl"`
	CancelURL   string     `json:"cancelUrl"`
	Items       []LineItem `json:"items,omitempty"`
	ExpiredAt   *int64     `json:"expiredAt,omitempty"`
	Signature   string     `json:"signature"`
}

type paymentRequestResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data *struct {
		PaymentLinkID string `json:"paymentLinkId"`
		CheckoutURL   string `json:"checkoutUrl"`
		ExpiredAt     *int64 `json:"expiredAt"`
	} `json:"data"`
}

// CreatePaymentLink asks the gateway for a hosted checkout page. Transport
// failures, timeouts and gateway rejections all wrap ErrGatewayUnavailable.
func (c *Client) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (PaymentLink, error) {
	body := paymentRequestBody{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
		Items:       req.Items,
	}
	if !req.ExpiresAt.IsZero() {
		exp := req.ExpiresAt.Unix()
		body.ExpiredAt = &exp
	}
	body.Signature = c.signer.Sign(map[string]any{
		"amount":      req.Amount,
		"cancelUrl":   req.CancelURL,
		"description": req.Description,
		"orderCode":   req.OrderCode,
		"returnUrl":   req.ReturnURL,
	})

	var out paymentRequestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post(paymentRequestsPath)
	if err != nil {
		return PaymentLink{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return PaymentLink{}, fmt.Errorf("%w: http %d", ErrGatewayUnavailable, resp.StatusCode())
	}
	if out.Code != codeSuccess || out.Data == nil {
		return PaymentLink{}, fmt.Errorf("%w: rejected code=%s desc=%s", ErrGatewayUnavailable, out.Code, out.Desc)
	}
	if out.Data.PaymentLinkID == "" || out.Data.CheckoutURL == "" {
		return PaymentLink{}, fmt.Errorf("%w: incomplete payment link", ErrGatewayUnavailable)
	}

	link := PaymentLink{PaymentLinkID: out.Data.PaymentLinkID, CheckoutURL: out.Data.CheckoutURL}
	if out.Data.ExpiredAt != nil && *out.Data.ExpiredAt > 0 {
		link.ExpiresAt = time.Unix(*out.Data.ExpiredAt, 0).UTC()
	}
	return link, nil
}
