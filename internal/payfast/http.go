package payfast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/trustwork/escrowd/internal/circuitbreaker"
	"github.com/trustwork/escrowd/internal/logging"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/signature"
	"github.com/trustwork/escrowd/internal/traces"
)

// Credentials identify the merchant on every provider request.
type Credentials struct {
	MerchantID  string
	MerchantKey string
}

// LogValue keeps the merchant key out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("merchant_id", c.MerchantID))
}

const maxResponseBody = 64 << 10

// HTTPClient submits payouts to the provider's payout endpoint.
type HTTPClient struct {
	baseURL string
	host    string
	creds   Credentials
	signer  *signature.Signer
	client  *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
	logger  *slog.Logger
}

// NewHTTPClient creates a payout client for baseURL.
func NewHTTPClient(baseURL string, creds Credentials, signer *signature.Signer) *HTTPClient {
	host := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		host:    host,
		creds:   creds,
		signer:  signer,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: circuitbreaker.New(host, 5, 30*time.Second),
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

// WithBreaker replaces the circuit breaker guarding the payout endpoint.
func (c *HTTPClient) WithBreaker(b *circuitbreaker.Breaker) *HTTPClient {
	c.breaker = b
	return c
}

// WithClock overrides the timestamp source. Used by tests.
func (c *HTTPClient) WithClock(now func() time.Time) *HTTPClient {
	c.now = now
	return c
}

// WithLogger sets the fallback logger.
func (c *HTTPClient) WithLogger(l *slog.Logger) *HTTPClient {
	c.logger = l
	return c
}

// Fields returns the signed form for req.
func (c *HTTPClient) Fields(req PayoutRequest) signature.Fields {
	return c.signer.Attach(signature.Fields{
		"merchant_id":    c.creds.MerchantID,
		"merchant_key":   c.creds.MerchantKey,
		"timestamp":      c.now().Format(time.RFC3339),
		"amount":         money.Format(req.Amount),
		"bank_name":      req.BankName,
		"account_number": req.AccountNumber,
		"branch_code":    req.BranchCode,
		"account_holder": req.AccountHolder,
		"reference":      req.Reference,
	})
}

type payoutResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Message       string `json:"message"`
}

// SubmitPayout posts one payout. Every failure is a *ProviderError.
func (c *HTTPClient) SubmitPayout(ctx context.Context, req PayoutRequest) (receipt *PayoutReceipt, err error) {
	ctx, span := traces.StartSpan(ctx, "payfast.SubmitPayout",
		traces.Amount(money.Format(req.Amount)))
	defer func() { traces.End(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	err = c.breaker.Do(func() error {
		var err error
		receipt, err = c.post(ctx, req)
		return err
	}, endpointFault)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &ProviderError{Message: "provider circuit open", Temporary: true}
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// endpointFault reports whether err means the endpoint is unreachable or
// broken, as opposed to answering with a rejection or throttling.
func endpointFault(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return true
	}
	return pe.Temporary && (pe.StatusCode == 0 || pe.StatusCode >= 500)
}

func (c *HTTPClient) post(ctx context.Context, req PayoutRequest) (*PayoutReceipt, error) {
	form := url.Values{}
	for k, v := range c.Fields(req) {
		form.Set(k, v)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PayoutPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Message: err.Error(), Temporary: true}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// The provider may have accepted the payout; only a retry with the
		// same reference can tell.
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "reading provider response: " + err.Error(), Temporary: true}
	}

	if resp.StatusCode >= 500 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: responseMessage(body, resp.StatusCode), Temporary: true}
	}

	var out payoutResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "unreadable provider response"}
	}
	if resp.StatusCode/100 != 2 || !strings.EqualFold(out.Status, "success") {
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    responseMessage(body, resp.StatusCode),
			Temporary:  resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	ref := out.TransactionID
	if ref == "" {
		ref = out.Reference
	}
	if ref == "" {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: "success response without a reference"}
	}
	logging.FromContext(ctx).Debug("payout accepted", "reference", req.Reference, "providerRef", ref, "merchant", c.creds)
	return &PayoutReceipt{ProviderRef: ref}, nil
}

func responseMessage(body []byte, status int) string {
	var out payoutResponse
	if json.Unmarshal(body, &out) == nil && out.Message != "" {
		return out.Message
	}
	return http.StatusText(status)
}
