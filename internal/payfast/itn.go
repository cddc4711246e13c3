package payfast

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/trustwork/escrowd/internal/ledger"
	"github.com/trustwork/escrowd/internal/money"
	"github.com/trustwork/escrowd/internal/signature"
)

// ErrMalformed is returned for notifications missing required fields.
var ErrMalformed = errors.New("malformed notification")

// Correlation carries the platform identifiers echoed back in the
// custom_str fields.
type Correlation struct {
	JobID         string `json:"jobId"`
	FreelancerID  string `json:"freelancerId"`
	ApplicationID string `json:"applicationId,omitempty"`
}

// Payer is the buyer as reported by the provider.
type Payer struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

// ITN is a parsed instant transaction notification.
type ITN struct {
	CorrelationID     string
	ProviderPaymentID string
	Status            ledger.PaymentStatus
	MerchantID        string
	ItemName          string
	ItemDescription   string
	Gross             decimal.Decimal
	Fee               decimal.Decimal
	Net               decimal.Decimal
	Payer             Payer
	Correlation       Correlation
	CustomInt1        string
	CustomInt2        string

	// Raw is the full field map as received, kept for audit.
	Raw signature.Fields
}

var statuses = map[string]ledger.PaymentStatus{
	"COMPLETE":  ledger.PaymentComplete,
	"FAILED":    ledger.PaymentFailed,
	"PENDING":   ledger.PaymentPending,
	"CANCELLED": ledger.PaymentCancelled,
}

// ParseStatus maps the provider's payment_status to a PaymentStatus.
func ParseStatus(s string) (ledger.PaymentStatus, bool) {
	st, ok := statuses[strings.ToUpper(strings.TrimSpace(s))]
	return st, ok
}

// ParseITN converts verified form fields into a typed notification.
// The provider reports its fee as a negative number; Fee is its magnitude.
// When amount_net is absent it is derived as gross minus fee.
func ParseITN(fields signature.Fields) (*ITN, error) {
	n := &ITN{
		CorrelationID:     strings.TrimSpace(fields["m_payment_id"]),
		ProviderPaymentID: fields["pf_payment_id"],
		MerchantID:        fields["merchant_id"],
		ItemName:          fields["item_name"],
		ItemDescription:   fields["item_description"],
		Payer: Payer{
			FirstName: fields["name_first"],
			LastName:  fields["name_last"],
			Email:     fields["email_address"],
		},
		Correlation: Correlation{
			JobID:         fields["custom_str1"],
			FreelancerID:  fields["custom_str2"],
			ApplicationID: fields["custom_str3"],
		},
		CustomInt1: fields["custom_int1"],
		CustomInt2: fields["custom_int2"],
		Raw:        make(signature.Fields, len(fields)),
	}
	for k, v := range fields {
		n.Raw[k] = v
	}

	if n.CorrelationID == "" {
		return nil, fmt.Errorf("%w: m_payment_id is required", ErrMalformed)
	}
	st, ok := ParseStatus(fields["payment_status"])
	if !ok {
		return nil, fmt.Errorf("%w: unknown payment_status %q", ErrMalformed, fields["payment_status"])
	}
	n.Status = st

	var err error
	if n.Gross, err = amount(fields, "amount_gross", true); err != nil {
		return nil, err
	}
	if n.Fee, err = amount(fields, "amount_fee", false); err != nil {
		return nil, err
	}
	n.Fee = n.Fee.Abs()
	if fields["amount_net"] == "" {
		n.Net = n.Gross.Sub(n.Fee)
	} else if n.Net, err = amount(fields, "amount_net", false); err != nil {
		return nil, err
	}
	return n, nil
}

func amount(fields signature.Fields, key string, required bool) (decimal.Decimal, error) {
	raw := strings.TrimSpace(fields[key])
	if raw == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%w: %s is required", ErrMalformed, key)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s=%q is not a number", ErrMalformed, key, raw)
	}
	return d.Round(money.Places), nil
}

// ProviderTransaction returns the ledger row for this notification.
func (n *ITN) ProviderTransaction() *ledger.ProviderTransaction {
	return &ledger.ProviderTransaction{
		CorrelationID:     n.CorrelationID,
		ProviderPaymentID: n.ProviderPaymentID,
		Status:            n.Status,
		Gross:             n.Gross,
		Fee:               n.Fee,
		Net:               n.Net,
		JobID:             n.Correlation.JobID,
		FreelancerID:      n.Correlation.FreelancerID,
		ApplicationID:     n.Correlation.ApplicationID,
		Raw:               n.Raw,
	}
}
