package payfast

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrProvider is the sentinel behind every ProviderError.
var ErrProvider = errors.New("provider error")

// ProviderError is a failed payout submission.
type ProviderError struct {
	// StatusCode is the HTTP status, zero when no response arrived.
	StatusCode int
	Message    string
	// Temporary marks failures worth retrying: transport errors, 5xx,
	// throttling and an open circuit. A provider rejection is final.
	Temporary bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (http %d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}

func (e *ProviderError) Unwrap() error { return ErrProvider }

// IsTemporary reports whether err is a ProviderError worth retrying.
func IsTemporary(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Temporary
}

// Message returns the provider's message for err, or err's text.
func Message(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// PayoutRequest is one transfer to a freelancer's bank account.
type PayoutRequest struct {
	Amount        decimal.Decimal
	BankName      string
	AccountNumber string
	BranchCode    string
	AccountHolder string
	Reference     string
}

func (r PayoutRequest) validate() error {
	switch {
	case !r.Amount.IsPositive():
		return &ProviderError{Message: "amount must be positive"}
	case r.Reference == "":
		return &ProviderError{Message: "reference is required"}
	case r.AccountNumber == "" || r.BranchCode == "":
		return &ProviderError{Message: "bank account details are incomplete"}
	}
	return nil
}

// PayoutReceipt is the provider's acknowledgement of a payout.
type PayoutReceipt struct {
	ProviderRef string
}

// PayoutClient submits payouts to the provider.
type PayoutClient interface {
	SubmitPayout(ctx context.Context, req PayoutRequest) (*PayoutReceipt, error)
}
