// Package payfast adapts the payment provider: it parses inbound
// instant transaction notifications (ITNs), checks where they came from,
// and submits outbound payouts.
//
// Mode selection happens once, in NewPayoutClient and NewOriginVerifier.
// Production talks to the live API and checks ITN origins; every other mode
// uses the simulated payout adapter and accepts any origin.
package payfast

import (
	"time"

	"github.com/trustwork/escrowd/internal/config"
	"github.com/trustwork/escrowd/internal/signature"
)

// Provider base URLs.
const (
	LiveBaseURL    = "https://api.payfast.co.za"
	SandboxBaseURL = "https://sandbox.payfast.co.za"

	// PayoutPath is appended to the base URL for payout submissions.
	PayoutPath = "/eng/process/payout"
)

// DefaultSimulatedDelay is how long the simulated adapter takes to answer.
const DefaultSimulatedDelay = 250 * time.Millisecond

// BaseURL returns the provider base URL for the given mode.
func BaseURL(production bool) string {
	if production {
		return LiveBaseURL
	}
	return SandboxBaseURL
}

// NewPayoutClient returns the live HTTP adapter in production and the
// simulated adapter otherwise.
func NewPayoutClient(cfg *config.Config, signer *signature.Signer) PayoutClient {
	if cfg.IsProduction() {
		return NewHTTPClient(BaseURL(true), Credentials{
			MerchantID:  cfg.MerchantID,
			MerchantKey: cfg.MerchantKey,
		}, signer)
	}
	return NewSimulator(DefaultSimulatedDelay)
}

// NewOriginVerifier returns the host-resolving verifier in production and
// a permissive one otherwise.
func NewOriginVerifier(cfg *config.Config) OriginVerifier {
	if cfg.IsProduction() {
		return NewHostVerifier(ProviderHosts)
	}
	return AllowAnyOrigin{}
}
