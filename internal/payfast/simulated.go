package payfast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustwork/escrowd/internal/idgen"
	"github.com/trustwork/escrowd/internal/money"
)

// Simulator is the non-production payout adapter. It accepts every valid
// request after a short delay and answers with a synthetic reference.
type Simulator struct {
	delay  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewSimulator creates a simulated payout adapter.
func NewSimulator(delay time.Duration) *Simulator {
	return &Simulator{delay: delay, now: time.Now, logger: slog.Default()}
}

// WithClock overrides the clock used in references.
func (s *Simulator) WithClock(now func() time.Time) *Simulator {
	s.now = now
	return s
}

// WithLogger sets the logger.
func (s *Simulator) WithLogger(l *slog.Logger) *Simulator {
	s.logger = l
	return s
}

// SubmitPayout returns SB-<unix millis>-<nonce>.
func (s *Simulator) SubmitPayout(ctx context.Context, req PayoutRequest) (*PayoutReceipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, &ProviderError{Message: ctx.Err().Error(), Temporary: true}
		case <-t.C:
		}
	}
	ref := fmt.Sprintf("SB-%d-%s", s.now().UnixMilli(), idgen.Hex(4))
	s.logger.Info("simulated payout", "reference", req.Reference, "amount", money.Format(req.Amount), "providerRef", ref)
	return &PayoutReceipt{ProviderRef: ref}, nil
}
