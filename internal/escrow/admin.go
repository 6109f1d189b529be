package escrow

import (
	"context"

	"sensororacle/internal/apperr"
	"sensororacle/internal/security"
)

func (o *Orchestrator) IsAdmin(caller string) bool {
	_, ok := o.admins[caller]
	return ok
}

func (o *Orchestrator) requireAdmin(caller string) error {
	if !o.IsAdmin(caller) {
		log.Warnw("admin operation denied", "caller", caller)
		return apperr.New(apperr.CodeUnauthorized, "caller %q is not an admin", caller)
	}
	return nil
}

func (o *Orchestrator) ready() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.initialized {
		return apperr.ErrNotInitialized
	}
	return nil
}

// Initialize binds the orchestrator to a settlement ledger and optionally
// installs a security config. It succeeds once.
func (o *Orchestrator) Initialize(caller, ledgerID string, cfg *security.Config) error {
	if err := o.requireAdmin(caller); err != nil {
		return err
	}
	if ledgerID == "" {
		return apperr.New(apperr.CodeInvalidRequest, "ledger id is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return apperr.ErrAlreadyInitialized
	}
	if cfg != nil {
		if err := o.security.Replace(*cfg); err != nil {
			return apperr.Wrap(apperr.CodeInvalidRequest, err, "security config")
		}
	}
	o.ledgerID = ledgerID
	o.initialized = true
	log.Infow("oracle initialized", "caller", caller, "ledgerId", ledgerID, "serviceAccount", o.serviceAccount)
	return nil
}

// Initialized reports the bound ledger id.
func (o *Orchestrator) Initialized() (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ledgerID, o.initialized
}

// SecurityConfig returns the live security config.
func (o *Orchestrator) SecurityConfig() security.Config {
	return o.security.Current()
}

// UpdateSecurityConfig replaces the live config; the next fetch attempt of
// every in-flight request reads the new value.
func (o *Orchestrator) UpdateSecurityConfig(caller string, cfg security.Config) error {
	if err := o.requireAdmin(caller); err != nil {
		return err
	}
	if err := o.security.Replace(cfg); err != nil {
		return apperr.Wrap(apperr.CodeInvalidRequest, err, "security config")
	}
	log.Infow("security config updated", "caller", caller, "maxRetries", cfg.MaxRetries, "allowedDomains", cfg.AllowedDomains)
	return nil
}

// WithdrawBalance transfers amount out of the service account. An empty to
// pays the calling admin.
func (o *Orchestrator) WithdrawBalance(ctx context.Context, caller, to string, amount uint64) (string, error) {
	if err := o.requireAdmin(caller); err != nil {
		return "", err
	}
	if err := o.ready(); err != nil {
		return "", err
	}
	if amount == 0 {
		return "", apperr.New(apperr.CodeInvalidRequest, "amount must be positive")
	}
	if to == "" {
		to = caller
	}
	txID, err := o.ledger.Transfer(ctx, o.serviceAccount, to, amount)
	if err != nil {
		return "", transferFailure(err)
	}
	log.Infow("service balance withdrawn", "caller", caller, "to", to, "amount", amount, "txId", txID)
	return txID, nil
}
