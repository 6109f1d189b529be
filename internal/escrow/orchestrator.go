// Package escrow sequences a paid asset request: balance check, funds
// transfer into the service account, package fetch and mint, with one
// compensating refund when a step after the transfer fails.
package escrow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"sensororacle/internal/apperr"
	"sensororacle/internal/assets"
	"sensororacle/internal/datapackage"
	"sensororacle/internal/fetcher"
	"sensororacle/internal/ledger"
	"sensororacle/internal/security"
)

var log = logging.Logger("escrow")

// Config holds the identities the orchestrator acts with.
type Config struct {
	ServiceAccount string
	Admins         []string
}

type Option func(*Orchestrator)

// WithFetcherOptions is applied to the Fetcher built for every request.
func WithFetcherOptions(opts ...fetcher.Option) Option {
	return func(o *Orchestrator) { o.fetchOpts = append(o.fetchOpts, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRequestIDs overrides the generator of X-Request-ID values.
func WithRequestIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newRequestID = next }
}

// WithObserver receives every state a request enters.
func WithObserver(fn func(State)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

type Orchestrator struct {
	ledger    *ledger.Client
	assets    *assets.Ledger
	generator *datapackage.Generator
	security  *security.Store

	serviceAccount string
	admins         map[string]struct{}

	fetchOpts    []fetcher.Option
	now          func() time.Time
	newRequestID func() string
	observe      func(State)
	limiter      *callerLimiter

	mu          sync.RWMutex
	initialized bool
	ledgerID    string
}

func New(cfg Config, lc *ledger.Client, al *assets.Ledger, gen *datapackage.Generator, sec *security.Store, opts ...Option) (*Orchestrator, error) {
	if cfg.ServiceAccount == "" {
		return nil, errors.New("escrow: service account is required")
	}
	if lc == nil || al == nil || gen == nil || sec == nil {
		return nil, errors.New("escrow: ledger client, asset ledger, generator and security store are required")
	}
	o := &Orchestrator{
		ledger:         lc,
		assets:         al,
		generator:      gen,
		security:       sec,
		serviceAccount: cfg.ServiceAccount,
		admins:         make(map[string]struct{}, len(cfg.Admins)),
		now:            time.Now,
		newRequestID:   uuid.NewString,
		observe:        func(State) {},
		limiter:        newCallerLimiter(),
	}
	for _, a := range cfg.Admins {
		if a != "" {
			o.admins[a] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) ServiceAccount() string { return o.serviceAccount }

// request tracks one RequestAsset call through the state machine.
type request struct {
	id     string
	payer  string
	amount uint64
	state  State
}

func (o *Orchestrator) enter(r *request, s State) {
	log.Debugw("request transition", "requestId", r.id, "payer", r.payer, "from", r.state, "to", s)
	r.state = s
	o.observe(s)
}

// reject ends a request before any funds moved.
func (o *Orchestrator) reject(r *request, cause error) error {
	step := r.state
	o.enter(r, StateRejected)
	log.Infow("asset request rejected", "requestId", r.id, "payer", r.payer, "step", step, "error", cause)
	return &RequestError{State: StateRejected, Step: step, Cause: cause}
}

// refund returns the payment after a post-transfer failure. It is attempted
// exactly once and survives caller cancellation.
func (o *Orchestrator) refund(ctx context.Context, r *request, cause error) error {
	step := r.state
	o.enter(r, StateRefunding)

	out := &RefundOutcome{Amount: r.amount}
	out.TransactionID, out.Err = o.ledger.Refund(context.WithoutCancel(ctx), o.serviceAccount, r.payer, r.amount)
	if out.Err != nil {
		log.Errorw("refund failed", "requestId", r.id, "payer", r.payer, "amount", r.amount, "cause", cause, "error", out.Err)
	} else {
		log.Warnw("payment refunded", "requestId", r.id, "payer", r.payer, "amount", r.amount, "txId", out.TransactionID, "cause", cause)
	}
	o.enter(r, StateRefunded)
	return &RequestError{State: StateRefunded, Step: step, Cause: cause, Refund: out}
}

// RequestAsset charges payer amount plus the ledger fee and mints an asset
// over a freshly generated package. It returns the new token id.
func (o *Orchestrator) RequestAsset(ctx context.Context, payer string, amount uint64, params datapackage.RequestParams) (uint64, error) {
	if err := o.ready(); err != nil {
		return 0, err
	}
	r := &request{id: o.newRequestID(), payer: payer, amount: amount, state: StateRequested}
	cfg := o.security.Current()

	if payer == "" {
		return 0, o.reject(r, apperr.New(apperr.CodeInvalidRequest, "payer is required"))
	}
	if err := params.Validate(); err != nil {
		return 0, o.reject(r, err)
	}
	if amount == 0 || amount < cfg.MinPaymentAmount {
		return 0, o.reject(r, apperr.New(apperr.CodeInvalidTransaction, "payment %d below minimum %d", amount, cfg.MinPaymentAmount))
	}
	if !o.limiter.allow(payer, cfg.RateLimitPerDay, o.now()) {
		return 0, o.reject(r, apperr.New(apperr.CodeRateLimited, "daily limit of %d requests reached", cfg.RateLimitPerDay))
	}

	balance, err := o.ledger.Balance(ctx, payer)
	if err != nil {
		return 0, o.reject(r, err)
	}
	total := amount + o.ledger.Fee()
	if total < amount || balance < total {
		return 0, o.reject(r, apperr.New(apperr.CodeInsufficientFunds, "balance %d below %d", balance, total))
	}
	o.enter(r, StateBalanceChecked)

	txID, err := o.ledger.Transfer(ctx, payer, o.serviceAccount, amount)
	if err != nil {
		return 0, o.reject(r, transferFailure(err))
	}
	paidAt := o.now()
	o.enter(r, StateFundsTransferred)

	pkg, err := o.generator.Generate(ctx, fetcher.New(o.security, o.fetchOpts...), r.id, params)
	if err != nil {
		return 0, o.refund(ctx, r, err)
	}
	o.enter(r, StatePackageFetched)

	payment := assets.NewPaymentInfo(amount, txID, paidAt, params.Duration())
	tokenID, err := o.assets.Mint(context.WithoutCancel(ctx), o.serviceAccount, payer, pkg, payment)
	if err != nil {
		return 0, o.refund(ctx, r, err)
	}
	o.enter(r, StateMinted)
	log.Infow("asset purchased", "requestId", r.id, "payer", payer, "tokenId", tokenID, "txId", txID, "packageId", pkg.ID())
	return tokenID, nil
}

// transferFailure collapses ledger rejections into the outward taxonomy.
// Stale, future and duplicate requests are not distinguished.
func transferFailure(err error) error {
	terr, ok := ledger.AsTransferError(err)
	if !ok {
		return err
	}
	log.Debugw("ledger rejected transfer", "kind", terr.Kind, "balance", terr.Balance)
	if terr.Kind == ledger.InsufficientFunds {
		return apperr.New(apperr.CodeInsufficientFunds, "insufficient funds for transfer")
	}
	return apperr.New(apperr.CodeInvalidTransaction, "transfer rejected by ledger")
}

// TransferAsset moves tokenID from caller to to.
func (o *Orchestrator) TransferAsset(ctx context.Context, caller, to string, tokenID uint64, price *uint64) error {
	if err := o.ready(); err != nil {
		return err
	}
	if to == "" {
		return apperr.New(apperr.CodeInvalidRequest, "recipient is required")
	}
	return o.assets.Transfer(ctx, tokenID, caller, to, price)
}

func (o *Orchestrator) GetAssetMetadata(tokenID uint64) (assets.Asset, error) {
	return o.assets.GetMetadata(tokenID)
}

func (o *Orchestrator) GetPackage(tokenID uint64) (*datapackage.Package, error) {
	return o.assets.GetPackage(tokenID)
}

func (o *Orchestrator) GetOwnerTokens(owner string) []uint64 {
	return o.assets.GetOwnerTokens(owner)
}

func (o *Orchestrator) GetTransferHistory(tokenID uint64) ([]assets.TransferRecord, error) {
	return o.assets.GetTransferHistory(tokenID)
}
