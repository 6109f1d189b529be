// Package ledger talks to the external settlement service that holds payer
// and service balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"sensororacle/internal/apperr"
)

var log = logging.Logger("ledger")

const (
	// DefaultFee is charged on every transfer issued by this service.
	DefaultFee uint64 = 10_000
	// DefaultMemo tags every transfer so reconciliation can attribute it.
	DefaultMemo = "sensor-oracle"
)

// Service is the settlement collaborator.
type Service interface {
	Balance(ctx context.Context, account string) (uint64, error)
	// Transfer moves Amount from From to To. Ledger-side rejections are
	// returned as *TransferError; anything else is a transport failure.
	Transfer(ctx context.Context, args TransferArgs) (string, error)
}

// HealthChecker is implemented by services that can probe connectivity.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type TransferArgs struct {
	From      string
	To        string
	Amount    uint64
	Fee       uint64
	Memo      []byte
	CreatedAt time.Time
}

type TransferErrorKind int

const (
	InsufficientFunds TransferErrorKind = iota + 1
	StaleRequest
	FutureRequest
	DuplicateRequest
)

func (k TransferErrorKind) String() string {
	switch k {
	case InsufficientFunds:
		return "insufficient funds"
	case StaleRequest:
		return "stale request"
	case FutureRequest:
		return "future request"
	case DuplicateRequest:
		return "duplicate request"
	}
	return "unknown"
}

// TransferError is a terminal ledger-side rejection. It is never retried here.
type TransferError struct {
	Kind TransferErrorKind
	// Balance is set for InsufficientFunds.
	Balance uint64
	// Original is the id of the first transfer for DuplicateRequest.
	Original string
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case InsufficientFunds:
		return fmt.Sprintf("transfer rejected: insufficient funds (balance %d)", e.Balance)
	case DuplicateRequest:
		return fmt.Sprintf("transfer rejected: duplicate of %s", e.Original)
	}
	return "transfer rejected: " + e.Kind.String()
}

// AsTransferError extracts a *TransferError from err's chain.
func AsTransferError(err error) (*TransferError, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Client applies the service fee and memo to every transfer.
type Client struct {
	svc  Service
	fee  uint64
	memo []byte
	now  func() time.Time
}

type Option func(*Client)

func WithFee(fee uint64) Option {
	return func(c *Client) { c.fee = fee }
}

func WithMemo(memo string) Option {
	return func(c *Client) { c.memo = []byte(memo) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(svc Service, opts ...Option) *Client {
	c := &Client{
		svc:  svc,
		fee:  DefaultFee,
		memo: []byte(DefaultMemo),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Fee() uint64 { return c.fee }

// Service exposes the wrapped collaborator, e.g. for health checks.
func (c *Client) Service() Service { return c.svc }

// Balance fails with a network error when the service cannot be reached.
func (c *Client) Balance(ctx context.Context, account string) (uint64, error) {
	bal, err := c.svc.Balance(ctx, account)
	if err != nil {
		return 0, normalize(err, "balance")
	}
	return bal, nil
}

// Transfer stamps createdAt immediately before calling the service so the
// request lands inside the settlement acceptance window.
func (c *Client) Transfer(ctx context.Context, from, to string, amount uint64) (string, error) {
	args := TransferArgs{
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       c.fee,
		Memo:      c.memo,
		CreatedAt: c.now(),
	}
	txID, err := c.svc.Transfer(ctx, args)
	if err != nil {
		log.Debugw("transfer failed", "from", from, "to", to, "amount", amount, "error", err)
		return "", normalize(err, "transfer")
	}
	return txID, nil
}

// Refund returns amount from the service account to the payer.
func (c *Client) Refund(ctx context.Context, serviceAccount, payer string, amount uint64) (string, error) {
	return c.Transfer(ctx, serviceAccount, payer, amount)
}

func normalize(err error, op string) error {
	if _, ok := AsTransferError(err); ok {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.CodeNetwork, err, op)
}
