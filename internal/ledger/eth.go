package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"sensororacle/internal/apperr"
)

const erc20ABI = `[
{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// EthService settles through an ERC-20 token contract. Payers approve the
// service signer, which pulls funds with transferFrom; outgoing transfers
// from the signer use transfer. Fee and memo have no on-chain
// representation; the acceptance window and dedup are enforced locally.
type EthService struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	signer    common.Address
	transacts *bind.TransactOpts
	window    *dedupWindow
	waitMined bool
	now       func() time.Time
}

type EthServiceConfig struct {
	RPCURL        string
	PrivateKeyHex string
	TokenContract string
	// WaitMined blocks each transfer until its receipt is available.
	WaitMined bool
}

func NewEthService(ctx context.Context, cfg EthServiceConfig) (*EthService, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("token contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for settling transfers")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}

	address := common.HexToAddress(cfg.TokenContract)
	return &EthService{
		client:    cli,
		contract:  bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		signer:    crypto.PubkeyToAddress(pk.PublicKey),
		transacts: txOpts,
		window:    newDedupWindow(),
		waitMined: cfg.WaitMined,
		now:       time.Now,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Account is the signer address, i.e. the service account on this ledger.
func (c *EthService) Account() string { return c.signer.Hex() }

func (c *EthService) Balance(ctx context.Context, account string) (uint64, error) {
	if !common.IsHexAddress(account) {
		return 0, apperr.New(apperr.CodeInvalidRequest, "invalid account address %q", account)
	}
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", common.HexToAddress(account)); err != nil {
		return 0, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("balanceOf: unexpected result arity %d", len(out))
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("balanceOf: unexpected result type %T", out[0])
	}
	if !bal.IsUint64() {
		return ^uint64(0), nil
	}
	return bal.Uint64(), nil
}

func (c *EthService) Transfer(ctx context.Context, args TransferArgs) (string, error) {
	if !common.IsHexAddress(args.From) || !common.IsHexAddress(args.To) {
		return "", apperr.New(apperr.CodeInvalidRequest, "invalid transfer addresses %q -> %q", args.From, args.To)
	}
	if terr := c.window.check(args, c.now()); terr != nil {
		return "", terr
	}

	from := common.HexToAddress(args.From)
	to := common.HexToAddress(args.To)
	amount := new(big.Int).SetUint64(args.Amount)

	opts := *c.transacts
	opts.Context = ctx

	var (
		tx     *types.Transaction
		err    error
		method string
	)
	if from == c.signer {
		method = "transfer"
		tx, err = c.contract.Transact(&opts, method, to, amount)
	} else {
		method = "transferFrom"
		tx, err = c.contract.Transact(&opts, method, from, to, amount)
	}
	if err != nil {
		if isBalanceRevert(err) {
			return "", &TransferError{Kind: InsufficientFunds}
		}
		return "", fmt.Errorf("%s tx: %w", method, err)
	}

	if c.waitMined {
		receipt, err := WaitForReceipt(ctx, c.client, tx)
		if err != nil {
			return "", fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return "", apperr.New(apperr.CodeInvalidTransaction, "transaction %s reverted", tx.Hash().Hex())
		}
	}

	id := tx.Hash().Hex()
	c.window.remember(args, id)
	return id, nil
}

func (c *EthService) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

// isBalanceRevert matches the revert reasons of common ERC-20 implementations.
func isBalanceRevert(err error) bool {
	msg := strings.ReplaceAll(strings.ToLower(err.Error()), " ", "")
	return strings.Contains(msg, "exceedsbalance") ||
		strings.Contains(msg, "insufficientbalance") ||
		strings.Contains(msg, "insufficientallowance") ||
		strings.Contains(msg, "exceedsallowance")
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
