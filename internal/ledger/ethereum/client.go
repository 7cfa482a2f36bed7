package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-escrow/internal/ledger"
)

// ChainReader is the part of ethclient.Client the escrow client needs.
type ChainReader interface {
	CallContract(ctx context.Context, call goethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Submitter hands calldata to the wallet service that signs and broadcasts it
// on behalf of from. It must wrap a user's refusal to sign in ledger.ErrRejected.
type Submitter interface {
	Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error)
}

// Client talks to the AuctionEscrow contract.
type Client struct {
	chain     ChainReader
	submitter Submitter
	contract  common.Address
	abi       abi.ABI
	erc20     abi.ABI
	poller    *ledger.Poller

	tokenMu sync.Mutex
	token   common.Address
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL, contract string, submitter Submitter, poller *ledger.Poller) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}
	return New(ec, submitter, common.HexToAddress(contract), poller)
}

func New(chain ChainReader, submitter Submitter, contract common.Address, poller *ledger.Poller) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	if poller == nil {
		poller = ledger.NewPoller(ledger.DefaultPollInterval, ledger.DefaultPollAttempts)
	}
	return &Client{
		chain:     chain,
		submitter: submitter,
		contract:  contract,
		abi:       parsed,
		erc20:     erc20,
		poller:    poller,
	}, nil
}

func (c *Client) CreateAuction(ctx context.Context, seller string, endTime time.Time, autoAcceptPrice int64) (string, ledger.TxRef, error) {
	data, err := c.abi.Pack("createAuction", big.NewInt(endTime.Unix()), big.NewInt(autoAcceptPrice))
	if err != nil {
		return "", "", fmt.Errorf("failed to pack createAuction: %w", err)
	}
	receipt, tx, err := c.transact(ctx, seller, data)
	if err != nil {
		return "", tx, err
	}
	if receipt.RemoteID == "" {
		return "", tx, fmt.Errorf("%w: AuctionCreated event missing from receipt", ledger.ErrReverted)
	}
	return receipt.RemoteID, tx, nil
}

func (c *Client) PlaceBid(ctx context.Context, bidder, remoteID string, amount int64) (ledger.TxRef, error) {
	id, err := parseRemoteID(remoteID)
	if err != nil {
		return "", err
	}
	// Pre-check against the ledger so an obviously low bid never reaches the signer.
	snap, err := c.ReadAuction(ctx, remoteID)
	if err != nil {
		return "", err
	}
	if snap.IsClosed {
		return "", fmt.Errorf("%w: auction %s closed", ledger.ErrReverted, remoteID)
	}
	if amount <= snap.HighestBid {
		return "", fmt.Errorf("%w: highest is %d", ledger.ErrBidTooLow, snap.HighestBid)
	}
	if err := c.checkFunds(ctx, bidder, amount); err != nil {
		return "", err
	}

	data, err := c.abi.Pack("placeBid", id, big.NewInt(amount))
	if err != nil {
		return "", fmt.Errorf("failed to pack placeBid: %w", err)
	}
	_, tx, err := c.transact(ctx, bidder, data)
	return tx, err
}

func (c *Client) CloseAuction(ctx context.Context, caller, remoteID string) (ledger.TxRef, error) {
	id, err := parseRemoteID(remoteID)
	if err != nil {
		return "", err
	}
	snap, err := c.ReadAuction(ctx, remoteID)
	if err != nil {
		return "", err
	}
	if snap.IsClosed {
		return "", nil
	}

	data, err := c.abi.Pack("closeAuction", id)
	if err != nil {
		return "", fmt.Errorf("failed to pack closeAuction: %w", err)
	}
	_, tx, err := c.transact(ctx, caller, data)
	if errors.Is(err, ledger.ErrReverted) {
		// Someone else may have closed it between our read and our transaction.
		if snap, readErr := c.ReadAuction(ctx, remoteID); readErr == nil && snap.IsClosed {
			return "", nil
		}
	}
	return tx, err
}

func (c *Client) WithdrawRefund(ctx context.Context, address string) (ledger.TxRef, error) {
	data, err := c.abi.Pack("withdrawRefund")
	if err != nil {
		return "", fmt.Errorf("failed to pack withdrawRefund: %w", err)
	}
	_, tx, err := c.transact(ctx, address, data)
	return tx, err
}

func (c *Client) ReadAuction(ctx context.Context, remoteID string) (ledger.Snapshot, error) {
	id, err := parseRemoteID(remoteID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	out, err := c.call(ctx, "getAuction", id)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	if len(out) != 7 {
		return ledger.Snapshot{}, fmt.Errorf("%w: getAuction returned %d values", ledger.ErrUnavailable, len(out))
	}

	seller, _ := out[0].(common.Address)
	if seller == (common.Address{}) {
		return ledger.Snapshot{}, fmt.Errorf("%w: %s", ledger.ErrUnknownAuction, remoteID)
	}
	endTime, err := toInt64(out[1])
	if err != nil {
		return ledger.Snapshot{}, err
	}
	highest, err := toInt64(out[2])
	if err != nil {
		return ledger.Snapshot{}, err
	}
	bidder, _ := out[3].(common.Address)
	autoAccept, err := toInt64(out[4])
	if err != nil {
		return ledger.Snapshot{}, err
	}
	closed, _ := out[6].(bool)

	snap := ledger.Snapshot{
		RemoteID:        remoteID,
		Seller:          strings.ToLower(seller.Hex()),
		HighestBid:      highest,
		AutoAcceptPrice: autoAccept,
		IsClosed:        closed,
		EndTime:         time.Unix(endTime, 0).UTC(),
	}
	if bidder != (common.Address{}) {
		snap.HighestBidder = strings.ToLower(bidder.Hex())
	}
	return snap, nil
}

// ReadBid returns the bidder's latest bid on the auction via getBid.
func (c *Client) ReadBid(ctx context.Context, remoteID, bidder string) (ledger.BidRecord, error) {
	id, err := parseRemoteID(remoteID)
	if err != nil {
		return ledger.BidRecord{}, err
	}
	out, err := c.call(ctx, "getBid", id, common.HexToAddress(bidder))
	if err != nil {
		return ledger.BidRecord{}, err
	}
	if len(out) != 4 {
		return ledger.BidRecord{}, fmt.Errorf("%w: getBid returned %d values", ledger.ErrUnavailable, len(out))
	}
	amount, err := toInt64(out[1])
	if err != nil {
		return ledger.BidRecord{}, err
	}
	ts, err := toInt64(out[2])
	if err != nil {
		return ledger.BidRecord{}, err
	}
	refunded, _ := out[3].(bool)

	rec := ledger.BidRecord{
		Bidder:   strings.ToLower(common.HexToAddress(bidder).Hex()),
		Amount:   amount,
		Refunded: refunded,
	}
	if amount > 0 {
		rec.Timestamp = time.Unix(ts, 0).UTC()
	}
	return rec, nil
}

// checkFunds fails with ErrInsufficientFunds when the bidder's USDC allowance
// to the escrow contract or balance is below amount. The contract would
// otherwise revert the transfer on chain.
func (c *Client) checkFunds(ctx context.Context, bidder string, amount int64) error {
	token, err := c.usdcToken(ctx)
	if err != nil {
		return err
	}
	owner := common.HexToAddress(bidder)

	allowance, err := c.callToken(ctx, token, "allowance", owner, c.contract)
	if err != nil {
		return err
	}
	if allowance.Cmp(big.NewInt(amount)) < 0 {
		return fmt.Errorf("%w: usdc allowance %s below bid %d", ledger.ErrInsufficientFunds, allowance, amount)
	}
	balance, err := c.callToken(ctx, token, "balanceOf", owner)
	if err != nil {
		return err
	}
	if balance.Cmp(big.NewInt(amount)) < 0 {
		return fmt.Errorf("%w: usdc balance %s below bid %d", ledger.ErrInsufficientFunds, balance, amount)
	}
	return nil
}

// usdcToken reads the escrow's payment token once and caches it.
func (c *Client) usdcToken(ctx context.Context) (common.Address, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != (common.Address{}) {
		return c.token, nil
	}
	out, err := c.call(ctx, "usdcToken")
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%w: usdcToken returned %d values", ledger.ErrUnavailable, len(out))
	}
	token, ok := out[0].(common.Address)
	if !ok || token == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: usdcToken returned no address", ledger.ErrUnavailable)
	}
	c.token = token
	return token, nil
}

func (c *Client) callToken(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	raw, err := c.chain.CallContract(ctx, goethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, method, err)
	}
	out, err := c.erc20.Unpack(method, raw)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("%w: failed to unpack %s: %v", ledger.ErrUnavailable, method, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok || n == nil {
		return nil, fmt.Errorf("%w: %s returned %T", ledger.ErrUnavailable, method, out[0])
	}
	return n, nil
}

func (c *Client) ReadRefundBalance(ctx context.Context, address string) (int64, error) {
	out, err := c.call(ctx, "pendingRefunds", common.HexToAddress(address))
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%w: pendingRefunds returned %d values", ledger.ErrUnavailable, len(out))
	}
	return toInt64(out[0])
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	raw, err := c.chain.CallContract(ctx, goethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unpack %s: %v", ledger.ErrUnavailable, method, err)
	}
	return out, nil
}

// transact submits calldata and waits for a receipt. A failed receipt is ErrReverted.
func (c *Client) transact(ctx context.Context, from string, data []byte) (ledger.Receipt, ledger.TxRef, error) {
	logger := log.With().Str("component", "ethereum_ledger").Str("from", from).Logger()

	hash, err := c.submitter.Send(ctx, common.HexToAddress(from), c.contract, data)
	if err != nil {
		if ledger.IsRejection(err) {
			return ledger.Receipt{}, "", err
		}
		return ledger.Receipt{}, "", fmt.Errorf("%w: submit: %v", ledger.ErrUnavailable, err)
	}
	tx := ledger.TxRef(hash.Hex())
	logger.Info().Str("tx_ref", string(tx)).Msg("transaction submitted")

	receipt, err := c.poller.Wait(ctx, tx, c.fetchReceipt)
	if err != nil {
		return ledger.Receipt{}, tx, err
	}
	if !receipt.Success {
		logger.Warn().Str("tx_ref", string(tx)).Msg("transaction reverted")
		return receipt, tx, fmt.Errorf("%w: %s", ledger.ErrReverted, tx)
	}
	return receipt, tx, nil
}

func (c *Client) fetchReceipt(ctx context.Context, tx ledger.TxRef) (ledger.Receipt, bool, error) {
	r, err := c.chain.TransactionReceipt(ctx, common.HexToHash(string(tx)))
	if errors.Is(err, goethereum.NotFound) {
		return ledger.Receipt{}, false, nil
	}
	if err != nil {
		return ledger.Receipt{}, false, fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	out := ledger.Receipt{
		TxRef:   tx,
		Success: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	created := c.abi.Events["AuctionCreated"].ID
	for _, lg := range r.Logs {
		if lg == nil || len(lg.Topics) < 2 || lg.Topics[0] != created {
			continue
		}
		out.RemoteID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).String()
		break
	}
	return out, true, nil
}

func parseRemoteID(remoteID string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(remoteID, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid remote id %q", ledger.ErrUnknownAuction, remoteID)
	}
	return id, nil
}

func toInt64(v interface{}) (int64, error) {
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("%w: expected uint256, got %T", ledger.ErrUnavailable, v)
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: value %s overflows int64", ledger.ErrUnavailable, n.String())
	}
	return n.Int64(), nil
}
