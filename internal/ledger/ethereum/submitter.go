package ethereum

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ksred/klear-escrow/internal/ledger"
)

type sendTxArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// RPCSubmitter forwards transactions to an external signer (a wallet
// service or an unlocked node) with eth_sendTransaction. The signer owns the
// keys; this process never sees them.
type RPCSubmitter struct {
	client *rpc.Client
}

func DialSubmitter(ctx context.Context, url string) (*RPCSubmitter, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signer: %w", err)
	}
	return NewSubmitter(c), nil
}

func NewSubmitter(c *rpc.Client) *RPCSubmitter {
	return &RPCSubmitter{client: c}
}

func (s *RPCSubmitter) Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error) {
	var hash common.Hash
	err := s.client.CallContext(ctx, &hash, "eth_sendTransaction", sendTxArgs{From: from, To: to, Data: data})
	if err != nil {
		if isUserRejection(err) {
			return common.Hash{}, fmt.Errorf("%w: %v", ledger.ErrRejected, err)
		}
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return common.Hash{}, fmt.Errorf("%w: %v", ledger.ErrInsufficientFunds, err)
		}
		return common.Hash{}, err
	}
	return hash, nil
}

func (s *RPCSubmitter) Close() {
	s.client.Close()
}

// EIP-1193 code 4001 is a user rejecting the request in their wallet.
func isUserRejection(err error) bool {
	if rpcErr, ok := err.(rpc.Error); ok && rpcErr.ErrorCode() == 4001 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}
