// Package chainclient reads confirmed swaps back from the chain. It is used for
// observability only and never changes order state.
package chainclient

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// backend is the part of ethclient.Client used here
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Client contains the RPC connection to the chain the swaps are executed on
type Client struct {
	RPCURL  string
	client  backend
	timeout time.Duration
}

// New connects to the RPC endpoint
func New(ctx context.Context, rpcURL string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}

	return &Client{RPCURL: rpcURL, client: client, timeout: 10 * time.Second}, nil
}

// GetLatestBlockNumber gets the latest block number from the chain
func (c *Client) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("client not connected")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.client.BlockNumber(timeoutCtx)
}

// GasUsed returns the gas consumed by a mined transaction
func (c *Client) GasUsed(ctx context.Context, txHash string) (uint64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("client not connected")
	}

	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return 0, fmt.Errorf("invalid transaction hash %q", txHash)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	receipt, err := c.client.TransactionReceipt(timeoutCtx, common.BytesToHash(raw))
	if err != nil {
		return 0, fmt.Errorf("failed to get receipt for %s: %v", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt.GasUsed, fmt.Errorf("transaction %s reverted", txHash)
	}

	return receipt.GasUsed, nil
}

// Close closes the RPC connection
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
