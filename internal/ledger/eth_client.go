package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"allocation-keeper/internal/observability"
)

// Default configuration values.
const (
	DefaultReceiptPollInterval = 2 * time.Second
	DefaultDialTimeout         = 30 * time.Second
)

var (
	// ErrNoSigner is returned by write operations when no private key is configured.
	ErrNoSigner = errors.New("ledger client has no signing key")

	// ErrGasPriceAboveCeiling is returned by write operations when the gas
	// price read at send time exceeds the configured ceiling. Nothing is broadcast.
	ErrGasPriceAboveCeiling = errors.New("gas price above ceiling")
)

// Config holds the connection parameters of an EthClient.
type Config struct {
	RPCURL            string
	PrivateKey        string // hex, optional 0x prefix; empty for read-only clients
	AllocationAddress string
	VaultAddress      string
}

// EthClient implements Client on top of go-ethereum's ethclient.
type EthClient struct {
	rpc         *ethclient.Client
	key         *ecdsa.PrivateKey
	from        common.Address
	chainID     *big.Int
	allocation  common.Address
	vault       common.Address
	receiptPoll time.Duration
	dialTimeout time.Duration
	maxGasPrice *big.Int // nil means no ceiling
	log         zerolog.Logger
}

// Compile-time interface check.
var _ Client = (*EthClient)(nil)

// ClientOption configures EthClient.
type ClientOption func(*EthClient)

// WithReceiptPollInterval sets the receipt polling interval.
func WithReceiptPollInterval(d time.Duration) ClientOption {
	return func(c *EthClient) {
		if d > 0 {
			c.receiptPoll = d
		}
	}
}

// WithDialTimeout sets the timeout of the initial connection.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *EthClient) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithMaxGasPrice refuses to send transactions priced above max wei.
func WithMaxGasPrice(max *big.Int) ClientOption {
	return func(c *EthClient) {
		if max != nil && max.Sign() > 0 {
			c.maxGasPrice = new(big.Int).Set(max)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *EthClient) {
		c.log = log
	}
}

// Dial connects to the ledger endpoint and resolves the chain id.
func Dial(ctx context.Context, cfg Config, opts ...ClientOption) (*EthClient, error) {
	if !common.IsHexAddress(cfg.AllocationAddress) {
		return nil, fmt.Errorf("invalid allocation contract address %q", cfg.AllocationAddress)
	}
	if !common.IsHexAddress(cfg.VaultAddress) {
		return nil, fmt.Errorf("invalid vault contract address %q", cfg.VaultAddress)
	}

	c := &EthClient{
		allocation:  common.HexToAddress(cfg.AllocationAddress),
		vault:       common.HexToAddress(cfg.VaultAddress),
		receiptPoll: DefaultReceiptPollInterval,
		dialTimeout: DefaultDialTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	rpcClient, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger: %w", err)
	}

	chainID, err := rpcClient.ChainID(dialCtx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}

	c.rpc = rpcClient
	c.chainID = chainID
	return c, nil
}

// Address returns the keeper account address, or the zero address for read-only clients.
func (c *EthClient) Address() string {
	return c.from.Hex()
}

// Close closes the underlying RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}

// ChainID returns the chain id resolved at dial time.
func (c *EthClient) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// BlockNumber returns the current head block.
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	head, err := c.rpc.BlockNumber(ctx)
	observability.RecordRPCLatency("eth_blockNumber", time.Since(start).Seconds(), err)
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	return head, nil
}

// SuggestGasPrice returns the network gas price in wei.
func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	price, err := c.rpc.SuggestGasPrice(ctx)
	observability.RecordRPCLatency("eth_gasPrice", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// AgentNonce reads nonces(signer) from the allocation contract.
func (c *EthClient) AgentNonce(ctx context.Context, signer string) (uint64, error) {
	data, err := packNonces(signer)
	if err != nil {
		return 0, err
	}

	out, err := c.call(ctx, c.allocation, data)
	if err != nil {
		return 0, fmt.Errorf("call nonces: %w", err)
	}

	nonce, err := unpackUint(allocationABI, "nonces", out)
	if err != nil {
		return 0, err
	}
	if !nonce.IsUint64() {
		return 0, fmt.Errorf("agent nonce %s overflows uint64", nonce)
	}
	return nonce.Uint64(), nil
}

// AllAllocations reads getAllAllocations() from the allocation contract.
func (c *EthClient) AllAllocations(ctx context.Context) ([]uint64, error) {
	data, err := allocationABI.Pack("getAllAllocations")
	if err != nil {
		return nil, fmt.Errorf("pack getAllAllocations: %w", err)
	}

	out, err := c.call(ctx, c.allocation, data)
	if err != nil {
		return nil, fmt.Errorf("call getAllAllocations: %w", err)
	}
	return unpackAllocations(out)
}

// TotalAssets reads totalAssets() from the vault.
func (c *EthClient) TotalAssets(ctx context.Context) (*big.Int, error) {
	data, err := vaultABI.Pack("totalAssets")
	if err != nil {
		return nil, fmt.Errorf("pack totalAssets: %w", err)
	}

	out, err := c.call(ctx, c.vault, data)
	if err != nil {
		return nil, fmt.Errorf("call totalAssets: %w", err)
	}
	return unpackUint(vaultABI, "totalAssets", out)
}

// EstimateSubmitRecommendation estimates gas for submitRecommendation.
func (c *EthClient) EstimateSubmitRecommendation(ctx context.Context, call *RecommendationCall) (uint64, error) {
	data, err := packSubmitRecommendation(call)
	if err != nil {
		return 0, err
	}
	return c.estimate(ctx, c.allocation, data)
}

// SubmitRecommendation sends submitRecommendation with the given gas limit.
func (c *EthClient) SubmitRecommendation(ctx context.Context, call *RecommendationCall, gasLimit uint64) (string, error) {
	data, err := packSubmitRecommendation(call)
	if err != nil {
		return "", err
	}
	return c.send(ctx, c.allocation, data, gasLimit)
}

// EstimateRebalance estimates gas for the vault rebalance.
func (c *EthClient) EstimateRebalance(ctx context.Context) (uint64, error) {
	data, err := vaultABI.Pack("rebalance")
	if err != nil {
		return 0, fmt.Errorf("pack rebalance: %w", err)
	}
	return c.estimate(ctx, c.vault, data)
}

// Rebalance sends the vault rebalance with the given gas limit.
func (c *EthClient) Rebalance(ctx context.Context, gasLimit uint64) (string, error) {
	data, err := vaultABI.Pack("rebalance")
	if err != nil {
		return "", fmt.Errorf("pack rebalance: %w", err)
	}
	return c.send(ctx, c.vault, data, gasLimit)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
// RPC errors while polling are transient: the transaction is already
// broadcast, so they are logged and polling continues.
// For reverted transactions the call is replayed against the parent block
// to recover the revert reason.
func (c *EthClient) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		start := time.Now()
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			observability.RecordRPCLatency("eth_getTransactionReceipt", time.Since(start).Seconds(), nil)
			return c.finishReceipt(ctx, hash, receipt)
		case errors.Is(err, ethereum.NotFound):
			c.log.Debug().Str("tx_hash", txHash).Msg("receipt not available yet")
		case ctx.Err() != nil:
			return nil, fmt.Errorf("wait for receipt %s: %w", txHash, ctx.Err())
		default:
			observability.RecordRPCLatency("eth_getTransactionReceipt", time.Since(start).Seconds(), err)
			c.log.Warn().Err(err).Str("tx_hash", txHash).Msg("receipt query failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// FilterDeposits returns Deposit logs emitted by the vault within [from, to].
func (c *EthClient) FilterDeposits(ctx context.Context, from, to uint64) ([]DepositLog, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.vault},
		Topics:    [][]common.Hash{{DepositTopic}},
	}

	start := time.Now()
	logs, err := c.rpc.FilterLogs(ctx, query)
	observability.RecordRPCLatency("eth_getLogs", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("filter deposit logs [%d, %d]: %w", from, to, err)
	}

	deposits := make([]DepositLog, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		d, err := decodeDepositLog(lg)
		if err != nil {
			c.log.Warn().Err(err).Uint64("block", lg.BlockNumber).Msg("skipping undecodable deposit log")
			continue
		}
		deposits = append(deposits, d)
	}
	return deposits, nil
}

func (c *EthClient) finishReceipt(ctx context.Context, hash common.Hash, receipt *types.Receipt) (*Receipt, error) {
	result := &Receipt{
		TxHash:  hash.Hex(),
		GasUsed: receipt.GasUsed,
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if result.Success {
		return result, nil
	}
	return result, &RevertError{Reason: c.replayRevert(ctx, hash, receipt.BlockNumber), TxHash: result.TxHash}
}

// replayRevert re-executes a failed transaction as a call to obtain its
// revert string. Returns "" when the reason cannot be recovered.
func (c *EthClient) replayRevert(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		c.log.Warn().Err(err).Str("tx_hash", hash.Hex()).Msg("failed to load reverted transaction")
		return ""
	}

	msg := ethereum.CallMsg{
		From:     c.from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}

	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, big.NewInt(1))
	}

	if _, err := c.rpc.CallContract(ctx, msg, at); err != nil {
		return FailureReason(err)
	}
	return ""
}

func (c *EthClient) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	start := time.Now()
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	observability.RecordRPCLatency("eth_call", time.Since(start).Seconds(), err)
	return out, err
}

func (c *EthClient) estimate(ctx context.Context, to common.Address, data []byte) (uint64, error) {
	start := time.Now()
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	observability.RecordRPCLatency("eth_estimateGas", time.Since(start).Seconds(), err)
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

func (c *EthClient) send(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (string, error) {
	if c.key == nil {
		return "", ErrNoSigner
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("get account nonce: %w", err)
	}

	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	if c.maxGasPrice != nil && gasPrice.Cmp(c.maxGasPrice) > 0 {
		return "", fmt.Errorf("%w: %s > %s wei", ErrGasPriceAboveCeiling, gasPrice, c.maxGasPrice)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	start := time.Now()
	err = c.rpc.SendTransaction(ctx, signed)
	observability.RecordRPCLatency("eth_sendRawTransaction", time.Since(start).Seconds(), err)
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	c.log.Info().
		Str("tx_hash", signed.Hash().Hex()).
		Str("to", to.Hex()).
		Uint64("nonce", nonce).
		Uint64("gas_limit", gasLimit).
		Msg("transaction sent")

	return signed.Hash().Hex(), nil
}
