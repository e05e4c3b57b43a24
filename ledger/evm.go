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
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"
)

// electionABI covers the election contract surface this service touches.
const electionABI = `[
	{"name":"castVote","type":"function","stateMutability":"nonpayable","inputs":[{"name":"candidateId","type":"uint256"}],"outputs":[]},
	{"name":"isActive","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"name":"isEligible","type":"function","stateMutability":"view","inputs":[{"name":"voter","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"addVoter","type":"function","stateMutability":"nonpayable","inputs":[{"name":"voter","type":"address"}],"outputs":[]}
]`

const writeGasLimit = 300_000

// EVMClient talks to an EVM chain over JSON-RPC. Write calls sign a
// legacy transaction and block until the receipt is mined or the
// finality timeout expires.
type EVMClient struct {
	client    *ethclient.Client
	chainID   *big.Int
	finality  time.Duration
	funderKey *ecdsa.PrivateKey
	abi       abi.ABI
	logger    *log.Entry
}

// EVMConfig configures the chain connection.
type EVMConfig struct {
	RPCURL          string
	ChainID         int64
	FinalityTimeout time.Duration
	// FunderKeyHex signs FundAccount transfers; leave empty to disable
	// auto-funding.
	FunderKeyHex string
}

// NewEVMClient dials the RPC endpoint and prepares the contract ABI.
func NewEVMClient(cfg EVMConfig) (*EVMClient, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(electionABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse election ABI: %w", err)
	}

	c := &EVMClient{
		client:   client,
		chainID:  big.NewInt(cfg.ChainID),
		finality: cfg.FinalityTimeout,
		abi:      parsed,
		logger:   log.WithField("component", "ledger"),
	}
	if c.finality <= 0 {
		c.finality = 2 * time.Minute
	}

	if cfg.FunderKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.FunderKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid funder key: %w", err)
		}
		c.funderKey = key
	}

	return c, nil
}

func (c *EVMClient) callBool(ctx context.Context, contract common.Address, method string, args ...interface{}) (bool, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return false, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	res, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("%s call failed: %w", method, err)
	}

	out, err := c.abi.Unpack(method, res)
	if err != nil {
		return false, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	value, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result type", method)
	}
	return value, nil
}

// submit signs and sends a contract write, then waits for the receipt
// within the finality timeout.
func (c *EVMClient) submit(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit := uint64(writeGasLimit)
	if len(data) == 0 {
		gasLimit = 21_000 // plain value transfer
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.finality)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.client, signed)
	if err != nil {
		return "", fmt.Errorf("transaction %s not finalized: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("transaction %s reverted on chain", signed.Hash().Hex())
	}

	c.logger.WithFields(log.Fields{
		"tx":    signed.Hash().Hex(),
		"block": receipt.BlockNumber.Uint64(),
	}).Debug("transaction finalized")

	return signed.Hash().Hex(), nil
}

func (c *EVMClient) CastVote(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, candidateLedgerID uint64) (string, error) {
	data, err := c.abi.Pack("castVote", new(big.Int).SetUint64(candidateLedgerID))
	if err != nil {
		return "", fmt.Errorf("failed to pack castVote: %w", err)
	}
	return c.submit(ctx, key, contract, big.NewInt(0), data)
}

func (c *EVMClient) TransactionStatus(ctx context.Context, txHash string) (Status, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	return Status{
		Exists:      true,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (c *EVMClient) IsElectionActive(ctx context.Context, contract common.Address) (bool, error) {
	return c.callBool(ctx, contract, "isActive")
}

func (c *EVMClient) IsEligibleVoter(ctx context.Context, contract common.Address, voter common.Address) (bool, error) {
	return c.callBool(ctx, contract, "isEligible", voter)
}

func (c *EVMClient) AddEligibleVoter(ctx context.Context, key *ecdsa.PrivateKey, contract common.Address, voter common.Address) (string, error) {
	data, err := c.abi.Pack("addVoter", voter)
	if err != nil {
		return "", fmt.Errorf("failed to pack addVoter: %w", err)
	}
	return c.submit(ctx, key, contract, big.NewInt(0), data)
}

func (c *EVMClient) FundAccount(ctx context.Context, addr common.Address, amount *big.Int) (string, error) {
	if c.funderKey == nil {
		c.logger.WithField("address", addr.Hex()).Warn("auto-funding requested but no funder key is configured")
		return "", nil
	}
	return c.submit(ctx, c.funderKey, addr, amount, nil)
}

func (c *EVMClient) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return balance, nil
}
