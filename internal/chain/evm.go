package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// Minimal ABI of the marketplace escrow contract. Contract ids are
// addressed as keccak256(contractId).
const escrowABI = `[
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"status","outputs":[{"name":"state","type":"uint8"},{"name":"completedMilestones","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"fund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"milestone","type":"uint256"}],"name":"completeMilestone","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"clientAmount","type":"uint256"},{"name":"freelancerAmount","type":"uint256"}],"name":"distribute","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// DefaultGasLimit is used when estimation fails for a reason other than a revert.
const DefaultGasLimit = uint64(250000)

var onChainStates = []string{"none", "created", "funded", "in_progress", "distributed"}

// EVMConfig configures an EVMAdapter.
type EVMConfig struct {
	RPCURL         string
	PrivateKey     string // hex, with or without 0x prefix
	ChainID        int64
	EscrowContract string
}

// EVMOption configures the adapter
type EVMOption func(*EVMAdapter)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(client EthClient) EVMOption {
	return func(a *EVMAdapter) {
		a.client = client
	}
}

// EVMAdapter drives the escrow contract over JSON-RPC.
type EVMAdapter struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI

	sendMu sync.Mutex // serializes nonce allocation
}

var _ Adapter = (*EVMAdapter)(nil)

// NewEVMAdapter creates an adapter, dialing RPCURL unless a client is injected.
func NewEVMAdapter(cfg EVMConfig, opts ...EVMOption) (*EVMAdapter, error) {
	if err := validateEVMConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	a := &EVMAdapter{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.EscrowContract),
		abi:        parsedABI,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		a.client = client
	}

	return a, nil
}

func validateEVMConfig(cfg EVMConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.EscrowContract) {
		return fmt.Errorf("escrow contract address required")
	}
	return nil
}

// ContractKey maps an off-chain contract id to its on-chain bytes32 key.
func ContractKey(contractID string) common.Hash {
	return crypto.Keccak256Hash([]byte(contractID))
}

// Address returns the operator address that signs transactions.
func (a *EVMAdapter) Address() string {
	return a.address.Hex()
}

func (a *EVMAdapter) GetContractStatus(ctx context.Context, contractID string) (*ContractState, error) {
	data, err := a.abi.Pack("status", ContractKey(contractID))
	if err != nil {
		return nil, Unknown(OpStatus, err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return nil, wrap(OpStatus, "", err)
	}
	values, err := a.abi.Unpack("status", out)
	if err != nil || len(values) != 2 {
		return nil, Unknown(OpStatus, fmt.Errorf("decode status: %v", err))
	}
	state, _ := values[0].(uint8)
	completed, _ := values[1].(*big.Int)

	st := &ContractState{ContractID: contractID, Status: "unknown"}
	if int(state) < len(onChainStates) {
		st.Status = onChainStates[state]
	}
	if completed != nil {
		st.CompletedMilestones = int(completed.Int64())
	}
	return st, nil
}

func (a *EVMAdapter) FundContract(ctx context.Context, contractID string) (string, error) {
	return a.transact(ctx, OpFund, "fund", ContractKey(contractID))
}

func (a *EVMAdapter) CompleteMilestone(ctx context.Context, contractID string, index int) (string, error) {
	return a.transact(ctx, OpMilestone, "completeMilestone", ContractKey(contractID), big.NewInt(int64(index)))
}

func (a *EVMAdapter) DistributeFunds(ctx context.Context, contractID string, clientAmount, freelancerAmount *big.Int) (string, error) {
	return a.transact(ctx, OpDistribute, "distribute", ContractKey(contractID), clientAmount, freelancerAmount)
}

// CheckReceipt maps a receipt to confirmed/failed; a missing receipt is pending.
func (a *EVMAdapter) CheckReceipt(ctx context.Context, txHash string) (ReceiptStatus, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptPending, nil
		}
		return "", wrap(OpReceipt, txHash, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptConfirmed, nil
	}
	return ReceiptFailed, nil
}

// Ping checks RPC reachability for health probes.
func (a *EVMAdapter) Ping(ctx context.Context) error {
	_, err := a.client.NetworkID(ctx)
	return err
}

// Close closes the client connection
func (a *EVMAdapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// transact packs, signs (EIP-155) and broadcasts a contract call.
func (a *EVMAdapter) transact(ctx context.Context, op, method string, args ...interface{}) (string, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return "", Rejected(op, fmt.Errorf("pack %s: %w", method, err))
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, a.address)
	if err != nil {
		return "", wrap(op, "", fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", wrap(op, "", fmt.Errorf("gas price: %w", err))
	}

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  a.address,
		To:    &a.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A revert during estimation means the contract refuses the call.
		if strings.Contains(err.Error(), "execution reverted") {
			return "", Rejected(op, err)
		}
		if ctx.Err() != nil {
			return "", wrap(op, "", ctx.Err())
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, a.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.privateKey)
	if err != nil {
		return "", Unknown(op, fmt.Errorf("sign: %w", err))
	}

	hash := signedTx.Hash().Hex()
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", wrap(op, hash, fmt.Errorf("send: %w", err))
	}
	return hash, nil
}
