package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCProvider implements Provider over a standard go-ethereum JSON-RPC
// endpoint: ethclient.Client for the well-typed calls, plus the underlying
// rpc.Client for debug_traceCall, which ethclient does not expose.
type RPCProvider struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

var _ Provider = (*RPCProvider)(nil)

// Dial connects to the given JSON-RPC endpoint (ws:// or http://).
func Dial(ctx context.Context, url string) (*RPCProvider, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &RPCProvider{eth: ethclient.NewClient(rpcClient), rpc: rpcClient}, nil
}

func (p *RPCProvider) LatestBlock(ctx context.Context) (Block, error) {
	header, err := p.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("chain: latest block: %w", err)
	}
	return Block{Hash: header.Hash(), Number: header.Number.Uint64(), BaseFee: header.BaseFee}, nil
}

func (p *RPCProvider) BlockByHash(ctx context.Context, hash common.Hash) (Block, error) {
	header, err := p.eth.HeaderByHash(ctx, hash)
	if err != nil {
		return Block{}, fmt.Errorf("chain: block by hash %s: %w", hash, err)
	}
	return Block{Hash: header.Hash(), Number: header.Number.Uint64(), BaseFee: header.BaseFee}, nil
}

func (p *RPCProvider) TransactionCount(ctx context.Context, addr common.Address, block *big.Int) (uint64, error) {
	n, err := p.eth.NonceAt(ctx, addr, block)
	if err != nil {
		return 0, fmt.Errorf("chain: nonce at %s: %w", addr, err)
	}
	return n, nil
}

func (p *RPCProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := p.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("chain: receipt %s: %w", hash, err)
	}
	return receipt, nil
}

func (p *RPCProvider) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("chain: decode raw transaction: %w", err)
	}
	if err := p.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, err // callers match on error text, e.g. "replacement transaction underpriced"
	}
	log.Debug("submitted bundle transaction", "hash", tx.Hash(), "nonce", tx.Nonce())
	return tx.Hash(), nil
}

func (p *RPCProvider) Call(ctx context.Context, call CallMsg, block common.Hash) ([]byte, []byte, error) {
	msg := ethereum.CallMsg{From: call.From, To: call.To, Data: call.Data, Gas: call.GasLimit}
	out, err := p.eth.CallContractAtHash(ctx, msg, block)
	if err != nil {
		return nil, extractRevertData(err), err
	}
	return out, nil, nil
}

func (p *RPCProvider) EstimateGas(ctx context.Context, call CallMsg) (uint64, []byte, error) {
	msg := ethereum.CallMsg{From: call.From, To: call.To, Data: call.Data}
	gas, err := p.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, extractRevertData(err), err
	}
	return gas, nil, nil
}

// traceCallConfig is debug_traceCall's tracer options object. CallWithTrace
// names the node-side bundlerCollectorTracer, whose output reports the
// per-phase storage access the simulator classifies; WithLog is left unset.
type traceCallConfig struct {
	Tracer       string `json:"tracer"`
	TracerConfig struct {
		WithLog bool `json:"withLog"`
	} `json:"tracerConfig"`
}

// rawCallTraceResult is the bundler-specific tracer output: one entry per
// validation phase (factory/account/paymaster), each a map of address to
// accessed storage slots. A production deployment registers this tracer as
// a custom JS/native debug_traceCall tracer on the node; here it is decoded
// into the Provider's CallTrace shape.
type rawCallTraceResult struct {
	Phases []struct {
		Address string            `json:"address"`
		Reads   map[string]string `json:"reads"`
		Writes  map[string]uint32 `json:"writes"`
	} `json:"phases"`
	AssociatedSlots map[string][]string `json:"associatedSlots"`
}

func (p *RPCProvider) CallWithTrace(ctx context.Context, call CallMsg, block common.Hash) (CallTrace, error) {
	var raw rawCallTraceResult
	arg := map[string]interface{}{
		"from": call.From,
		"to":   call.To,
		"data": fmt.Sprintf("0x%x", call.Data),
	}
	err := p.rpc.CallContext(ctx, &raw, "debug_traceCall", arg, block.Hex(), traceCallConfig{Tracer: "bundlerCollectorTracer"})
	if err != nil {
		return CallTrace{}, fmt.Errorf("chain: debug_traceCall: %w", err)
	}
	return decodeCallTrace(raw), nil
}

func decodeCallTrace(raw rawCallTraceResult) CallTrace {
	trace := CallTrace{
		Phases:          make([]PhaseTrace, len(raw.Phases)),
		AssociatedSlots: make(map[common.Address][]*big.Int, len(raw.AssociatedSlots)),
	}
	for i, phase := range raw.Phases {
		addr := common.HexToAddress(phase.Address)
		access := &StorageAccess{Reads: map[[32]byte]struct{}{}, Writes: map[[32]byte]struct{}{}}
		for slotHex := range phase.Reads {
			access.Reads[common.HexToHash(slotHex)] = struct{}{}
		}
		for slotHex := range phase.Writes {
			access.Writes[common.HexToHash(slotHex)] = struct{}{}
		}
		trace.Phases[i] = PhaseTrace{Accesses: map[common.Address]*StorageAccess{addr: access}}
	}
	for addrHex, slotHexes := range raw.AssociatedSlots {
		addr := common.HexToAddress(addrHex)
		slots := make([]*big.Int, len(slotHexes))
		for i, s := range slotHexes {
			slots[i] = new(big.Int).SetBytes(common.FromHex(s))
		}
		trace.AssociatedSlots[addr] = slots
	}
	return trace
}

func (p *RPCProvider) FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (FeeHistory, error) {
	hist, err := p.eth.FeeHistory(ctx, blockCount, nil, rewardPercentiles)
	if err != nil {
		return FeeHistory{}, fmt.Errorf("chain: fee history: %w", err)
	}
	return FeeHistory{BaseFeePerGas: hist.BaseFee, Reward: hist.Reward, OldestBlock: hist.OldestBlock.Uint64()}, nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (uint64, error) {
	id, err := p.eth.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: chain id: %w", err)
	}
	return id.Uint64(), nil
}

// extractRevertData pulls the ABI-encoded revert payload out of a JSON-RPC
// error, if the node attached one (go-ethereum's rpc.DataError).
func extractRevertData(err error) []byte {
	type dataError interface {
		ErrorData() interface{}
	}
	de, ok := err.(dataError)
	if !ok {
		return nil
	}
	hexStr, ok := de.ErrorData().(string)
	if !ok {
		return nil
	}
	return common.FromHex(hexStr)
}
