package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"arbsync/logging"
)

var errReverted = errors.New("ledger: call reverted")

// Backend is the slice of an Ethereum JSON-RPC client used by EthClient.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EthClient implements Client against an Ethereum node.
type EthClient struct {
	backend     Backend
	arbitrator  abi.ABI
	agreement   abi.ABI
	timestamps  *lru.Cache[uint64, time.Time]
	concurrency int
	closer      func()
}

type EthOption func(*ethConfig)

type ethConfig struct {
	timestampCacheSize int
	concurrency        int
}

// WithTimestampCacheSize bounds the block timestamp cache.
func WithTimestampCacheSize(n int) EthOption {
	return func(c *ethConfig) {
		if n > 0 {
			c.timestampCacheSize = n
		}
	}
}

// WithCallConcurrency bounds parallel eth_call fan-out within one read.
func WithCallConcurrency(n int) EthOption {
	return func(c *ethConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Dial connects to a node over HTTP or WebSocket.
func Dial(ctx context.Context, url string, opts ...EthOption) (*EthClient, error) {
	rpc, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", url, err)
	}
	c, err := NewEthClient(rpc, opts...)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close
	return c, nil
}

func NewEthClient(backend Backend, opts ...EthOption) (*EthClient, error) {
	conf := ethConfig{timestampCacheSize: 4096, concurrency: 8}
	for _, opt := range opts {
		opt(&conf)
	}
	arbitrator, err := abi.JSON(strings.NewReader(arbitratorABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse arbitrator abi: %w", err)
	}
	agreement, err := abi.JSON(strings.NewReader(agreementABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse agreement abi: %w", err)
	}
	timestamps, err := lru.New[uint64, time.Time](conf.timestampCacheSize)
	if err != nil {
		return nil, fmt.Errorf("ledger: timestamp cache: %w", err)
	}
	return &EthClient{
		backend:     backend,
		arbitrator:  arbitrator,
		agreement:   agreement,
		timestamps:  timestamps,
		concurrency: conf.concurrency,
	}, nil
}

// Close releases the node connection when the client was created by Dial.
func (c *EthClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

func (c *EthClient) GetLogs(ctx context.Context, q Query) ([]LogEntry, error) {
	if q.ToBlock < q.FromBlock {
		return nil, nil
	}
	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: []common.Address{q.Contract},
	}
	if q.EventName != "" {
		topics, err := c.topicsFor(q.EventName, q.Indexed)
		if err != nil {
			return nil, err
		}
		filter.Topics = topics
	}

	raw, err := c.backend.FilterLogs(ctx, filter)
	if err != nil {
		logging.L(ctx).Errorf("eth_getLogs [%d,%d] failed: %s", q.FromBlock, q.ToBlock, err)
		return nil, transient(err)
	}

	entries := make([]LogEntry, 0, len(raw))
	for _, l := range raw {
		if l.Removed {
			continue
		}
		entry, ok, err := c.decode(l)
		if err != nil {
			logging.L(ctx).Warnf("Skipping undecodable log %s:%d: %s", l.TxHash.Hex(), l.Index, err)
			continue
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].BlockNumber != entries[j].BlockNumber {
			return entries[i].BlockNumber < entries[j].BlockNumber
		}
		return entries[i].LogIndex < entries[j].LogIndex
	})
	return entries, nil
}

func (c *EthClient) topicsFor(eventName string, indexed map[string]any) ([][]common.Hash, error) {
	ev, ok := c.arbitrator.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventName)
	}
	query := [][]any{{ev.ID}}
	for _, in := range ev.Inputs {
		if !in.Indexed {
			continue
		}
		if v, ok := indexed[in.Name]; ok {
			query = append(query, []any{v})
		} else {
			query = append(query, nil)
		}
	}
	topics, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, fmt.Errorf("ledger: topics for %s: %w", eventName, err)
	}
	return topics, nil
}

func (c *EthClient) decode(l types.Log) (LogEntry, bool, error) {
	if len(l.Topics) == 0 {
		return LogEntry{}, false, nil
	}
	ev, err := c.arbitrator.EventByID(l.Topics[0])
	if err != nil {
		return LogEntry{}, false, nil
	}
	args := make(map[string]any, len(ev.Inputs))
	if len(l.Data) > 0 {
		if err := ev.Inputs.NonIndexed().UnpackIntoMap(args, l.Data); err != nil {
			return LogEntry{}, false, fmt.Errorf("ledger: decode %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
		return LogEntry{}, false, fmt.Errorf("ledger: decode %s topics: %w", ev.Name, err)
	}
	return LogEntry{
		Contract:    l.Address,
		EventName:   ev.Name,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		TxHash:      l.TxHash,
		Args:        args,
	}, true, nil
}

func (c *EthClient) CurrentBlockHeight(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		logging.L(ctx).Errorf("eth_blockNumber failed: %s", err)
		return 0, transient(err)
	}
	return n, nil
}

func (c *EthClient) GetBlockTimestamp(ctx context.Context, block uint64) (time.Time, error) {
	if ts, ok := c.timestamps.Get(block); ok {
		return ts, nil
	}
	h, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, transient(err)
	}
	ts := time.Unix(int64(h.Time), 0).UTC()
	c.timestamps.Add(block, ts)
	return ts, nil
}

func (c *EthClient) GetPeriod(ctx context.Context, arbitrator common.Address) (Period, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "period")
	if err != nil {
		return 0, err
	}
	v, err := uint8At(out, 0)
	return Period(v), err
}

func (c *EthClient) GetSession(ctx context.Context, arbitrator common.Address) (uint64, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "session")
	if err != nil {
		return 0, err
	}
	return uint64At(out, 0)
}

func (c *EthClient) GetLastPeriodChange(ctx context.Context, arbitrator common.Address) (time.Time, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "lastPeriodChange")
	if err != nil {
		return time.Time{}, err
	}
	secs, err := uint64At(out, 0)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func (c *EthClient) GetTimePerPeriod(ctx context.Context, arbitrator common.Address, period Period) (time.Duration, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "timePerPeriod", big.NewInt(int64(period)))
	if err != nil {
		return 0, err
	}
	secs, err := uint64At(out, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func (c *EthClient) GetDispute(ctx context.Context, arbitrator common.Address, disputeID uint64) (Dispute, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "disputes", new(big.Int).SetUint64(disputeID))
	if errors.Is(err, errReverted) {
		return Dispute{}, fmt.Errorf("%w: %s/%d", ErrDisputeNotFound, arbitrator.Hex(), disputeID)
	}
	if err != nil {
		return Dispute{}, err
	}

	d := Dispute{ID: disputeID}
	if d.Arbitrated, err = addressAt(out, 0); err != nil {
		return Dispute{}, err
	}
	if d.Arbitrated == (common.Address{}) {
		return Dispute{}, fmt.Errorf("%w: %s/%d", ErrDisputeNotFound, arbitrator.Hex(), disputeID)
	}
	if d.FirstSession, err = uint64At(out, 1); err != nil {
		return Dispute{}, err
	}
	appeals, err := uint64At(out, 2)
	if err != nil {
		return Dispute{}, err
	}
	d.NumberOfAppeals = int(appeals)
	if d.RulingChoices, err = uint64At(out, 3); err != nil {
		return Dispute{}, err
	}
	if d.InitialNumberJurors, err = uint64At(out, 4); err != nil {
		return Dispute{}, err
	}
	if d.ArbitrationFeePerJuror, err = bigAt(out, 5); err != nil {
		return Dispute{}, err
	}
	state, err := uint8At(out, 6)
	if err != nil {
		return Dispute{}, err
	}
	d.State = DisputeState(state)
	return d, nil
}

func (c *EthClient) GetDisputeStatus(ctx context.Context, arbitrator common.Address, disputeID uint64) (DisputeStatus, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "disputeStatus", new(big.Int).SetUint64(disputeID))
	if errors.Is(err, errReverted) {
		return 0, fmt.Errorf("%w: %s/%d", ErrDisputeNotFound, arbitrator.Hex(), disputeID)
	}
	if err != nil {
		return 0, err
	}
	v, err := uint8At(out, 0)
	return DisputeStatus(v), err
}

func (c *EthClient) CurrentRulingForDispute(ctx context.Context, arbitrator common.Address, disputeID uint64) (uint64, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "currentRuling", new(big.Int).SetUint64(disputeID))
	if errors.Is(err, errReverted) {
		return 0, fmt.Errorf("%w: %s/%d", ErrDisputeNotFound, arbitrator.Hex(), disputeID)
	}
	if err != nil {
		return 0, err
	}
	return uint64At(out, 0)
}

// GetVoteCounts returns the tally for every choice 0..choices in one appeal
// round. Choice 0 is the refusal to rule.
func (c *EthClient) GetVoteCounts(ctx context.Context, arbitrator common.Address, disputeID uint64, appeal int, choices uint64) ([]*big.Int, error) {
	counts := make([]*big.Int, choices+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for choice := uint64(0); choice <= choices; choice++ {
		g.Go(func() error {
			out, err := c.callArbitrator(gctx, arbitrator, "getVoteCount",
				new(big.Int).SetUint64(disputeID), big.NewInt(int64(appeal)), new(big.Int).SetUint64(choice))
			if err != nil {
				return err
			}
			counts[choice], err = bigAt(out, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, errReverted) {
			return nil, fmt.Errorf("%w: %s/%d", ErrDisputeNotFound, arbitrator.Hex(), disputeID)
		}
		return nil, err
	}
	return counts, nil
}

// GetDrawsForJuror lists the one-based draw slots held by juror in the
// dispute's current appeal round.
func (c *EthClient) GetDrawsForJuror(ctx context.Context, arbitrator common.Address, disputeID uint64, juror common.Address) ([]uint64, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "amountJurors", new(big.Int).SetUint64(disputeID))
	if errors.Is(err, errReverted) {
		return nil, fmt.Errorf("%w: %s/%d", ErrDisputeNotFound, arbitrator.Hex(), disputeID)
	}
	if err != nil {
		return nil, err
	}
	n, err := uint64At(out, 0)
	if err != nil {
		return nil, err
	}

	drawn := make([]bool, n+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for draw := uint64(1); draw <= n; draw++ {
		g.Go(func() error {
			out, err := c.callArbitrator(gctx, arbitrator, "isDrawn",
				new(big.Int).SetUint64(disputeID), juror, new(big.Int).SetUint64(draw))
			if err != nil {
				return err
			}
			drawn[draw], err = boolAt(out, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var draws []uint64
	for draw := uint64(1); draw <= n; draw++ {
		if drawn[draw] {
			draws = append(draws, draw)
		}
	}
	return draws, nil
}

// CanRuleDispute reports whether draws are currently valid for juror and no
// vote has been recorded for the first of them in the current appeal round.
func (c *EthClient) CanRuleDispute(ctx context.Context, arbitrator common.Address, disputeID uint64, draws []uint64, juror common.Address) (bool, error) {
	// draws are 1-based; a zero draw has no vote slot
	if len(draws) == 0 || draws[0] == 0 {
		return false, nil
	}
	d, err := c.GetDispute(ctx, arbitrator, disputeID)
	if err != nil {
		return false, err
	}
	slots := make([]*big.Int, len(draws))
	for i, draw := range draws {
		slots[i] = new(big.Int).SetUint64(draw)
	}
	out, err := c.callArbitrator(ctx, arbitrator, "validDraws", juror, new(big.Int).SetUint64(disputeID), slots)
	if errors.Is(err, errReverted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	valid, err := boolAt(out, 0)
	if err != nil || !valid {
		return false, err
	}

	out, err = c.callArbitrator(ctx, arbitrator, "getVoteAccount",
		new(big.Int).SetUint64(disputeID), big.NewInt(int64(d.NumberOfAppeals)), new(big.Int).SetUint64(draws[0]-1))
	if errors.Is(err, errReverted) {
		// no vote slot allocated yet
		return true, nil
	}
	if err != nil {
		return false, err
	}
	voter, err := addressAt(out, 0)
	if err != nil {
		return false, err
	}
	return voter == (common.Address{}), nil
}

func (c *EthClient) GetJuror(ctx context.Context, arbitrator common.Address, juror common.Address) (Juror, error) {
	out, err := c.callArbitrator(ctx, arbitrator, "jurors", juror)
	if err != nil {
		return Juror{}, err
	}
	var j Juror
	if j.Balance, err = bigAt(out, 0); err != nil {
		return Juror{}, err
	}
	if j.AtStake, err = bigAt(out, 1); err != nil {
		return Juror{}, err
	}
	if j.LastSession, err = uint64At(out, 2); err != nil {
		return Juror{}, err
	}
	if j.SegmentStart, err = uint64At(out, 3); err != nil {
		return Juror{}, err
	}
	if j.SegmentEnd, err = uint64At(out, 4); err != nil {
		return Juror{}, err
	}
	return j, nil
}

func (c *EthClient) GetArbitrationCost(ctx context.Context, arbitrator common.Address, extraData []byte) (*big.Int, error) {
	if extraData == nil {
		extraData = []byte{}
	}
	out, err := c.callArbitrator(ctx, arbitrator, "arbitrationCost", extraData)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0)
}

// GetAgreementData reads every agreement getter in parallel.
func (c *EthClient) GetAgreementData(ctx context.Context, agreement common.Address) (Agreement, error) {
	contract := bind.NewBoundContract(agreement, c.agreement, c.backend, nil, nil)
	a := Agreement{Address: agreement}

	var status uint8
	reads := []struct {
		method string
		assign func(out []any) error
	}{
		{"arbitrator", func(out []any) (err error) { a.Arbitrator, err = addressAt(out, 0); return }},
		{"partyA", func(out []any) (err error) { a.PartyA, err = addressAt(out, 0); return }},
		{"partyB", func(out []any) (err error) { a.PartyB, err = addressAt(out, 0); return }},
		{"partyAFee", func(out []any) (err error) { a.PartyAFee, err = bigAt(out, 0); return }},
		{"partyBFee", func(out []any) (err error) { a.PartyBFee, err = bigAt(out, 0); return }},
		{"status", func(out []any) (err error) { status, err = uint8At(out, 0); return }},
		{"disputeID", func(out []any) (err error) { a.DisputeID, err = uint64At(out, 0); return }},
		{"arbitratorExtraData", func(out []any) (err error) { a.ArbitratorExtraData, err = bytesAt(out, 0); return }},
		{"amount", func(out []any) (err error) { a.Amount, err = bigAt(out, 0); return }},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, r := range reads {
		g.Go(func() error {
			out, err := c.call(gctx, contract, r.method)
			if err != nil {
				return err
			}
			return r.assign(out)
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, errReverted) {
			return Agreement{}, fmt.Errorf("%w: %s", ErrAgreementNotFound, agreement.Hex())
		}
		return Agreement{}, err
	}
	if a.PartyA == (common.Address{}) && a.PartyB == (common.Address{}) {
		return Agreement{}, fmt.Errorf("%w: %s", ErrAgreementNotFound, agreement.Hex())
	}
	a.Status = AgreementStatus(status)
	return a, nil
}

func (c *EthClient) callArbitrator(ctx context.Context, arbitrator common.Address, method string, args ...any) ([]any, error) {
	contract := bind.NewBoundContract(arbitrator, c.arbitrator, c.backend, nil, nil)
	return c.call(ctx, contract, method, args...)
}

func (c *EthClient) call(ctx context.Context, contract *bind.BoundContract, method string, args ...any) ([]any, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %s: %s", errReverted, method, err)
		}
		logging.L(ctx).Errorf("eth_call %s failed: %s", method, err)
		return nil, transient(err)
	}
	return out, nil
}

func isRevert(err error) bool {
	if errors.Is(err, bind.ErrNoCode) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode")
}

func transient(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func valueAt(out []any, i int) (any, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("%w: %d outputs, want index %d", errUnexpectedResponse, len(out), i)
	}
	return out[i], nil
}

func bigAt(out []any, i int) (*big.Int, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return nil, err
	}
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: output %d is %T", errUnexpectedResponse, i, v)
	}
	return b, nil
}

func uint64At(out []any, i int) (uint64, error) {
	b, err := bigAt(out, i)
	if err != nil {
		return 0, err
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: output %d overflows uint64", errUnexpectedResponse, i)
	}
	return b.Uint64(), nil
}

func uint8At(out []any, i int) (uint8, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: output %d is %T", errUnexpectedResponse, i, v)
	}
	return u, nil
}

func addressAt(out []any, i int) (common.Address, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: output %d is %T", errUnexpectedResponse, i, v)
	}
	return a, nil
}

func boolAt(out []any, i int) (bool, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: output %d is %T", errUnexpectedResponse, i, v)
	}
	return b, nil
}

func bytesAt(out []any, i int) ([]byte, error) {
	v, err := valueAt(out, i)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: output %d is %T", errUnexpectedResponse, i, v)
	}
	return b, nil
}

var _ Client = (*EthClient)(nil)
