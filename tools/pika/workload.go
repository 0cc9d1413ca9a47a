package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/maxpert/sitxn/encoding"
	"github.com/maxpert/sitxn/engine"
	"github.com/maxpert/sitxn/txn"
)

const balanceColumn = "balance"

type OpType int

const (
	OpRead OpType = iota
	OpTransfer
	OpAudit
)

func (o OpType) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpTransfer:
		return "TRANSFER"
	case OpAudit:
		return "AUDIT"
	default:
		return "UNKNOWN"
	}
}

var errAuditMismatch = errors.New("audit observed a balance sum that transfers cannot produce")

// accountKey returns the row key for account n; zero padding keeps scans ordered
func accountKey(n int) []byte {
	return []byte(fmt.Sprintf("acct_%012d", n))
}

func encodeBalance(v int64) ([]byte, error) {
	return encoding.Marshal(v)
}

func decodeBalance(data []byte) (int64, error) {
	var v int64
	if err := encoding.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("corrupt balance: %w", err)
	}
	return v, nil
}

// Operation is one unit of work executed inside its own transaction.
type Operation struct {
	Type   OpType
	From   int
	To     int
	Amount int64
}

// OpSelector selects operations based on workload distribution.
type OpSelector struct {
	thresholds [2]int
	rng        *rand.Rand
}

func NewOpSelector(dist WorkloadDistribution, seed int64) *OpSelector {
	s := &OpSelector{rng: rand.New(rand.NewSource(seed))}
	s.thresholds[0] = dist.Read
	s.thresholds[1] = s.thresholds[0] + dist.Transfer
	return s
}

// Select returns a random operation type based on distribution.
func (s *OpSelector) Select() OpType {
	r := s.rng.Intn(100)
	if r < s.thresholds[0] {
		return OpRead
	}
	if r < s.thresholds[1] {
		return OpTransfer
	}
	return OpAudit
}

// Bank runs the workload operations against one engine table.
type Bank struct {
	engine    *engine.Engine
	table     string
	accounts  int
	expected  int64
	isolation txn.IsolationLevel
}

func NewBank(e *engine.Engine, cfg *Config) *Bank {
	return &Bank{
		engine:    e,
		table:     cfg.Table,
		accounts:  cfg.Accounts,
		expected:  cfg.ExpectedTotal(),
		isolation: cfg.IsolationLevel(),
	}
}

// Execute runs op in a fresh transaction, rolling it back on any failure.
func (b *Bank) Execute(ctx context.Context, op Operation) error {
	var opts []engine.BeginOption
	if op.Type == OpTransfer {
		opts = append(opts, engine.WithWritable(b.table))
	}
	opts = append(opts, engine.WithIsolation(b.isolation))

	t, err := b.engine.Begin(ctx, opts...)
	if err != nil {
		return err
	}

	switch op.Type {
	case OpRead:
		_, err = b.balance(ctx, t, op.From)
	case OpTransfer:
		err = b.transfer(ctx, t, op)
	case OpAudit:
		err = b.audit(ctx, t)
	default:
		err = fmt.Errorf("unknown operation type: %v", op.Type)
	}
	if err != nil {
		if rbErr := b.engine.Rollback(ctx, t); rbErr != nil && !txn.IsNotActive(rbErr) {
			return errors.Join(err, rbErr)
		}
		return err
	}

	_, err = b.engine.Commit(ctx, t)
	return err
}

func (b *Bank) balance(ctx context.Context, t *txn.Txn, account int) (int64, error) {
	vals, err := b.engine.Get(ctx, t, b.table, accountKey(account), balanceColumn)
	if err != nil {
		return 0, err
	}
	return decodeBalance(vals[balanceColumn])
}

func (b *Bank) setBalance(ctx context.Context, t *txn.Txn, account int, v int64) error {
	data, err := encodeBalance(v)
	if err != nil {
		return err
	}
	return b.engine.Write(ctx, t, b.table, accountKey(account), engine.Put(balanceColumn, data))
}

func (b *Bank) transfer(ctx context.Context, t *txn.Txn, op Operation) error {
	from, err := b.balance(ctx, t, op.From)
	if err != nil {
		return err
	}
	to, err := b.balance(ctx, t, op.To)
	if err != nil {
		return err
	}

	amount := op.Amount
	if amount > from {
		amount = from
	}
	if amount == 0 {
		return nil
	}

	if err := b.setBalance(ctx, t, op.From, from-amount); err != nil {
		return err
	}
	return b.setBalance(ctx, t, op.To, to+amount)
}

// audit sums every balance visible to t. Only a snapshot reader is
// guaranteed to see a consistent total.
func (b *Bank) audit(ctx context.Context, t *txn.Txn) error {
	sum, count, err := b.sum(ctx, t)
	if err != nil {
		return err
	}
	if b.isolation != txn.Snapshot {
		return nil
	}
	if count != b.accounts || sum != b.expected {
		return fmt.Errorf("%w: %d accounts summing to %d, want %d summing to %d",
			errAuditMismatch, count, sum, b.accounts, b.expected)
	}
	return nil
}

func (b *Bank) sum(ctx context.Context, t *txn.Txn) (sum int64, count int, err error) {
	err = b.engine.Scan(ctx, t, b.table, nil, nil, func(_ []byte, values map[string][]byte) error {
		data, ok := values[balanceColumn]
		if !ok {
			return nil
		}
		v, err := decodeBalance(data)
		if err != nil {
			return err
		}
		sum += v
		count++
		return nil
	})
	return sum, count, err
}
