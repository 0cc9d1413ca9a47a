package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/sitxn/engine"
	"github.com/maxpert/sitxn/txn"
)

// VerifyResult summarizes one consistency check.
type VerifyResult struct {
	Accounts      int
	Total         int64
	Expected      int64
	ActiveRecords int
}

func (r VerifyResult) OK(accounts int) bool {
	return r.Accounts == accounts && r.Total == r.Expected
}

// verify reads every balance under one snapshot transaction and counts the
// transaction records still active.
func verify(ctx context.Context, env *Env, cfg *Config) (VerifyResult, error) {
	res := VerifyResult{Expected: cfg.ExpectedTotal()}

	t, err := env.Engine.Begin(ctx, engine.WithIsolation(txn.Snapshot))
	if err != nil {
		return res, err
	}

	bank := NewBank(env.Engine, cfg)
	res.Total, res.Accounts, err = bank.sum(ctx, t)
	if err != nil {
		return res, errors.Join(err, env.Engine.Rollback(ctx, t))
	}
	if _, err := env.Engine.Commit(ctx, t); err != nil {
		return res, err
	}

	err = env.Engine.ScanActive(ctx, func(v *txn.TxnView) bool {
		if v.State() == txn.StateActive || v.State() == txn.StateCommitting {
			res.ActiveRecords++
		}
		return true
	})
	return res, err
}

// executeVerify prints the verification report and fails on a mismatch.
func executeVerify(ctx context.Context, env *Env, cfg *Config) error {
	res, err := verify(ctx, env, cfg)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Verification:")
	fmt.Printf("  Accounts:        %d (want %d)\n", res.Accounts, cfg.Accounts)
	fmt.Printf("  Balance total:   %d (want %d)\n", res.Total, res.Expected)
	fmt.Printf("  Active records:  %d\n", res.ActiveRecords)

	if !res.OK(cfg.Accounts) {
		return fmt.Errorf("balance invariant violated: %d accounts totalling %d", res.Accounts, res.Total)
	}
	fmt.Println("  Result:          OK")
	return nil
}
