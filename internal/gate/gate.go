// Package gate decides who may create markets publicly.
//
// A policy holds a list of rules; creation is allowed when public creation
// is enabled and any single rule passes. Rules read balances through a
// domain.BalanceReader so they can be evaluated without touching the
// registry.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Rule is one creation gate variant.
type Rule interface {
	// Check reports whether holder satisfies the rule.
	Check(ctx context.Context, r domain.BalanceReader, holder string) (bool, *uint256.Int, error)
	// Spec returns the persisted form of the rule.
	Spec() domain.GateRule
}

// MinBalance passes when the holder owns at least Threshold base units of
// a fungible token.
type MinBalance struct {
	Asset     string
	Threshold uint256.Int
}

// MinNftHoldings passes when the holder owns at least Threshold tokens of
// a non-fungible collection.
type MinNftHoldings struct {
	Asset     string
	Threshold uint256.Int
}

func (m MinBalance) Check(ctx context.Context, r domain.BalanceReader, holder string) (bool, *uint256.Int, error) {
	return atLeast(ctx, r, domain.GateMinBalance, m.Asset, holder, &m.Threshold)
}

func (m MinBalance) Spec() domain.GateRule {
	return domain.GateRule{Kind: domain.GateMinBalance, Asset: m.Asset, Threshold: m.Threshold}
}

func (m MinNftHoldings) Check(ctx context.Context, r domain.BalanceReader, holder string) (bool, *uint256.Int, error) {
	return atLeast(ctx, r, domain.GateMinNftHoldings, m.Asset, holder, &m.Threshold)
}

func (m MinNftHoldings) Spec() domain.GateRule {
	return domain.GateRule{Kind: domain.GateMinNftHoldings, Asset: m.Asset, Threshold: m.Threshold}
}

func atLeast(ctx context.Context, r domain.BalanceReader, kind domain.GateKind, asset, holder string, threshold *uint256.Int) (bool, *uint256.Int, error) {
	bal, err := r.BalanceOf(ctx, kind, asset, holder)
	if err != nil {
		return false, nil, fmt.Errorf("gate: %s balance of %s: %w", kind, asset, err)
	}
	return !bal.Lt(threshold), bal, nil
}

// FromSpec builds a rule from its persisted form. The asset address is
// normalized and a zero threshold is rejected, since it would open the
// gate to everyone.
func FromSpec(s domain.GateRule) (Rule, error) {
	asset, err := domain.NormalizeAddress(s.Asset)
	if err != nil {
		return nil, fmt.Errorf("gate: rule asset: %w", err)
	}
	if s.Threshold.IsZero() {
		return nil, fmt.Errorf("gate: %s rule on %s: zero threshold", s.Kind, asset)
	}
	switch s.Kind {
	case domain.GateMinBalance:
		return MinBalance{Asset: asset, Threshold: s.Threshold}, nil
	case domain.GateMinNftHoldings:
		return MinNftHoldings{Asset: asset, Threshold: s.Threshold}, nil
	}
	return nil, fmt.Errorf("gate: unknown rule kind %q", s.Kind)
}

// Normalize validates specs and returns them in canonical form.
func Normalize(specs []domain.GateRule) ([]domain.GateRule, error) {
	out := make([]domain.GateRule, 0, len(specs))
	for _, s := range specs {
		r, err := FromSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Spec())
	}
	return out, nil
}

// Result is the outcome of one rule for one holder.
type Result struct {
	Rule    domain.GateRule
	Passed  bool
	Balance *uint256.Int
	Err     error
}

// Decision is the full evaluation of a policy for one holder.
type Decision struct {
	Allowed        bool
	PublicCreation bool
	Results        []Result
}

// Evaluate checks holder against policy. Rules are tried in order and
// evaluation stops at the first pass. When no rule passes and at least one
// could not be read, the read error is returned so callers can tell an
// outage from a refusal.
func Evaluate(ctx context.Context, r domain.BalanceReader, policy domain.GatePolicy, holder string) (Decision, error) {
	d := Decision{PublicCreation: policy.PublicCreation}
	if !policy.PublicCreation {
		return d, nil
	}

	var readErrs []error
	for _, spec := range policy.Rules {
		rule, err := FromSpec(spec)
		if err != nil {
			return d, err
		}
		ok, bal, err := rule.Check(ctx, r, holder)
		d.Results = append(d.Results, Result{Rule: rule.Spec(), Passed: ok, Balance: bal, Err: err})
		if err != nil {
			readErrs = append(readErrs, err)
			continue
		}
		if ok {
			d.Allowed = true
			return d, nil
		}
	}
	if len(readErrs) > 0 {
		return d, errors.Join(readErrs...)
	}
	return d, nil
}
