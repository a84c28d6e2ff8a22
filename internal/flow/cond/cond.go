// Package cond evaluates the AND-only guard language used on gate and
// routing-override conditions:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key ( ( '=' | '!=' ) Literal )?
//	Key           ::= 'outcome' | 'stage' | 'context.' Path | Path
//
// Comparisons are exact string comparisons after both sides are resolved;
// missing keys resolve to the empty string. A clause with no operator tests
// the key for truthiness.
package cond

import (
	"fmt"
	"strings"

	"github.com/jshapland/galley/internal/flow/runtime"
)

// clause is one parsed conjunct. op is "" for a bare truthiness test.
type clause struct {
	key   string
	op    string
	value string
}

// env is what clauses resolve keys against.
type env struct {
	outcome runtime.Outcome
	stage   string
	ctx     *runtime.Context
}

// Evaluate reports whether every clause of condition holds. The empty
// condition is vacuously true.
func Evaluate(condition string, outcome runtime.Outcome, currentStage string, ctx *runtime.Context) (bool, error) {
	e := env{outcome: outcome, stage: currentStage, ctx: ctx}
	for _, raw := range strings.Split(condition, "&&") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		c, err := parseClause(raw)
		if err != nil {
			return false, err
		}
		if !c.holds(e) {
			return false, nil
		}
	}
	return true, nil
}

// parseClause splits on the first operator. "!=" is checked before "=" so a
// negated comparison is never read as an equality against "!value".
func parseClause(raw string) (clause, error) {
	for _, op := range []string{"!=", "="} {
		idx := strings.Index(raw, op)
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(raw[:idx])
		if key == "" {
			return clause{}, fmt.Errorf("invalid clause: %q", raw)
		}
		return clause{
			key:   key,
			op:    op,
			value: strings.TrimSpace(raw[idx+len(op):]),
		}, nil
	}
	return clause{key: raw}, nil
}

func (c clause) holds(e env) bool {
	got := e.lookup(c.key)
	switch c.op {
	case "=":
		return got == c.normalizedValue()
	case "!=":
		return got != c.normalizedValue()
	default:
		return truthy(got)
	}
}

// normalizedValue canonicalizes the literal for outcome comparisons so guard
// aliases like "fail"/"failed" and "skip"/"skipped" match the wire status.
func (c clause) normalizedValue() string {
	if c.key != "outcome" {
		return c.value
	}
	if canonical, err := runtime.ParseStatus(c.value); err == nil {
		return string(canonical)
	}
	return c.value
}

// lookup resolves a key to a string; unknown keys come back empty. Context
// keys work with or without the "context." prefix.
func (e env) lookup(key string) string {
	switch key {
	case "outcome":
		if co, err := e.outcome.Canonicalize(); err == nil {
			return string(co.Status)
		}
		return string(e.outcome.Status)
	case "stage":
		return e.stage
	}
	if e.ctx == nil {
		return ""
	}
	if v, ok := e.ctx.Get(key); ok && v != nil {
		return fmt.Sprint(v)
	}
	if short, ok := strings.CutPrefix(key, "context."); ok {
		if v, ok := e.ctx.Get(short); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "", "false", "0", "no":
		return false
	default:
		return true
	}
}
