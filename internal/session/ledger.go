package session

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"askbridge/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// ledgerProgram derives strategy health from raw attempt facts.
const ledgerProgram = `
Decl attempt(Run, Strategy, Outcome, Reason).

strategy_succeeded(S) :- attempt(_, S, "ok", _).
strategy_failed(S) :- attempt(_, S, "fail", _).
strategy_flaky(S) :- strategy_succeeded(S), strategy_failed(S).
resolved_by(R, S) :- attempt(R, S, "ok", _).
`

// Derived predicates exposed by the ledger.
const (
	PredSucceeded  = "strategy_succeeded"
	PredFailed     = "strategy_failed"
	PredFlaky      = "strategy_flaky"
	PredResolvedBy = "resolved_by"
)

type ledgerFact struct {
	run      string
	strategy string
	outcome  string
	reason   string
	at       time.Time
}

// Ledger keeps acquisition attempts as facts in a mangle store and evaluates
// health rules over them. Safe for concurrent use.
type Ledger struct {
	cfg config.LedgerConfig

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore
	facts       []ledgerFact
}

// NewLedger parses the built-in rules plus cfg.RulesPath when set.
func NewLedger(cfg config.LedgerConfig) (*Ledger, error) {
	src := []byte(ledgerProgram)
	if cfg.RulesPath != "" {
		extra, err := os.ReadFile(cfg.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("read ledger rules: %w", err)
		}
		src = append(append(src, '\n'), extra...)
	}

	unit, err := parse.Unit(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse ledger rules: %w", err)
	}
	programInfo, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, fmt.Errorf("analyze ledger rules: %w", err)
	}

	return &Ledger{
		cfg:         cfg,
		programInfo: programInfo,
		store:       factstore.NewSimpleInMemoryStore(),
	}, nil
}

// Record adds one attempt and re-evaluates. When the buffer limit is
// exceeded the oldest facts are dropped and the store rebuilt.
func (l *Ledger) Record(runID string, a Attempt) error {
	if l == nil {
		return nil
	}
	outcome := "fail"
	if a.OK {
		outcome = "ok"
	}
	f := ledgerFact{run: runID, strategy: a.Strategy, outcome: outcome, reason: a.Reason, at: time.Now()}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.facts = append(l.facts, f)
	if limit := l.cfg.FactBufferLimit; limit > 0 && len(l.facts) > limit {
		l.facts = append([]ledgerFact(nil), l.facts[len(l.facts)-limit:]...)
		l.store = factstore.NewSimpleInMemoryStore()
		for _, kept := range l.facts {
			l.store.Add(kept.atom())
		}
	} else {
		l.store.Add(f.atom())
	}

	if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
		return fmt.Errorf("eval ledger: %w", err)
	}
	return nil
}

func (f ledgerFact) atom() ast.Atom {
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: "attempt", Arity: 4},
		Args: []ast.BaseTerm{
			ast.String(f.run),
			ast.String(f.strategy),
			ast.String(f.outcome),
			ast.String(f.reason),
		},
	}
}

// Query returns every derived tuple of a predicate as strings.
func (l *Ledger) Query(predicate string, arity int) ([][]string, error) {
	if l == nil {
		return nil, nil
	}
	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out [][]string
	err := l.store.GetFacts(query, func(atom ast.Atom) error {
		row := make([]string, 0, len(atom.Args))
		for _, arg := range atom.Args {
			row = append(row, termString(arg))
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// Strategies returns the sorted strategy names for a unary predicate.
func (l *Ledger) Strategies(predicate string) []string {
	rows, err := l.Query(predicate, 1)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r[0])
	}
	sort.Strings(names)
	return names
}

// Health summarizes strategies over every recorded run.
type Health struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Flaky     []string `json:"flaky"`
	Attempts  int      `json:"attempts"`
}

func (l *Ledger) Health() Health {
	if l == nil {
		return Health{}
	}
	l.mu.RLock()
	n := len(l.facts)
	l.mu.RUnlock()
	return Health{
		Succeeded: l.Strategies(PredSucceeded),
		Failed:    l.Strategies(PredFailed),
		Flaky:     l.Strategies(PredFlaky),
		Attempts:  n,
	}
}

// ResolvedBy reports which strategy closed a run, if any.
func (l *Ledger) ResolvedBy(runID string) (string, bool) {
	rows, err := l.Query(PredResolvedBy, 2)
	if err != nil {
		return "", false
	}
	for _, r := range rows {
		if r[0] == runID {
			return r[1], true
		}
	}
	return "", false
}

func termString(t ast.BaseTerm) string {
	if c, ok := t.(ast.Constant); ok && c.Type == ast.StringType {
		if s, err := c.StringValue(); err == nil {
			return s
		}
	}
	return t.String()
}
