package order

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/swapflow/internal/domain/router"
)

func TestAdvanceHappyPath(t *testing.T) {
	quote := router.Quote{Provider: "X", Price: decimal.RequireFromString("1.0")}
	result := router.ExecutionResult{TxHash: "0xabc", FinalPrice: decimal.RequireFromString("0.99")}

	steps := []struct {
		from    Status
		outcome Outcome
		to      Status
		message string
	}{
		{StatusPending, Start(), StatusRouting, "Finding best route..."},
		{StatusRouting, Quoted(quote), StatusBuilding, "Quote received: X @ 1"},
		{StatusBuilding, Built(), StatusSubmitted, "Transaction submitted to network"},
		{StatusSubmitted, Executed(result), StatusConfirmed, "Swap confirmed. Final Price: 0.99"},
	}
	for _, step := range steps {
		next, msg, err := Advance(step.from, step.outcome)
		if err != nil {
			t.Fatalf("%s on %s: unexpected error %v", step.from, step.outcome.Kind, err)
		}
		if next != step.to {
			t.Fatalf("%s on %s: expected %s, got %s", step.from, step.outcome.Kind, step.to, next)
		}
		if msg != step.message {
			t.Fatalf("%s on %s: expected message %q, got %q", step.from, step.outcome.Kind, step.message, msg)
		}
	}
}

func TestAdvanceFailureMessages(t *testing.T) {
	cases := []struct {
		fault  *router.Fault
		prefix string
		suffix string
	}{
		{router.Slippage("raydium", "price moved 3%%"), "Slippage error: price moved 3%", ""},
		{router.Transient("", errors.New("rpc unreachable")), "Network/System error: rpc unreachable", ". Retrying..."},
		{router.Fatal("meteora", "pool paused"), "Execution error: pool paused", ""},
	}
	for _, from := range []Status{StatusRouting, StatusBuilding, StatusSubmitted} {
		for _, tc := range cases {
			next, msg, err := Advance(from, Failed(tc.fault))
			if err != nil {
				t.Fatalf("from %s: unexpected error %v", from, err)
			}
			if next != StatusFailed {
				t.Fatalf("from %s: expected FAILED, got %s", from, next)
			}
			if !strings.HasPrefix(msg, tc.prefix) || !strings.HasSuffix(msg, tc.suffix) {
				t.Fatalf("from %s: unexpected message %q", from, msg)
			}
		}
	}
}

func TestAdvanceRejectsTerminalAndOutOfOrder(t *testing.T) {
	fault := router.Fatal("", "boom")
	outcomes := []Outcome{Start(), Quoted(router.Quote{}), Built(), Executed(router.ExecutionResult{}), Failed(fault)}

	for _, terminal := range []Status{StatusConfirmed, StatusFailed} {
		for _, outcome := range outcomes {
			_, _, err := Advance(terminal, outcome)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s on %s: expected ErrInvalidTransition, got %v", terminal, outcome.Kind, err)
			}
		}
	}

	invalid := []struct {
		from    Status
		outcome Outcome
	}{
		{StatusPending, Quoted(router.Quote{})},
		{StatusPending, Failed(fault)},
		{StatusRouting, Start()},
		{StatusRouting, Built()},
		{StatusBuilding, Executed(router.ExecutionResult{})},
		{StatusSubmitted, Quoted(router.Quote{})},
		{StatusRouting, Failed(nil)},
		{StatusRouting, Outcome{}},
		{Status("BOGUS"), Start()},
	}
	for _, tc := range invalid {
		_, _, err := Advance(tc.from, tc.outcome)
		var transitionErr *TransitionError
		if !errors.As(err, &transitionErr) {
			t.Fatalf("%s on %s: expected TransitionError, got %v", tc.from, tc.outcome.Kind, err)
		}
		if transitionErr.From != tc.from {
			t.Fatalf("expected From=%s, got %s", tc.from, transitionErr.From)
		}
	}
}

// Random walks through the machine must only ever visit a prefix of the
// pipeline, optionally cut short by FAILED.
func TestAdvanceWalksArePipelinePrefixes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fault := router.Transient("", errors.New("flaky"))
	all := []Outcome{Start(), Quoted(router.Quote{Provider: "p"}), Built(), Executed(router.ExecutionResult{}), Failed(fault)}
	order := map[Status]int{StatusPending: 0, StatusRouting: 1, StatusBuilding: 2, StatusSubmitted: 3, StatusConfirmed: 4, StatusFailed: 4}

	for walk := 0; walk < 500; walk++ {
		current := StatusPending
		visited := []Status{current}
		for step := 0; step < 20 && !current.Terminal(); step++ {
			next, _, err := Advance(current, all[rng.Intn(len(all))])
			if err != nil {
				continue
			}
			if order[next] != order[current]+1 && next != StatusFailed {
				t.Fatalf("walk %d: non-sequential move %s -> %s", walk, current, next)
			}
			current = next
			visited = append(visited, current)
		}
		for i, status := range visited {
			if status == StatusFailed {
				if i != len(visited)-1 || i < 2 {
					t.Fatalf("walk %d: FAILED in unexpected position: %v", walk, visited)
				}
				continue
			}
			if order[status] != i {
				t.Fatalf("walk %d: visited %v is not a pipeline prefix", walk, visited)
			}
		}
	}
}
