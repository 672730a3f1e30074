package graph

import "testing"

func TestEdgeConstructors(t *testing.T) {
	t.Run("NewSequential", func(t *testing.T) {
		e := NewSequential("a", "b")
		if e.Kind != Sequential || e.From != "a" || e.To != "b" {
			t.Errorf("NewSequential(a, b) = %+v", e)
		}
	})

	t.Run("NewConditional", func(t *testing.T) {
		always := func(State) bool { return true }
		e := NewConditional("a", []Branch{{When: always, Target: "b"}}, "c")
		if e.Kind != Conditional || e.From != "a" || len(e.Branches) != 1 || e.Default != "c" {
			t.Errorf("NewConditional(...) = %+v", e)
		}
	})

	t.Run("NewParallel", func(t *testing.T) {
		e := NewParallel("a", "b", "c", "d")
		if e.Kind != Parallel || e.From != "a" || len(e.Targets) != 3 {
			t.Errorf("NewParallel(...) = %+v", e)
		}
	})

	t.Run("NewLoop", func(t *testing.T) {
		never := func(State) bool { return false }
		e := NewLoop("a", "body", never, "exit", 5)
		if e.Kind != Loop || e.Body != "body" || e.Exit != "exit" || e.MaxIterations != 5 {
			t.Errorf("NewLoop(...) = %+v", e)
		}
	})
}
