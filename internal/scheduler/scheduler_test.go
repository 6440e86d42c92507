package scheduler

import "testing"

func TestEveryNFiresOnCadenceMultiples(t *testing.T) {
	e := NewEveryN(TurnPlan{"agent1": 1, "moderator": 3}, []string{"agent1", "moderator"})

	cases := []struct {
		iter int
		want []string
	}{
		{0, []string{"agent1", "moderator"}},
		{1, []string{"agent1"}},
		{2, []string{"agent1"}},
		{3, []string{"agent1", "moderator"}},
	}
	for _, c := range cases {
		got := e.NodesForIteration(c.iter)
		if !equal(got, c.want) {
			t.Errorf("iter %d: got %v, want %v", c.iter, got, c.want)
		}
	}
}

func TestEveryNOrdersByDeclaredOrderThenSortsStragglers(t *testing.T) {
	plan := TurnPlan{"zeta": 1, "alpha": 1, "agent1": 1}
	e := NewEveryN(plan, []string{"agent1"})

	got := e.NodesForIteration(0)
	want := []string{"agent1", "alpha", "zeta"}
	if !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEveryNZeroOrNegativeCadenceNeverFires(t *testing.T) {
	e := NewEveryN(TurnPlan{"agent1": 0, "user1": -1}, nil)
	got := e.NodesForIteration(0)
	if len(got) != 0 {
		t.Errorf("expected no nodes to fire, got %v", got)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
