package topic

import "testing"

func TestExactPattern(t *testing.T) {
	p, err := Compile("orders")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p.IsPattern() {
		t.Error("exact pattern reported as wildcard pattern")
	}
	if p.String() != "orders" {
		t.Errorf("String() = %q, want %q", p.String(), "orders")
	}
	assertMatch(t, p, "orders", true)
	assertMatch(t, p, "orders.new", false)
	assertMatch(t, p, "order", false)
}

func TestExactMultiToken(t *testing.T) {
	p, err := Compile("orders.new.shipped")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new.shipped", true)
	assertMatch(t, p, "orders.new", false)
	assertMatch(t, p, "orders.old.shipped", false)
}

func TestSingleWildcardOneToken(t *testing.T) {
	p, err := Compile("orders.*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !p.IsPattern() {
		t.Error("wildcard pattern reported as exact")
	}
	assertMatch(t, p, "orders.new", true)
	assertMatch(t, p, "orders.old", true)
	assertMatch(t, p, "orders", false)
	assertMatch(t, p, "orders.new.shipped", false)
}

func TestSingleWildcardMiddle(t *testing.T) {
	p, err := Compile("orders.*.shipped")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new.shipped", true)
	assertMatch(t, p, "orders.old.shipped", true)
	assertMatch(t, p, "orders.shipped", false)
	assertMatch(t, p, "orders.new.pending.shipped", false)
}

func TestSingleWildcardBeginning(t *testing.T) {
	p, err := Compile("*.new")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new", true)
	assertMatch(t, p, "events.new", true)
	assertMatch(t, p, "orders.old", false)
	assertMatch(t, p, "orders.new.shipped", false)
}

func TestMultipleSingleWildcards(t *testing.T) {
	p, err := Compile("orders.*.*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new.shipped", true)
	assertMatch(t, p, "orders.old.pending", true)
	assertMatch(t, p, "orders.new", false)
	assertMatch(t, p, "orders.new.pending.shipped", false)
}

func TestMultiWildcardSimple(t *testing.T) {
	p, err := Compile("orders.>")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !p.IsPattern() {
		t.Error("wildcard pattern reported as exact")
	}
	assertMatch(t, p, "orders.new", true)
	assertMatch(t, p, "orders.new.shipped", true)
	assertMatch(t, p, "orders.new.pending.shipped", true)
	assertMatch(t, p, "orders", false)
	assertMatch(t, p, "events.new", false)
}

func TestMultiWildcardWithPrefix(t *testing.T) {
	p, err := Compile("orders.new.>")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new.shipped", true)
	assertMatch(t, p, "orders.new.pending.shipped", true)
	assertMatch(t, p, "orders.new", false)
	assertMatch(t, p, "orders.old.shipped", false)
}

func TestMultiWildcardRoot(t *testing.T) {
	p, err := Compile(">")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders", true)
	assertMatch(t, p, "orders.new", true)
	assertMatch(t, p, "orders.new.shipped", true)
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		pattern string
		wantErr error
	}{
		{"", ErrEmptyPattern},
		{"orders..new", ErrEmptyToken},
		{"ord*", ErrCombinedWildcard},
		{"orders.new*", ErrCombinedWildcard},
		{"orders.>.new", ErrMultiWildcardNotLast},
		{"orders.*.>", ErrMixedWildcards},
	}
	for _, tc := range cases {
		_, err := Compile(tc.pattern)
		if err != tc.wantErr {
			t.Errorf("Compile(%q) error = %v, want %v", tc.pattern, err, tc.wantErr)
		}
	}
}

func TestPatternStringRoundTrip(t *testing.T) {
	p, err := Compile("orders.*.shipped")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := p.String(); got != "orders.*.shipped" {
		t.Errorf("String() = %q, want %q", got, "orders.*.shipped")
	}
}

func TestComplexPatterns(t *testing.T) {
	p, err := Compile("*.*.*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new.shipped", true)
	assertMatch(t, p, "orders.new", false)

	p, err = Compile("orders.*.shipped.*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	assertMatch(t, p, "orders.new.shipped.fast", true)
	assertMatch(t, p, "orders.new.shipped", false)
}

func assertMatch(t *testing.T, p *Pattern, topicStr string, want bool) {
	t.Helper()
	if got := p.Matches(topicStr); got != want {
		t.Errorf("Pattern(%q).Matches(%q) = %v, want %v", p.String(), topicStr, got, want)
	}
}
