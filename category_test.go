package descartes

import "testing"

func TestParseCategorySynonyms(t *testing.T) {
	cases := map[string]Category{
		"searcher":   CategorySearcher,
		"search":     CategorySearcher,
		"implement":  CategoryBuilder,
		"test":       CategoryValidator,
		"plan":       CategoryPlanner,
		"sec_review": Category("sec_review"),
	}
	for in, want := range cases {
		if got := ParseCategory(in); got != want {
			t.Errorf("ParseCategory(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCustomCategoryNotReserved(t *testing.T) {
	c := ParseCategory("security_reviewer")
	if c.IsReserved() {
		t.Error("custom category should not be reserved")
	}
	if c.Tier() != TierFast {
		t.Error("custom categories should default to the fast tier")
	}
}

func TestParallelAndBackpressure(t *testing.T) {
	if !CategorySearcher.IsParallel() || !CategoryAnalyzer.IsParallel() {
		t.Error("searcher and analyzer should be parallel-safe")
	}
	if CategoryBuilder.IsParallel() {
		t.Error("builder should not be parallel-safe")
	}
	if !CategoryValidator.IsBackpressure() {
		t.Error("validator should be a backpressure gate")
	}
}

func TestCategoryRegistryResolve(t *testing.T) {
	reg := NewCategoryRegistry()

	d := reg.Resolve(CategoryBuilder)
	if d.Model != "opus" {
		t.Errorf("expected builder default model opus, got %s", d.Model)
	}

	custom := reg.Resolve(Category("security_reviewer"))
	if custom.Model != "sonnet" {
		t.Errorf("expected fallback default for unregistered category, got %s", custom.Model)
	}

	reg.Register(Category("security_reviewer"), CategoryDefaults{Model: "opus", Tools: []string{"grep"}})
	custom = reg.Resolve(Category("security_reviewer"))
	if custom.Model != "opus" {
		t.Error("expected registered override to take effect")
	}
}
