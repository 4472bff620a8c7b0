package descartes

import "strings"

// Category names a reserved agent role or an operator-defined custom one
// (§9 redesign flag: dynamic category strings are modeled as a tagged
// set plus a Custom fallback rather than bare strings everywhere).
type Category string

const (
	CategorySearcher  Category = "searcher"
	CategoryAnalyzer  Category = "analyzer"
	CategoryBuilder   Category = "builder"
	CategoryValidator Category = "validator"
	CategoryPlanner   Category = "planner"
)

// ModelTier is the cost/capability tradeoff a category defaults to.
type ModelTier string

const (
	TierFast   ModelTier = "fast"
	TierStrong ModelTier = "strong"
)

// ParseCategory maps free-form input to a reserved Category, accepting a
// handful of synonyms, or returns the input verbatim as a custom
// category — unrecognized strings are never an error.
func ParseCategory(s string) Category {
	switch strings.ToLower(s) {
	case "searcher", "search":
		return CategorySearcher
	case "analyzer", "analyse", "analyze":
		return CategoryAnalyzer
	case "builder", "build", "implement", "implementer":
		return CategoryBuilder
	case "validator", "validate", "test", "tester":
		return CategoryValidator
	case "planner", "plan", "planning":
		return CategoryPlanner
	default:
		return Category(strings.ToLower(s))
	}
}

// IsReserved reports whether c is one of the built-in categories as
// opposed to an operator-defined custom one.
func (c Category) IsReserved() bool {
	switch c {
	case CategorySearcher, CategoryAnalyzer, CategoryBuilder, CategoryValidator, CategoryPlanner:
		return true
	default:
		return false
	}
}

// IsParallel reports whether sessions of this category are safe to fan
// out concurrently in a spawn-parallel batch.
func (c Category) IsParallel() bool {
	return c == CategorySearcher || c == CategoryAnalyzer
}

// IsBackpressure reports whether this category acts as a gate that the
// caller should wait on before proceeding (e.g. a validator run).
func (c Category) IsBackpressure() bool {
	return c == CategoryValidator
}

// Tier returns the recommended model tier for c, defaulting custom
// categories to the cheaper tier.
func (c Category) Tier() ModelTier {
	switch c {
	case CategoryBuilder, CategoryPlanner:
		return TierStrong
	default:
		return TierFast
	}
}

func (t ModelTier) DefaultModel() string {
	if t == TierStrong {
		return "opus"
	}
	return "sonnet"
}

// CategoryDefaults holds the default SessionConfig fields a category
// registry resolves a spawn request against when the request doesn't
// override them.
type CategoryDefaults struct {
	Model   string
	Tools   []string
	Prompt  string // prepended system prompt template for this category
}

// CategoryRegistry maps category names to their default configuration,
// injected at construction rather than held in a global (§9 redesign
// flag: no process-wide singletons).
type CategoryRegistry struct {
	defaults map[Category]CategoryDefaults
	fallback CategoryDefaults
}

// NewCategoryRegistry builds a registry seeded with the built-in
// category defaults; callers may override entries or add custom ones
// via Register before first use.
func NewCategoryRegistry() *CategoryRegistry {
	return &CategoryRegistry{
		defaults: map[Category]CategoryDefaults{
			CategorySearcher:  {Model: TierFast.DefaultModel(), Tools: []string{"grep", "read_file", "glob"}},
			CategoryAnalyzer:  {Model: TierFast.DefaultModel(), Tools: []string{"grep", "read_file", "glob"}},
			CategoryBuilder:   {Model: TierStrong.DefaultModel(), Tools: []string{"read_file", "write_file", "grep", "glob", "shell_exec"}},
			CategoryValidator: {Model: TierFast.DefaultModel(), Tools: []string{"shell_exec"}},
			CategoryPlanner:   {Model: TierStrong.DefaultModel(), Tools: []string{"read_file", "grep", "glob", "shell_exec"}},
		},
		fallback: CategoryDefaults{Model: TierFast.DefaultModel()},
	}
}

// Register sets (or overrides) the defaults for a category, including
// custom ones.
func (r *CategoryRegistry) Register(c Category, d CategoryDefaults) {
	r.defaults[c] = d
}

// Resolve returns the defaults for c, falling back to the registry's
// generic default when c is an unregistered custom category.
func (r *CategoryRegistry) Resolve(c Category) CategoryDefaults {
	if d, ok := r.defaults[c]; ok {
		return d
	}
	return r.fallback
}
