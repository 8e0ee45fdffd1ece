// Package strategy holds the closed set of extraction strategies.
// Each strategy shapes the LLM prompt for one newsletter archetype;
// the ids are persisted on Sources, so renaming one is a migration.
package strategy

import (
	"log/slog"
)

// Strategy ids. These are the only values a Source's
// extraction_strategy_id may reference.
const (
	Generic          = "generic"
	AdHeavyListing   = "ad-heavy-link-listing"
	LongFormDeepDive = "long-form-deep-dive"
	NewsDigest       = "news-digest"
)

// PromptInput carries everything a strategy needs to build its prompt.
type PromptInput struct {
	Content        string
	UserInterests  []string
	ApprovedTopics []string
}

// Strategy is a named prompt-building policy tuned to a newsletter
// archetype. MinNuggets and MaxNuggets bound how many insights the
// prompt asks for.
type Strategy struct {
	ID         string
	Name       string
	MinNuggets int
	MaxNuggets int

	build func(s Strategy, in PromptInput) string
}

// BuildPrompt renders the extraction prompt for the given content and
// user preferences.
func (s Strategy) BuildPrompt(in PromptInput) string {
	return s.build(s, in)
}

// Registry resolves strategy ids to strategies. It never fails the
// caller: unknown ids fall back to the generic strategy with a
// logged warning.
type Registry struct {
	strategies map[string]Strategy
	logger     *slog.Logger
}

// NewRegistry creates a registry populated with the fixed strategy set.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		strategies: make(map[string]Strategy),
		logger:     logger,
	}

	for _, s := range []Strategy{
		{
			ID:         Generic,
			Name:       "Generic newsletter",
			MinNuggets: 3,
			MaxNuggets: 10,
			build:      buildGenericPrompt,
		},
		{
			ID:         AdHeavyListing,
			Name:       "Ad-heavy link listing",
			MinNuggets: 8,
			MaxNuggets: 20,
			build:      buildAdHeavyPrompt,
		},
		{
			ID:         LongFormDeepDive,
			Name:       "Long-form deep dive",
			MinNuggets: 3,
			MaxNuggets: 8,
			build:      buildLongFormPrompt,
		},
		{
			ID:         NewsDigest,
			Name:       "News digest",
			MinNuggets: 5,
			MaxNuggets: 15,
			build:      buildNewsDigestPrompt,
		},
	} {
		r.strategies[s.ID] = s
	}

	return r
}

// Get returns the strategy for id, or the generic strategy when the
// id is unrecognized.
func (r *Registry) Get(id string) Strategy {
	if s, ok := r.strategies[id]; ok {
		return s
	}

	r.logger.Warn("unknown extraction strategy, falling back to generic",
		"strategy_id", id)
	return r.strategies[Generic]
}

// IDs returns the known strategy ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	return ids
}
