package strategy

import (
	"fmt"
	"strings"
)

// jsonContract is the strict response shape every strategy mandates.
// The extraction client rejects anything that does not parse into it.
const jsonContract = `Respond with STRICT JSON only, no prose and no markdown fences, in exactly this shape:
{
  "nuggets": [
    {
      "title": "short headline",
      "content": "the insight itself",
      "url": "https://... or empty string",
      "topics": ["primary-topic", "secondary-topic"],
      "tags": ["tag1", "tag2"],
      "relevancy_score": 0-100
    }
  ]
}`

func buildGenericPrompt(s Strategy, in PromptInput) string {
	var sb strings.Builder

	sb.WriteString("You extract discrete, self-contained insights (\"nuggets\") from a newsletter email.\n")
	fmt.Fprintf(&sb, "Extract between %d and %d nuggets.\n", s.MinNuggets, s.MaxNuggets)
	sb.WriteString("Each nugget must stand on its own without the surrounding email. ")
	sb.WriteString("Skip greetings, housekeeping, sponsor blurbs, and calls to subscribe.\n\n")

	writePreferences(&sb, in)
	writeContract(&sb)
	writeContent(&sb, in)

	return sb.String()
}

func buildAdHeavyPrompt(s Strategy, in PromptInput) string {
	var sb strings.Builder

	sb.WriteString("You extract link recommendations from a link-listing newsletter that mixes real content with heavy advertising.\n")
	fmt.Fprintf(&sb, "Extract between %d and %d nuggets.\n", s.MinNuggets, s.MaxNuggets)
	sb.WriteString("Filter aggressively: drop sponsored placements, affiliate promotions, job boards, ")
	sb.WriteString("and anything labelled as an ad or partner content.\n")
	sb.WriteString("Every nugget MUST carry an external url pointing at the linked resource; ")
	sb.WriteString("discard items without a resolvable link.\n\n")

	writePreferences(&sb, in)
	writeContract(&sb)
	writeContent(&sb, in)

	return sb.String()
}

func buildLongFormPrompt(s Strategy, in PromptInput) string {
	var sb strings.Builder

	sb.WriteString("You extract the core arguments of a long-form essay newsletter.\n")
	fmt.Fprintf(&sb, "Extract between %d and %d nuggets.\n", s.MinNuggets, s.MaxNuggets)
	sb.WriteString("Write a deep, faithful summary per nugget rather than a headline. ")
	sb.WriteString("Merge closely related sub-arguments into a single nugget instead of fragmenting the essay's thread.\n\n")

	writePreferences(&sb, in)
	writeContract(&sb)
	writeContent(&sb, in)

	return sb.String()
}

func buildNewsDigestPrompt(s Strategy, in PromptInput) string {
	var sb strings.Builder

	sb.WriteString("You extract individual stories from a news digest newsletter.\n")
	fmt.Fprintf(&sb, "Extract between %d and %d nuggets.\n", s.MinNuggets, s.MaxNuggets)
	sb.WriteString("For each story, integrate the \"why it matters\" context into the content ")
	sb.WriteString("so the nugget explains both what happened and why the reader should care.\n\n")

	writePreferences(&sb, in)
	writeContract(&sb)
	writeContent(&sb, in)

	return sb.String()
}

func writePreferences(sb *strings.Builder, in PromptInput) {
	if len(in.UserInterests) > 0 {
		fmt.Fprintf(sb, "The reader's interests: %s. Score relevancy against these.\n",
			strings.Join(in.UserInterests, ", "))
	}
	if len(in.ApprovedTopics) > 0 {
		fmt.Fprintf(sb, "Prefer the reader's approved topics when assigning topics: %s.\n",
			strings.Join(in.ApprovedTopics, ", "))
	}
	if len(in.UserInterests) > 0 || len(in.ApprovedTopics) > 0 {
		sb.WriteString("\n")
	}
}

func writeContract(sb *strings.Builder) {
	sb.WriteString(jsonContract)
	sb.WriteString("\n\n")
}

func writeContent(sb *strings.Builder, in PromptInput) {
	sb.WriteString("Newsletter content:\n---\n")
	sb.WriteString(in.Content)
	sb.WriteString("\n---\n")
}
