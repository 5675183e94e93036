package composer

import (
	"fmt"
	"strings"

	"github.com/helmstream/helmstream/internal/filter"
)

// NoContextLine replaces the context section when retrieval found nothing.
const NoContextLine = "No relevant information was found in the knowledge base for this question."

const documentPreamble = `You are a maritime operations assistant with access to a knowledge base of maritime documents. Answer the following question based ONLY on the provided context documents.`

const documentInstructions = `Instructions:
- Provide a clear, concise answer based on the information in the context
- If the context contains relevant information, cite the specific document(s)
- If the context doesn't contain enough information to answer the question, say so clearly
- Be specific with numbers, dates, and vessel names when they appear in the context
- Keep your answer focused and professional`

const emailPreamble = `You are an AI assistant helping shipyard operations staff understand and coordinate maritime vessel maintenance activities. You have access to a database of stakeholder communications (emails) spanning 6 months of operations.`

const emailInstructions = `Instructions:
- Answer based ONLY on the provided email communications
- Identify stakeholders involved and their roles
- Note temporal relationships (sequences, delays, timelines)
- Highlight causal relationships (what led to what)
- If discussing delays or issues, explain the root cause and impact
- If discussing decisions, cite who made them and why
- Be specific with dates, vessel names, and stakeholder names
- If the context doesn't contain enough information, say so clearly
- Maintain professional maritime operations language`

// RenderDocumentPrompt builds the document-corpus prompt.
func RenderDocumentPrompt(query string, b Bundle) string {
	var sb strings.Builder
	sb.WriteString(documentPreamble)
	sb.WriteString("\n\nContext Documents:\n")
	sb.WriteString(documentContext(b))
	fmt.Fprintf(&sb, "\n\nQuestion: %s\n\n", query)
	sb.WriteString(documentInstructions)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}

// RenderEmailPrompt builds the stakeholder email prompt. Non-empty filters
// are listed so the model knows the scope of the search.
func RenderEmailPrompt(query string, b Bundle, filters filter.Set) string {
	var sb strings.Builder
	sb.WriteString(emailPreamble)
	sb.WriteString("\n\nContext Information:")
	if !filters.IsEmpty() {
		sb.WriteString("\nQuery filters applied: ")
		sb.WriteString(filters.String())
	}
	sb.WriteString("\n\nRelevant Email Communications:\n")
	sb.WriteString(emailContext(b))
	fmt.Fprintf(&sb, "\n\nQuestion: %s\n\n", query)
	sb.WriteString(emailInstructions)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}

func documentContext(b Bundle) string {
	if len(b.Entries) == 0 {
		return NoContextLine
	}
	parts := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		parts[i] = fmt.Sprintf("Document %d: %s (Type: %s, Relevance: %s)\n---\n%s",
			i+1, e.Title, metaOr(e.Metadata, filter.KeyType, "unknown"), FormatScore(e.Score), e.Text)
	}
	return strings.Join(parts, "\n\n")
}

func emailContext(b Bundle) string {
	if len(b.Entries) == 0 {
		return NoContextLine
	}
	parts := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		m := e.Metadata
		parts[i] = fmt.Sprintf("Email %d - %s (Relevance: %s)\nFrom: %s (%s)\nVessel: %s\nCategory: %s\nSubject: %s\n---\n%s",
			i+1, metaOr(m, filter.DateField, ""), FormatScore(e.Score),
			metaOr(m, filter.KeySender, "unknown"), metaOr(m, filter.KeySenderRole, "unknown"),
			metaOr(m, filter.KeyVessel, "N/A"), metaOr(m, filter.KeyEventCategory, "N/A"),
			e.Title, e.Text)
	}
	return strings.Join(parts, "\n\n")
}

// FormatScore renders a similarity score with two decimals.
func FormatScore(s float64) string {
	return fmt.Sprintf("%.2f", s)
}

// EstimateTokens gives a rough token count at four characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func metaOr(m map[string]string, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}
