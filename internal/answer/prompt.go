package answer

import (
	"fmt"
	"strings"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/llm"
)

const (
	defaultRules = "You answer questions about a single document using only the numbered context blocks below. " +
		"Cite every claim with the block number in square brackets, for example [2]. " +
		"If the context does not contain the answer, say so plainly instead of guessing."
	defaultRefStart     = "<<REF>>"
	defaultRefEnd       = "<<END>>"
	defaultNoResultText = "(No passage of the document matched this question. Tell the user the document does not appear to cover it.)"

	// 上下文块内容上限，与分块目标大小一致，尽量不截断
	maxSnippetRunes = 4000
)

// buildContextText 把候选块编号为 [n] (page p) text。
func buildContextText(cands []model.RetrievalCandidate) string {
	var b strings.Builder
	for i, c := range cands {
		text := c.Chunk.Text
		if c.Chunk.Kind == model.ChunkTable && c.Chunk.Summary != "" {
			text = c.Chunk.Summary + "\n" + text
		}
		if r := []rune(text); len(r) > maxSnippetRunes {
			text = string(r[:maxSnippetRunes]) + "…"
		}
		fmt.Fprintf(&b, "[%d] (page %d) %s\n", i+1, c.Chunk.Page, text)
	}
	return b.String()
}

func buildSystemMessage(p config.LLMPromptConfig, contextText string) string {
	rules := p.Rules
	if rules == "" {
		rules = defaultRules
	}
	refStart := p.RefStart
	if refStart == "" {
		refStart = defaultRefStart
	}
	refEnd := p.RefEnd
	if refEnd == "" {
		refEnd = defaultRefEnd
	}

	var sys strings.Builder
	sys.WriteString(rules)
	sys.WriteString("\n\n")
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if contextText != "" {
		sys.WriteString(contextText)
	} else {
		noRes := p.NoResultText
		if noRes == "" {
			noRes = defaultNoResultText
		}
		sys.WriteString(noRes)
		sys.WriteString("\n")
	}
	sys.WriteString(refEnd)
	return sys.String()
}

func composeMessages(systemMsg string, history []model.ChatMessage, question string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemMsg})
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: question})
	return msgs
}
