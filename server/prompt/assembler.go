// Package prompt assembles prompts that are guaranteed to fit the model's
// token budget, either from a bare instruction or from channel history
// followed by an instruction.
package prompt

import (
	"fmt"
	"strings"

	"github.com/teilomillet/relay/server/chat"
	"github.com/teilomillet/relay/server/tokenizer"
	"go.uber.org/zap"
)

// Prompt is an assembled prompt together with what went into it.
type Prompt struct {
	Text string
	// Tokens is the oracle's count for Text; always <= Budget
	Tokens int
	Budget int
	// Retained is how many history messages made it into the prompt
	Retained int
	// Truncated reports that the instruction itself was cut to fit
	Truncated bool
}

// Assembler builds prompts within a fixed token budget.
type Assembler struct {
	tok    tokenizer.Tokenizer
	budget int
	logger *zap.Logger
}

// NewAssembler returns an assembler for budget tokens. The budget must be positive.
func NewAssembler(tok tokenizer.Tokenizer, budget int, logger *zap.Logger) (*Assembler, error) {
	if tok == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("token budget must be positive, got %d", budget)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{tok: tok, budget: budget, logger: logger}, nil
}

// Budget returns the token budget prompts are held to.
func (a *Assembler) Budget() int {
	return a.budget
}

// FormatLine renders one transcript line.
func FormatLine(authorName, content string) string {
	return authorName + ": " + content + "\n"
}

// Direct returns text unchanged when it fits, otherwise its last Budget
// tokens. For a bare instruction the most recent text matters most.
func (a *Assembler) Direct(text string) Prompt {
	tokens := a.tok.Encode(text)
	if len(tokens) <= a.budget {
		return Prompt{Text: text, Tokens: len(tokens), Budget: a.budget}
	}

	a.logger.Warn("Prompt exceeds budget, keeping the tail",
		zap.Int("tokens", len(tokens)),
		zap.Int("budget", a.budget),
	)

	out, n := a.fit(tokens, func(k int) []int { return tokens[len(tokens)-k:] })
	return Prompt{Text: out, Tokens: n, Budget: a.budget, Truncated: true}
}

// Continuation renders as much recent history as fits in front of suffix.
// history is oldest first. Messages are selected newest first and rendered
// oldest first; selection stops at the first message that does not fit, so
// the retained messages are always the newest contiguous run.
func (a *Assembler) Continuation(history []chat.HistoryMessage, suffix string) Prompt {
	suffixTokens := a.tok.Encode(suffix)
	if len(suffixTokens) >= a.budget {
		a.logger.Warn("Suffix exceeds budget, dropping history and truncating it",
			zap.Int("tokens", len(suffixTokens)),
			zap.Int("budget", a.budget),
		)
		out, n := a.fit(suffixTokens, func(k int) []int { return suffixTokens[:k] })
		return Prompt{Text: out, Tokens: n, Budget: a.budget, Truncated: true}
	}

	remaining := a.budget - len(suffixTokens)

	// Collected newest first.
	var lines []string
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		line := FormatLine(msg.AuthorName, msg.Content)
		n := tokenizer.Count(a.tok, line)
		if used+n > remaining {
			break
		}
		lines = append(lines, line)
		used += n
	}

	// Per-line counts are additive for most encodings but a BPE may merge
	// across the seams, so the assembled text is measured again and the
	// oldest line dropped until it fits. The suffix alone always fits.
	for {
		text := render(lines, suffix)
		n := tokenizer.Count(a.tok, text)
		if n <= a.budget || len(lines) == 0 {
			a.logger.Debug("Assembled continuation prompt",
				zap.Int("tokens", n),
				zap.Int("budget", a.budget),
				zap.Int("retained_messages", len(lines)),
				zap.Int("history_messages", len(history)),
			)
			return Prompt{Text: text, Tokens: n, Budget: a.budget, Retained: len(lines)}
		}
		lines = lines[:len(lines)-1]
	}
}

// render joins newest-first lines in chronological order, then the suffix.
func render(newestFirst []string, suffix string) string {
	var b strings.Builder
	for i := len(newestFirst) - 1; i >= 0; i-- {
		b.WriteString(newestFirst[i])
	}
	b.WriteString(suffix)
	return b.String()
}

// fit decodes window(k) for the largest k <= budget whose decoded text the
// oracle counts within budget. Decoding a cut sequence can re-encode
// differently, so each candidate is measured.
func (a *Assembler) fit(tokens []int, window func(k int) []int) (string, int) {
	for k := min(a.budget, len(tokens)); k > 0; k-- {
		out := a.tok.Decode(window(k))
		if n := tokenizer.Count(a.tok, out); n <= a.budget {
			return out, n
		}
	}
	return "", 0
}
