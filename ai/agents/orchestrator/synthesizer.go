package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hrygo/uncanny/ai/core/embedding"
	"github.com/hrygo/uncanny/ai/core/llm"
	"github.com/hrygo/uncanny/internal/apperrors"
	"github.com/hrygo/uncanny/store"
)

var markerPattern = regexp.MustCompile(`\[E:([^\[\]\s]+)\]`)

const (
	// maxMarkerLen bounds how long an unclosed "[" is held back while streaming.
	maxMarkerLen      = 80
	summaryRunes      = 4000
	templateCitations = 5
)

const synthesizerPrompt = `You answer questions about reported anomalous experiences using tool results.
Cite every experience you mention inline as [E:<id>], using only ids that appear in the tool results.
Never invent ids. If an analysis failed, say what could not be determined.
Answer in the language of the question.`

// Answer is the synthesized reply of a turn.
type Answer struct {
	Text      string
	Citations []store.Citation
	// Removed counts citation markers dropped because no tool output contained them.
	Removed  int
	Fallback bool
}

// Synthesizer streams the final answer and keeps its citations honest.
type Synthesizer struct {
	llm llm.Service
}

func NewSynthesizer(service llm.Service) *Synthesizer {
	return &Synthesizer{llm: service}
}

// Synthesize streams the answer through emit. Each chunk is emitted only after
// its citation markers are checked. A model failure yields the templated answer.
func (s *Synthesizer) Synthesize(ctx context.Context, message string, plan *Plan, emit func(string)) (*Answer, error) {
	filter := newCitationFilter(plan)
	answer := &Answer{}
	var text strings.Builder
	write := func(chunk string) {
		if chunk == "" {
			return
		}
		text.WriteString(chunk)
		if emit != nil {
			emit(chunk)
		}
	}

	if len(plan.Calls) == 0 {
		write(filter.push(plan.Direct))
		write(filter.flush())
		return filter.finish(answer, text.String()), nil
	}

	messages := llm.FormatMessages(synthesizerPrompt, synthesisInput(message, plan), nil)
	content, _, errs := s.llm.ChatStream(ctx, messages)
stream:
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.FromContext(ctx.Err())
		case chunk, ok := <-content:
			if !ok {
				break stream
			}
			if ctx.Err() != nil {
				return nil, apperrors.FromContext(ctx.Err())
			}
			write(filter.push(chunk))
		}
	}
	if err := <-errs; err != nil {
		if ctxErr := apperrors.FromContext(ctx.Err()); ctxErr != nil {
			return nil, ctxErr
		}
		slog.WarnContext(ctx, "orchestrator: synthesis failed, using template", "error", err)
		write(filter.flush())
		if text.Len() > 0 {
			write("\n\n")
		}
		write(filter.push(templateAnswer(plan)))
		answer.Fallback = true
	}
	write(filter.flush())
	write(filter.push(gapNote(plan)))
	write(filter.flush())
	return filter.finish(answer, text.String()), nil
}

// Template builds the deterministic answer from completed calls, without the model.
func (s *Synthesizer) Template(plan *Plan) *Answer {
	filter := newCitationFilter(plan)
	text := filter.push(templateAnswer(plan) + gapNote(plan))
	text += filter.flush()
	return filter.finish(&Answer{Fallback: true}, text)
}

func synthesisInput(message string, plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nTool results:\n", message)
	for _, c := range plan.Calls {
		switch c.Status {
		case CallSucceeded:
			fmt.Fprintf(&b, "\n### %s %s\n%s\n", c.ID, c.Tool, embedding.Truncate(c.Output.Summary, summaryRunes))
		default:
			fmt.Fprintf(&b, "\n### %s %s (%s: %s)\n", c.ID, c.Tool, c.Status, c.Error)
		}
	}
	return b.String()
}

func templateAnswer(plan *Plan) string {
	var lines []string
	for _, c := range plan.Calls {
		if c.Status != CallSucceeded {
			continue
		}
		ids := c.Output.ExperienceIDs
		if len(ids) == 0 {
			lines = append(lines, fmt.Sprintf("%s found nothing relevant.", c.Tool))
			continue
		}
		shown := ids[:min(len(ids), templateCitations)]
		markers := make([]string, 0, len(shown))
		for _, id := range shown {
			markers = append(markers, "[E:"+id+"]")
		}
		lines = append(lines, fmt.Sprintf("%s surfaced %d experiences: %s", c.Tool, len(ids), strings.Join(markers, " ")))
	}
	if len(lines) == 0 {
		return "No analysis could be completed for this question."
	}
	return strings.Join(lines, "\n")
}

// gapNote lists the analyses that did not complete.
func gapNote(plan *Plan) string {
	var lines []string
	for _, c := range plan.Calls {
		if c.Status == CallFailed || c.Status == CallSkipped {
			lines = append(lines, fmt.Sprintf("- %s (%s): %s", c.Tool, c.ID, c.Error))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "\n\nNot completed:\n" + strings.Join(lines, "\n")
}

// citationFilter removes markers that do not resolve to a tool output while a
// stream passes through it.
type citationFilter struct {
	valid     map[string]struct{}
	seen      map[string]struct{}
	pending   string
	citations []store.Citation
	removed   int
}

func newCitationFilter(plan *Plan) *citationFilter {
	f := &citationFilter{valid: map[string]struct{}{}, seen: map[string]struct{}{}}
	for _, c := range plan.Calls {
		if c.Status != CallSucceeded {
			continue
		}
		for _, id := range c.Output.ExperienceIDs {
			f.valid[id] = struct{}{}
		}
	}
	return f
}

// push returns the prefix of the buffered text that can no longer be part of
// a marker, with its markers checked.
func (f *citationFilter) push(chunk string) string {
	f.pending += chunk
	cut := len(f.pending)
	if i := strings.LastIndexByte(f.pending, '['); i >= 0 &&
		!strings.ContainsRune(f.pending[i:], ']') && len(f.pending)-i < maxMarkerLen {
		cut = i
	}
	out := f.clean(f.pending[:cut])
	f.pending = f.pending[cut:]
	return out
}

func (f *citationFilter) flush() string {
	out := f.clean(f.pending)
	f.pending = ""
	return out
}

func (f *citationFilter) clean(s string) string {
	return markerPattern.ReplaceAllStringFunc(s, func(marker string) string {
		id := markerPattern.FindStringSubmatch(marker)[1]
		if _, ok := f.valid[id]; !ok {
			f.removed++
			return ""
		}
		if _, ok := f.seen[id]; !ok {
			f.seen[id] = struct{}{}
			f.citations = append(f.citations, store.Citation{Marker: marker, ExperienceID: id})
		}
		return marker
	})
}

func (f *citationFilter) finish(a *Answer, text string) *Answer {
	a.Text = strings.TrimSpace(text)
	a.Citations = f.citations
	if a.Citations == nil {
		a.Citations = []store.Citation{}
	}
	a.Removed = f.removed
	return a
}
