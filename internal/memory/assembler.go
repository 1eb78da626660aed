package memory

import (
	"context"
	"fmt"
	"log"

	"github.com/driftwoodlabs/wren/internal/config"
)

// Degraded section names reported in TokenBreakdown.Degraded.
const (
	sectionWorkingMemory = "working_memory"
	sectionSemantic      = "semantic"
	sectionFacts         = "facts"
	sectionSummary       = "summary"
)

// ContextRequest scopes one context assembly.
type ContextRequest struct {
	ChannelID string
	UserID    string
	Query     string
	External  []string
}

// Assembler composes the memory bundle handed to a generation step:
// working memory, compressed history, semantic matches, user facts, the
// latest summary and caller-supplied external snippets, trimmed to the
// token budget. A failing source degrades its section to empty rather than
// failing the whole assembly.
type Assembler struct {
	store        *Store
	searcher     *Searcher
	consolidator *Consolidator
	summarizer   *Summarizer
	completer    Completer
	cfg          config.AssemblerConfig
	factCap      int
}

func NewAssembler(store *Store, searcher *Searcher, consolidator *Consolidator, summarizer *Summarizer, completer Completer, cfg *config.Config) *Assembler {
	return &Assembler{
		store:        store,
		searcher:     searcher,
		consolidator: consolidator,
		summarizer:   summarizer,
		completer:    completer,
		cfg:          cfg.Memory.Assembler,
		factCap:      cfg.Memory.Facts.Cap,
	}
}

// BuildContext assembles the bundle for one query. The result always fits
// the token budget; sections are trimmed lowest-priority first (external,
// then semantic, then summary, then facts, then working memory oldest
// first).
func (a *Assembler) BuildContext(ctx context.Context, req ContextRequest) (*ContextBundle, error) {
	if req.ChannelID == "" {
		return nil, fmt.Errorf("build context: empty channel id")
	}

	bundle := &ContextBundle{External: append([]string(nil), req.External...)}

	wm, err := a.store.RecentMessages(req.ChannelID, a.cfg.WorkingMemorySize)
	if err != nil {
		log.Printf("[assembler] working memory channel=%s: %v", req.ChannelID, err)
		bundle.Breakdown.Degraded = append(bundle.Breakdown.Degraded, sectionWorkingMemory)
		wm = nil
	}
	bundle.WorkingMemory, bundle.Compressed = a.compressWorkingMemory(ctx, wm)

	if req.Query != "" {
		result := a.searcher.Search(ctx, req.Query, SearchOptions{ChannelID: req.ChannelID})
		if result.Degraded {
			bundle.Breakdown.Degraded = append(bundle.Breakdown.Degraded, sectionSemantic)
		}
		bundle.SemanticMatches = dedupeAgainst(result.Matches, bundle.WorkingMemory)
	}

	if req.UserID != "" {
		facts, err := a.consolidator.TopFacts(req.UserID, a.factCap)
		if err != nil {
			log.Printf("[assembler] facts user=%s: %v", req.UserID, err)
			bundle.Breakdown.Degraded = append(bundle.Breakdown.Degraded, sectionFacts)
		} else {
			bundle.Facts = facts
		}
	}

	summary, err := a.summarizer.Latest(req.ChannelID, req.UserID)
	if err != nil {
		log.Printf("[assembler] summary channel=%s: %v", req.ChannelID, err)
		bundle.Breakdown.Degraded = append(bundle.Breakdown.Degraded, sectionSummary)
	} else {
		bundle.Summary = summary
	}

	a.trimToBudget(bundle)
	return bundle, nil
}

// compressWorkingMemory keeps the newest verbatim tail and folds the older
// remainder into a compressed digest once the verbatim run outgrows the
// trigger. On compression failure the older remainder is dropped oldest
// first instead; the verbatim tail always survives.
func (a *Assembler) compressWorkingMemory(ctx context.Context, wm []Message) ([]Message, string) {
	if estimateMessageTokens(wm) <= a.cfg.CompressTrigger {
		return wm, ""
	}

	tail := a.cfg.VerbatimTail
	if tail > len(wm) {
		tail = len(wm)
	}
	older := wm[:len(wm)-tail]
	verbatim := wm[len(wm)-tail:]
	if len(older) == 0 {
		return verbatim, ""
	}

	compressed, err := a.completer.Compress(ctx, renderTranscript(older))
	if err != nil {
		log.Printf("[assembler] compress history: %v", err)
		for len(older) > 0 && estimateMessageTokens(older)+estimateMessageTokens(verbatim) > a.cfg.CompressTrigger {
			older = older[1:]
		}
		return append(older, verbatim...), ""
	}
	return verbatim, compressed
}

// dedupeAgainst drops matches whose message already appears verbatim in
// working memory.
func dedupeAgainst(matches []SearchMatch, wm []Message) []SearchMatch {
	if len(matches) == 0 {
		return matches
	}
	seen := make(map[string]struct{}, len(wm))
	for _, m := range wm {
		seen[m.ID] = struct{}{}
	}
	out := matches[:0]
	for _, match := range matches {
		if _, ok := seen[match.Message.ID]; ok {
			continue
		}
		out = append(out, match)
	}
	return out
}

// trimToBudget drops content from the lowest-priority sections until the
// bundle fits. Working memory is trimmed last, oldest messages first.
func (a *Assembler) trimToBudget(bundle *ContextBundle) {
	budget := a.cfg.TokenBudget
	recount := func() {
		bundle.Breakdown.WorkingMemory = estimateMessageTokens(bundle.WorkingMemory) + EstimateTokens(bundle.Compressed)
		bundle.Breakdown.Facts = 0
		for _, f := range bundle.Facts {
			bundle.Breakdown.Facts += EstimateTokens(f.Content)
		}
		bundle.Breakdown.Summary = 0
		if bundle.Summary != nil {
			bundle.Breakdown.Summary = EstimateTokens(bundle.Summary.Content)
		}
		bundle.Breakdown.Semantic = 0
		for _, m := range bundle.SemanticMatches {
			bundle.Breakdown.Semantic += EstimateTokens(m.Message.Content)
		}
		bundle.Breakdown.External = 0
		for _, e := range bundle.External {
			bundle.Breakdown.External += EstimateTokens(e)
		}
	}

	recount()
	for bundle.Breakdown.Total() > budget {
		switch {
		case len(bundle.External) > 0:
			bundle.External = bundle.External[:len(bundle.External)-1]
		case len(bundle.SemanticMatches) > 0:
			bundle.SemanticMatches = bundle.SemanticMatches[:len(bundle.SemanticMatches)-1]
		case bundle.Summary != nil:
			bundle.Summary = nil
		case len(bundle.Facts) > 0:
			bundle.Facts = bundle.Facts[:len(bundle.Facts)-1]
		case bundle.Compressed != "":
			bundle.Compressed = ""
		case len(bundle.WorkingMemory) > 0:
			bundle.WorkingMemory = bundle.WorkingMemory[1:]
		default:
			recount()
			return
		}
		recount()
	}
}
