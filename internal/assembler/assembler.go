// Package assembler builds the grounding context bundle for an episode by
// fanning out to the retrieval sources and fitting the best hits into a
// fixed character budget.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/querysmith/querysmith/internal/observability"
	"github.com/querysmith/querysmith/internal/retrieval"
)

// ErrContextUnavailable is returned when every retrieval source failed and
// no grounding context can be offered at all.
var ErrContextUnavailable = errors.New("assembler: all context sources unavailable")

type Chunk struct {
	Source   retrieval.Source `json:"source"`
	OriginID string           `json:"origin_id"`
	Text     string           `json:"text"`
	Score    float64          `json:"score"`
}

type Bundle struct {
	Chunks []Chunk `json:"chunks"`
	Chars  int     `json:"chars"`
}

// Render flattens the bundle into the prompt block handed to the model.
func (b Bundle) Render() string {
	if len(b.Chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, chunk := range b.Chunks {
		sb.WriteString(fmt.Sprintf("[%s %s]\n%s\n\n", chunk.Source, chunk.OriginID, chunk.Text))
	}
	return strings.TrimRight(sb.String(), "\n")
}

type Config struct {
	TopK          int
	CharBudget    int
	SourceTimeout time.Duration
}

type Assembler struct {
	searcher retrieval.Searcher
	logger   *slog.Logger
	cfg      Config
}

func New(searcher retrieval.Searcher, logger *slog.Logger, cfg Config) *Assembler {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = 8192
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 2 * time.Second
	}
	return &Assembler{searcher: searcher, logger: logger, cfg: cfg}
}

var sources = []retrieval.Source{retrieval.SourceTable, retrieval.SourceDoc, retrieval.SourceMemory}

// sourcePriority breaks score ties. Lower wins.
var sourcePriority = map[retrieval.Source]int{
	retrieval.SourceTable:  0,
	retrieval.SourceDoc:    1,
	retrieval.SourceMemory: 2,
}

// Assemble queries all sources concurrently. A failed or slow source is
// dropped and the bundle is built from whatever answered in time.
func (a *Assembler) Assemble(ctx context.Context, question, scope string) (Bundle, error) {
	results := make([][]Chunk, len(sources))
	failed := make([]bool, len(sources))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, source := range sources {
		group.Go(func() error {
			searchCtx, cancel := context.WithTimeout(groupCtx, a.cfg.SourceTimeout)
			defer cancel()

			hits, err := a.searcher.Search(searchCtx, retrieval.Query{
				Text:   question,
				Source: source,
				TopK:   a.cfg.TopK,
				Scope:  scope,
			})
			if err != nil {
				failed[i] = true
				observability.IncrementContextSourceFailure(string(source))
				a.logger.WarnContext(ctx, "context_source_failed",
					slog.String("source", string(source)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			chunks := make([]Chunk, 0, len(hits))
			for _, hit := range hits {
				chunks = append(chunks, Chunk{
					Source:   source,
					OriginID: hit.OriginID,
					Text:     hit.Text,
					Score:    hit.Score,
				})
			}
			results[i] = chunks
			return nil
		})
	}
	_ = group.Wait()

	allFailed := true
	for _, f := range failed {
		if !f {
			allFailed = false
			break
		}
	}
	if allFailed {
		return Bundle{}, ErrContextUnavailable
	}

	merged := make([]Chunk, 0)
	for _, chunks := range results {
		merged = append(merged, chunks...)
	}
	bundle := fit(dedupe(merged), a.cfg.CharBudget)
	observability.ObserveContextBundle(bundle.Chars, len(bundle.Chunks))
	return bundle, nil
}

// dedupe collapses hits sharing an origin id, keeping the highest score.
func dedupe(chunks []Chunk) []Chunk {
	best := make(map[string]Chunk, len(chunks))
	for _, chunk := range chunks {
		existing, ok := best[chunk.OriginID]
		if !ok || chunk.Score > existing.Score {
			best[chunk.OriginID] = chunk
		}
	}
	deduped := make([]Chunk, 0, len(best))
	for _, chunk := range best {
		deduped = append(deduped, chunk)
	}
	return deduped
}

// fit sorts by score descending and includes chunks greedily until the first
// chunk that would exceed the character budget.
func fit(chunks []Chunk, budget int) Bundle {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		if sourcePriority[chunks[i].Source] != sourcePriority[chunks[j].Source] {
			return sourcePriority[chunks[i].Source] < sourcePriority[chunks[j].Source]
		}
		return chunks[i].OriginID < chunks[j].OriginID
	})

	bundle := Bundle{Chunks: make([]Chunk, 0, len(chunks))}
	for _, chunk := range chunks {
		if bundle.Chars+len(chunk.Text) > budget {
			break
		}
		bundle.Chunks = append(bundle.Chunks, chunk)
		bundle.Chars += len(chunk.Text)
	}
	return bundle
}
