package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"vesta/internal/domain"
)

// Candidate is one trade idea from upstream analysis.
type Candidate struct {
	Symbol   string  `yaml:"symbol" json:"symbol"`
	Exchange string  `yaml:"exchange" json:"exchange,omitempty"`
	Sector   string  `yaml:"sector" json:"sector,omitempty"`
	Side     string  `yaml:"side" json:"side,omitempty"`
	Score    float64 `yaml:"score" json:"score"`
	Entry    float64 `yaml:"entry" json:"entry"`
	Stop     float64 `yaml:"stop" json:"stop,omitempty"`
	Target   float64 `yaml:"target" json:"target,omitempty"`
}

// CandidateSource supplies the candidates of a cycle.
type CandidateSource interface {
	Candidates(ctx context.Context, cycle *domain.TradingCycle) ([]Candidate, error)
}

// FileCandidates reads candidates from a YAML or JSON file, either a bare
// list or a document with a "candidates" key. The file is re-read on every
// call so an upstream job can replace it between cycles.
type FileCandidates struct {
	Path string
}

func (f FileCandidates) Candidates(_ context.Context, _ *domain.TradingCycle) ([]Candidate, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	return ParseCandidates(data)
}

// ParseCandidates decodes a candidate document.
func ParseCandidates(data []byte) ([]Candidate, error) {
	var doc struct {
		Candidates []Candidate `yaml:"candidates"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Candidates != nil {
		return doc.Candidates, nil
	}
	var list []Candidate
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse candidates: %w", err)
	}
	return list, nil
}

// StaticCandidates always returns the same list.
type StaticCandidates []Candidate

func (s StaticCandidates) Candidates(context.Context, *domain.TradingCycle) ([]Candidate, error) {
	return append([]Candidate(nil), s...), nil
}

// selectCandidates keeps candidates scoring at least minScore, best first,
// at most limit of them. Ties keep source order. A repeated symbol keeps its
// best-scoring entry.
func selectCandidates(cands []Candidate, minScore float64, limit int) []Candidate {
	kept := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
		if c.Symbol == "" || c.Score < minScore {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	seen := make(map[string]bool, len(kept))
	out := kept[:0]
	for _, c := range kept {
		if seen[c.Symbol] {
			continue
		}
		seen[c.Symbol] = true
		out = append(out, c)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
