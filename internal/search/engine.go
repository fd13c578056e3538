package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"opspilot/internal/catalog"
	"opspilot/internal/config"
	"opspilot/internal/lifecycle"
	"opspilot/internal/llm"
	"opspilot/internal/metrics"
	"opspilot/internal/resolver"
	"opspilot/internal/vecindex"
)

// Intent is the structured search input. Upstream intent classification
// already happened; this is never a raw natural-language query.
type Intent struct {
	Action              string         `json:"action"`
	CloudProvider       string         `json:"cloud_provider,omitempty"`
	ResourceTypes       []string       `json:"resource_types,omitempty"`
	UseCase             string         `json:"use_case,omitempty"`
	Keywords            []string       `json:"keywords,omitempty"`
	ExtractedParameters map[string]any `json:"extracted_parameters,omitempty"`
	UserContext         map[string]any `json:"user_context,omitempty"`
}

// QueryText builds the enriched embedding query.
func (in Intent) QueryText() string {
	parts := []string{in.Action}
	parts = append(parts, in.ResourceTypes...)
	if in.UseCase != "" {
		parts = append(parts, in.UseCase)
	}
	parts = append(parts, in.Keywords...)
	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

type Request struct {
	Intent      Intent `json:"intent"`
	TenantID    string `json:"tenant_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	AllVersions bool   `json:"all_versions,omitempty"`
}

// Result is one ranked, fully resolved playbook.
type Result struct {
	Rank       int              `json:"rank"`
	PlaybookID string           `json:"playbook_id"`
	Version    string           `json:"version"`
	Source     string           `json:"source"`
	Score      float64          `json:"score"`
	Confidence float64          `json:"confidence,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Warning    string           `json:"warning,omitempty"`
	Playbook   catalog.Playbook `json:"playbook"`
	Plan       *resolver.Plan   `json:"plan,omitempty"`
}

type Response struct {
	Results  []Result `json:"results"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Index is the vector-index surface the engine queries.
type Index interface {
	Search(ctx context.Context, collection string, vector []float32, filter vecindex.Filter, limit int) ([]vecindex.Point, error)
}

// Embedder turns the enriched query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer is the model used for the optional rerank pass. The Engine
// treats it as best-effort: any failure degrades to the composite
// ordering.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Engine orchestrates retrieval: embed, query both collections, merge,
// score, rerank, resolve.
type Engine struct {
	Index            Index
	Embedder         Embedder
	Completer        Completer
	Resolver         *resolver.Resolver
	Ranking          config.RankingConfig
	GlobalCollection string
	TenantPrefix     string
	RerankTimeout    time.Duration
	Now              func() time.Time
	Log              *slog.Logger
}

type candidate struct {
	playbook   catalog.Playbook
	source     string
	similarity float64
	score      float64
	confidence float64
	reason     string
}

// Search runs the full retrieval pipeline. An empty candidate set is an
// empty response, never an error; a rerank failure degrades to the
// composite ordering and is flagged.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	defer func() { metrics.SearchDuration.Observe(time.Since(start).Seconds()) }()

	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	vector, err := e.Embedder.Embed(ctx, req.Intent.QueryText())
	if err != nil {
		metrics.SearchesTotal.WithLabelValues("error").Inc()
		return Response{}, err
	}

	candidates := e.gather(ctx, req, vector, log)
	if len(candidates) == 0 {
		metrics.SearchesTotal.WithLabelValues("empty").Inc()
		return Response{Results: []Result{}}, nil
	}

	for i := range candidates {
		candidates[i].score = e.compositeScore(candidates[i])
	}
	if !req.AllVersions {
		candidates = dedupeBestVersion(candidates)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	resp := Response{}
	candidates, resp.Degraded = e.rerank(ctx, req.Intent, candidates, log)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i, c := range candidates {
		r := Result{
			Rank:       i + 1,
			PlaybookID: c.playbook.PlaybookID,
			Version:    c.playbook.Version,
			Source:     c.source,
			Score:      c.score,
			Confidence: c.confidence,
			Reason:     c.reason,
			Warning:    c.playbook.Status.Warning(),
			Playbook:   c.playbook,
		}
		if e.Resolver != nil {
			plan, err := e.Resolver.Resolve(ctx, c.playbook.PlaybookID, c.playbook.Version, resolver.Inputs{
				Params: req.Intent.ExtractedParameters,
				Estate: req.Intent.UserContext,
			})
			if err != nil {
				log.Warn("resolve failed", "playbook", c.playbook.PointID(), "error", err)
			} else {
				r.Plan = plan
			}
		}
		resp.Results = append(resp.Results, r)
	}

	outcome := "ok"
	if resp.Degraded {
		outcome = "degraded"
	}
	metrics.SearchesTotal.WithLabelValues(outcome).Inc()
	return resp, nil
}

// gather queries the global collection and, when a tenant is given, the
// tenant's private collection. A collection that errors contributes
// nothing; the other one still serves.
func (e *Engine) gather(ctx context.Context, req Request, vector []float32, log *slog.Logger) []candidate {
	filter := e.buildFilter(req.Intent)
	topK := e.Ranking.TopKPerCollection
	if topK <= 0 {
		topK = 10
	}

	var out []candidate
	collect := func(collection, source string) {
		points, err := e.Index.Search(ctx, collection, vector, filter, topK)
		if err != nil {
			log.Warn("collection query failed", "collection", collection, "error", err)
			return
		}
		for _, p := range points {
			var pb catalog.Playbook
			if err := json.Unmarshal(p.Payload, &pb); err != nil {
				log.Warn("bad index payload", "point", p.ID, "error", err)
				continue
			}
			out = append(out, candidate{playbook: pb, source: source, similarity: p.Score})
		}
	}

	collect(e.GlobalCollection, "global")
	if req.TenantID != "" {
		collect(e.TenantPrefix+req.TenantID, "tenant")
	}
	return out
}

// buildFilter excludes non-searchable statuses at the query level and
// narrows by provider and resource types when the intent names them.
func (e *Engine) buildFilter(in Intent) vecindex.Filter {
	searchable := lifecycle.SearchableStatuses()
	statuses := make([]string, len(searchable))
	for i, s := range searchable {
		statuses[i] = string(s)
	}
	f := vecindex.Filter{Must: []vecindex.Condition{{Key: "status", MatchAny: statuses}}}
	if in.CloudProvider != "" {
		f.Must = append(f.Must, vecindex.Condition{Key: "cloud_providers", MatchValue: in.CloudProvider})
	}
	if len(in.ResourceTypes) > 0 {
		f.Must = append(f.Must, vecindex.Condition{Key: "resource_types", MatchAny: in.ResourceTypes})
	}
	return f
}

// compositeScore combines similarity with trust tier, lifecycle status,
// track record, recency, and quality.
func (e *Engine) compositeScore(c candidate) float64 {
	pb := c.playbook
	score := c.similarity
	score += pb.AuthorClass.PrecedenceBonus()
	score += pb.Status.RankBonus()
	score += pb.Stats.SuccessRate() * e.Ranking.SuccessRateWeight
	score += math.Log1p(float64(pb.Stats.ExecutionCount)) * e.Ranking.ExecutionLogWeight
	score += e.recencyBonus(pb.UpdatedAt)
	score += float64(pb.QualityScore) / 1000
	if pb.QualityScore >= 90 {
		score += 0.05
	}
	return score
}

// recencyBonus decays the maximum bonus with the configured half-life.
func (e *Engine) recencyBonus(updatedAt time.Time) float64 {
	if updatedAt.IsZero() || e.Ranking.RecencyHalfLifeDays <= 0 {
		return 0
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	ageDays := now().Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return e.Ranking.RecencyMaxBonus * math.Exp2(-ageDays/e.Ranking.RecencyHalfLifeDays)
}

// dedupeBestVersion keeps the highest-scoring version per playbook id.
func dedupeBestVersion(candidates []candidate) []candidate {
	best := map[string]int{}
	var out []candidate
	for _, c := range candidates {
		id := c.playbook.PlaybookID
		if idx, ok := best[id]; ok {
			if c.score > out[idx].score {
				out[idx] = c
			}
			continue
		}
		best[id] = len(out)
		out = append(out, c)
	}
	return out
}

// rerank asks the model to reorder the top N candidates with full
// context. Any failure keeps the composite ordering and reports
// degraded mode.
func (e *Engine) rerank(ctx context.Context, intent Intent, candidates []candidate, log *slog.Logger) ([]candidate, bool) {
	if e.Completer == nil {
		metrics.RerankTotal.WithLabelValues("skipped").Inc()
		return candidates, false
	}
	topN := e.Ranking.RerankTopN
	if topN <= 0 {
		topN = 5
	}
	if topN > len(candidates) {
		topN = len(candidates)
	}
	if topN < 2 {
		metrics.RerankTotal.WithLabelValues("skipped").Inc()
		return candidates, false
	}

	head := candidates[:topN]
	rcs := make([]llm.RerankCandidate, 0, topN)
	ids := make([]string, 0, topN)
	for _, c := range head {
		pb := c.playbook
		var feedback []string
		if w := pb.Status.Warning(); w != "" {
			feedback = append(feedback, w)
		}
		if pb.QualityScore >= 90 {
			feedback = append(feedback, "featured: meets the highest quality bar")
		}
		rcs = append(rcs, llm.RerankCandidate{
			ID:              pb.PointID(),
			Name:            pb.Name,
			Description:     pb.Description,
			Status:          string(pb.Status),
			AuthorClass:     string(pb.AuthorClass),
			SuccessRate:     pb.Stats.SuccessRate(),
			ExecutionCount:  pb.Stats.ExecutionCount,
			QualityScore:    pb.QualityScore,
			Prerequisites:   pb.Prerequisites,
			QualityFeedback: feedback,
		})
		ids = append(ids, pb.PointID())
	}
	prompt, err := llm.BuildRerankPrompt(intent, rcs)
	if err != nil {
		metrics.RerankTotal.WithLabelValues("degraded").Inc()
		log.Warn("rerank degraded", "stage", "prompt", "error", err)
		return candidates, true
	}

	if e.RerankTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.RerankTimeout)
		defer cancel()
	}
	raw, err := e.Completer.Complete(ctx, prompt)
	if err != nil {
		metrics.RerankTotal.WithLabelValues("degraded").Inc()
		log.Warn("rerank degraded", "stage", "complete", "error", err)
		return candidates, true
	}
	ranking, err := llm.ParseRanking(raw, ids)
	if err != nil {
		metrics.RerankTotal.WithLabelValues("degraded").Inc()
		log.Warn("rerank degraded", "stage", "parse", "error", err)
		return candidates, true
	}

	byID := map[string]candidate{}
	for _, c := range head {
		byID[c.playbook.PointID()] = c
	}
	reordered := make([]candidate, 0, len(candidates))
	seen := map[string]bool{}
	for _, item := range ranking {
		c, ok := byID[item.ID]
		if !ok || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		c.confidence = item.Confidence
		c.reason = item.Reason
		reordered = append(reordered, c)
	}
	// Candidates the model dropped keep their composite position after
	// the ranked ones.
	for _, c := range head {
		if !seen[c.playbook.PointID()] {
			reordered = append(reordered, c)
		}
	}
	reordered = append(reordered, candidates[topN:]...)

	metrics.RerankTotal.WithLabelValues("ok").Inc()
	return reordered, false
}
