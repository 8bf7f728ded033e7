// Package reconciler orchestrates a batch reconciliation run: it snapshots
// the input records per tenant, escalates each unsettled anchor through the
// matching layers in cost order, and hands accumulated candidates to the
// arbiter for commitment.
//
// Tenants are processed in parallel; anchors within one tenant are
// processed serially, which is what makes per-tenant allocation ordering
// deterministic. Re-running a batch is safe: records already fully
// allocated by proposed or accepted matches are skipped.
package reconciler

import (
	"context"
	"sort"
	"sync"

	"threeway-reconciliation-service/internal/arbiter"
	"threeway-reconciliation-service/internal/embedding"
	"threeway-reconciliation-service/internal/ledger"
	"threeway-reconciliation-service/internal/lifecycle"
	"threeway-reconciliation-service/internal/matcher"
	"threeway-reconciliation-service/internal/models"
	"threeway-reconciliation-service/internal/reasoning"
	"threeway-reconciliation-service/pkg/errors"
	"threeway-reconciliation-service/pkg/logger"
)

// Options configures a Pipeline beyond the matcher tunables.
type Options struct {
	// EmbeddingClient powers Layer 2; nil runs the layer degraded.
	EmbeddingClient embedding.Client

	// ReasoningClient powers Layer 3; nil disables the layer.
	ReasoningClient reasoning.Client

	// BusinessContext is free text forwarded to the reasoning engine
	// (e.g. "construction subcontractor, frequent cash payments").
	BusinessContext string

	// TenantConcurrency caps how many tenants reconcile in parallel.
	TenantConcurrency int
}

// Pipeline is the batch orchestrator. One Pipeline serves many runs; the
// ledger and match store carry state between them.
type Pipeline struct {
	cfg     *matcher.Config
	ledger  *ledger.Ledger
	store   lifecycle.Store
	arbiter *arbiter.Arbiter
	opts    Options
	log     logger.Logger
}

// NewPipeline creates a pipeline over the given ledger and match store.
func NewPipeline(cfg *matcher.Config, l *ledger.Ledger, store lifecycle.Store, opts Options) (*Pipeline, error) {
	if cfg == nil {
		cfg = matcher.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError("matcher", cfg.String(), err)
	}
	if opts.TenantConcurrency <= 0 {
		opts.TenantConcurrency = 4
	}

	return &Pipeline{
		cfg:     cfg,
		ledger:  l,
		store:   store,
		arbiter: arbiter.New(cfg, l, store),
		opts:    opts,
		log:     logger.WithComponent("pipeline"),
	}, nil
}

// Run reconciles one batch of records. Malformed records are excluded and
// reported in the summary; a failure processing one record never stops the
// others. The returned error is reserved for context cancellation.
func (p *Pipeline) Run(ctx context.Context, records []*models.SourceRecord) (*RunSummary, error) {
	summary := newRunSummary()
	summary.TotalRecords = len(records)

	valid, problems := models.NormalizeRecords(records)
	summary.ValidRecords = len(valid)
	summary.ExcludedRecords = len(problems)
	for _, err := range problems {
		p.log.WithError(err).Warn("record excluded from matching")
		summary.addProblem(err)
	}

	for _, rec := range valid {
		p.ledger.Register(rec)
	}

	tenants := groupByTenant(valid)
	summary.Tenants = len(tenants)
	for tenantID := range tenants {
		summary.TenantIDs = append(summary.TenantIDs, tenantID)
	}
	sort.Strings(summary.TenantIDs)

	p.log.WithFields(logger.Fields{
		"records": len(valid),
		"tenants": len(tenants),
	}).Info("starting reconciliation run")

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.opts.TenantConcurrency)

	for tenantID, tenantRecords := range tenants {
		wg.Add(1)
		sem <- struct{}{}
		go func(tenantID string, tenantRecords []*models.SourceRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			p.runTenant(ctx, tenantID, tenantRecords, summary)
		}(tenantID, tenantRecords)
	}

	wg.Wait()
	summary.finish()

	p.log.WithFields(logger.Fields{
		"matches":  summary.MatchesCreated,
		"review":   summary.RequiresReview,
		"duration": summary.Duration.String(),
	}).Info("reconciliation run completed")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// runTenant reconciles one tenant's snapshot serially.
func (p *Pipeline) runTenant(ctx context.Context, tenantID string, records []*models.SourceRecord, summary *RunSummary) {
	log := p.log.WithField("tenant_id", tenantID)

	indexes := matcher.NewIndexSet(tenantID, records)

	deterministic := matcher.NewDeterministicMatcher(p.cfg)
	tolerance := matcher.NewToleranceMatcher(p.cfg)
	similarity := matcher.NewSimilarityMatcher(p.cfg, p.opts.EmbeddingClient)
	reasoningM := matcher.NewReasoningMatcher(p.cfg, p.opts.ReasoningClient)

	similarity.BuildIndex(ctx, records)

	for _, anchor := range anchorOrder(records) {
		if ctx.Err() != nil {
			log.Warn("run cancelled, leaving remaining anchors for the next run")
			return
		}
		p.processAnchor(ctx, anchor, indexes, deterministic, tolerance, similarity, reasoningM, summary, log)
	}

	if similarity.Degraded() && p.opts.EmbeddingClient != nil {
		summary.mu.Lock()
		summary.DegradedSimilarity = true
		summary.mu.Unlock()
	}
}

// processAnchor escalates one anchor through the layers and commits the
// result. A panic while processing one anchor is contained here.
func (p *Pipeline) processAnchor(ctx context.Context, anchor *models.SourceRecord, indexes *matcher.IndexSet,
	deterministic *matcher.DeterministicMatcher, tolerance *matcher.ToleranceMatcher,
	similarity *matcher.SimilarityMatcher, reasoningM *matcher.ReasoningMatcher,
	summary *RunSummary, log logger.Logger) {

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"anchor": anchor.Ref().String(),
				"panic":  r,
			}).Error("record processing failed, continuing batch")
			summary.mu.Lock()
			summary.PanicsRecovered++
			summary.mu.Unlock()
		}
	}()

	remaining, err := p.ledger.Remaining(anchor.Ref())
	if err != nil {
		log.WithError(err).WithField("anchor", anchor.Ref().String()).Warn("anchor not registered, skipping")
		return
	}

	summary.mu.Lock()
	summary.AnchorsProcessed++
	summary.mu.Unlock()

	// Idempotency: fully settled records are never re-matched.
	if remaining.LessThanOrEqual(models.RoundingEpsilon) {
		summary.mu.Lock()
		summary.AnchorsSkipped++
		summary.mu.Unlock()
		return
	}

	candidates := p.cascade(ctx, anchor, indexes, deterministic, tolerance, similarity, reasoningM)
	if len(candidates) == 0 {
		return
	}

	committed := p.arbiter.Resolve(anchor, candidates)

	summary.mu.Lock()
	for _, match := range committed {
		summary.MatchesCreated++
		summary.MatchesByLayer[match.MatchLayer]++
		if match.RequiresReview {
			summary.RequiresReview++
		}
		if match.SplitGroupID != "" {
			summary.SplitMatches++
		}
	}
	summary.mu.Unlock()
}

// cascade runs the layers in cost order, stopping at the first layer that
// yields candidates. Cheaper evidence always wins; the reasoning engine
// only ever sees the similarity layer's near-misses.
func (p *Pipeline) cascade(ctx context.Context, anchor *models.SourceRecord, indexes *matcher.IndexSet,
	deterministic *matcher.DeterministicMatcher, tolerance *matcher.ToleranceMatcher,
	similarity *matcher.SimilarityMatcher, reasoningM *matcher.ReasoningMatcher) []*matcher.MatchCandidate {

	if candidates := deterministic.Candidates(anchor, indexes); len(candidates) > 0 {
		return candidates
	}

	if candidates := tolerance.Candidates(anchor, indexes); len(candidates) > 0 {
		return candidates
	}

	// A counterparty that produced nothing above is unhelpful; the record
	// falls through to description matching like a counterparty-less one.
	candidates, nearMisses := similarity.Candidates(ctx, anchor, indexes)
	if len(candidates) > 0 {
		return candidates
	}

	return reasoningM.Candidates(ctx, anchor, nearMisses, p.opts.BusinessContext)
}

// anchorOrder returns the records that drive matching: expenses first, then
// bank transactions. Invoices only ever participate as counterparts.
func anchorOrder(records []*models.SourceRecord) []*models.SourceRecord {
	anchors := make([]*models.SourceRecord, 0, len(records))
	for _, rec := range records {
		if rec.Kind == models.KindExpense {
			anchors = append(anchors, rec)
		}
	}
	for _, rec := range records {
		if rec.Kind == models.KindBankTransaction {
			anchors = append(anchors, rec)
		}
	}
	return anchors
}

func groupByTenant(records []*models.SourceRecord) map[string][]*models.SourceRecord {
	tenants := make(map[string][]*models.SourceRecord)
	for _, rec := range records {
		tenants[rec.TenantID] = append(tenants[rec.TenantID], rec)
	}
	return tenants
}
