// Package core wires the notice pipeline end to end: normalization,
// candidate matching, resolution, graph update, and re-evaluation of open
// ambiguity. Pipeline is the single entry point the HTTP server and the
// replay tool drive; everything below it is deterministic given the store.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/match"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/core/normalize"
	"github.com/skygraph/afterglow/internal/core/resolve"
	"github.com/skygraph/afterglow/internal/core/update"
	"github.com/skygraph/afterglow/internal/metrics"
	"github.com/skygraph/afterglow/internal/store"
)

// Outcome summarizes what processing one notice changed. NodeID is the
// canonical node the candidate ended up attached to, when one exists;
// CaseID is set when the notice opened an ambiguous case instead.
type Outcome struct {
	Outcome      string               `json:"outcome"`
	Candidate    model.EventCandidate `json:"candidate"`
	NodeID       string               `json:"node_id,omitempty"`
	CaseID       string               `json:"case_id,omitempty"`
	Corroborated bool                 `json:"corroborated,omitempty"`
}

// queued is one normalized candidate waiting on a partition lane.
type queued struct {
	cand     model.EventCandidate
	enqueued time.Time
}

// Pipeline drives raw notices into the transient graph. Process is the
// synchronous path; Submit enqueues onto per-instrument lanes consumed by
// ordered workers, so notices from one instrument never race each other
// while unrelated instruments proceed in parallel.
type Pipeline struct {
	normalizer *normalize.Normalizer
	resolver   *resolve.Resolver
	updater    *update.Updater
	store      store.GraphStore
	metrics    *metrics.Registry
	log        *slog.Logger

	// routes maps an instrument to its lane; unlisted instruments share
	// lane zero.
	routes map[string]int
	lanes  []chan queued

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPipeline assembles the pipeline over an opened store. The matcher,
// resolver, and updater are built here from configuration; the normalizer
// is passed in because the source registry is loaded separately.
func NewPipeline(cfg *config.Config, norm *normalize.Normalizer, st store.GraphStore, reg *metrics.Registry, log *slog.Logger) *Pipeline {
	matcher := match.New(cfg.Matcher, cfg.Instruments, cfg.EventTypes)
	p := &Pipeline{
		normalizer: norm,
		resolver:   resolve.New(cfg.Resolver, matcher, st),
		updater:    update.New(cfg.Storage, cfg.Resolver, st, log),
		store:      st,
		metrics:    reg,
		log:        log,
		routes:     make(map[string]int),
		stopped:    make(chan struct{}),
	}
	size := cfg.Pipeline.QueueSize
	if size <= 0 {
		size = 64
	}
	p.lanes = make([]chan queued, len(cfg.Pipeline.Partitions)+1)
	for i := range p.lanes {
		p.lanes[i] = make(chan queued, size)
	}
	for i, part := range cfg.Pipeline.Partitions {
		for _, inst := range part.Instruments {
			p.routes[inst] = i + 1
		}
	}
	return p
}

// Resolver exposes the decision layer for manual case overrides.
func (p *Pipeline) Resolver() *resolve.Resolver { return p.resolver }

// Updater exposes the write layer for manual case overrides.
func (p *Pipeline) Updater() *update.Updater { return p.updater }

// Start launches one ordered worker per lane. Workers stop when ctx is
// canceled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	for i := range p.lanes {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.log.Info("pipeline started", "lanes", len(p.lanes))
}

// Stop halts the workers and waits for in-flight notices to finish.
// Notices still queued are dropped; callers that need every submitted
// notice applied should drain through Process instead.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

// Process drives one raw notice through the full pipeline synchronously
// and reports what it changed. Malformed payloads return a
// model.MalformedNoticeError without touching the graph.
func (p *Pipeline) Process(ctx context.Context, sourceTag string, raw []byte) (*Outcome, error) {
	started := time.Now()
	cand, err := p.normalizer.Normalize(sourceTag, raw)
	if err != nil {
		p.metrics.RecordNotice(sourceTag, metrics.StatusMalformed, time.Since(started))
		return nil, err
	}
	out, err := p.run(ctx, *cand)
	if err != nil {
		p.metrics.RecordNotice(cand.Source, metrics.StatusFailed, time.Since(started))
		return nil, err
	}
	p.metrics.RecordNotice(cand.Source, metrics.StatusAccepted, time.Since(started))
	return out, nil
}

// Submit normalizes one raw notice and queues it on its instrument's
// lane. Malformed payloads are rejected immediately; a full lane blocks
// until a worker drains it or ctx is canceled.
func (p *Pipeline) Submit(ctx context.Context, sourceTag string, raw []byte) error {
	cand, err := p.normalizer.Normalize(sourceTag, raw)
	if err != nil {
		p.metrics.RecordNotice(sourceTag, metrics.StatusMalformed, 0)
		return err
	}
	select {
	case <-p.stopped:
		return fmt.Errorf("pipeline stopped")
	default:
	}
	lane := p.routes[cand.Instrument]
	select {
	case p.lanes[lane] <- queued{cand: *cand, enqueued: time.Now()}:
		return nil
	case <-p.stopped:
		return fmt.Errorf("pipeline stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker(ctx context.Context, lane int) {
	defer p.wg.Done()
	for {
		select {
		case q := <-p.lanes[lane]:
			p.consume(ctx, lane, q)
		case <-p.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// consume runs one queued candidate, recovering from panics so a single
// bad notice cannot take down its lane.
func (p *Pipeline) consume(ctx context.Context, lane int, q queued) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordNotice(q.cand.Source, metrics.StatusFailed, time.Since(q.enqueued))
			p.log.Error("worker recovered from panic",
				"lane", lane, "candidate", q.cand.ID, "panic", r)
		}
	}()
	if _, err := p.run(ctx, q.cand); err != nil {
		p.metrics.RecordNotice(q.cand.Source, metrics.StatusFailed, time.Since(q.enqueued))
		p.log.Error("notice failed", "candidate", q.cand.ID, "error", err)
		return
	}
	p.metrics.RecordNotice(q.cand.Source, metrics.StatusAccepted, time.Since(q.enqueued))
}

// run takes a normalized candidate through decide and apply, then lets
// any corroboration it produced re-evaluate open cases.
func (p *Pipeline) run(ctx context.Context, cand model.EventCandidate) (*Outcome, error) {
	d, err := p.resolver.Decide(ctx, &cand)
	if err != nil {
		return nil, fmt.Errorf("decide %s: %w", cand.ID, err)
	}
	p.metrics.RecordDecision(string(d.Outcome))
	res, err := p.updater.Apply(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", cand.ID, err)
	}
	p.logDecision(&cand, d, res)
	if res.Corroborated && res.Node != nil {
		if err := p.reevaluate(ctx, res.Node.UUID); err != nil {
			p.log.Warn("re-evaluation failed", "node", res.Node.UUID, "error", err)
		}
	}
	p.publishStats(ctx)
	return outcomeOf(&cand, d, res), nil
}

// reevaluate revisits every open case holding the freshly corroborated
// node as a competitor and applies the decisions that are now clear. A
// settlement can corroborate another node in turn; recursion is bounded
// because each settlement closes one case and never opens another.
func (p *Pipeline) reevaluate(ctx context.Context, nodeID string) error {
	revs, err := p.resolver.Reevaluate(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if rev.Decision == nil {
			p.metrics.RecordReevaluation(false)
			continue
		}
		p.metrics.RecordDecision(string(rev.Decision.Outcome))
		res, err := p.updater.Apply(ctx, rev.Decision)
		if err != nil {
			return fmt.Errorf("settle case %s: %w", rev.Case.UUID, err)
		}
		p.metrics.RecordReevaluation(true)
		p.log.Info("ambiguous case settled",
			"case", rev.Case.UUID,
			"candidate", rev.Case.Candidate.ID,
			"outcome", rev.Decision.Outcome)
		if res.Corroborated && res.Node != nil {
			if err := p.reevaluate(ctx, res.Node.UUID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) logDecision(cand *model.EventCandidate, d *resolve.Decision, res *update.Result) {
	attrs := []any{
		"candidate", cand.ID,
		"source", cand.Source,
		"outcome", d.Outcome,
	}
	if res.Node != nil {
		attrs = append(attrs, "node", res.Node.UUID)
	}
	if res.Case != nil {
		attrs = append(attrs, "case", res.Case.UUID)
	}
	if d.Reason != "" {
		attrs = append(attrs, "reason", d.Reason)
	}
	p.log.Info("notice processed", attrs...)
}

// publishStats refreshes the graph size gauges after a write. Failures
// only cost gauge freshness, never the write itself.
func (p *Pipeline) publishStats(ctx context.Context) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		p.log.Debug("stats refresh failed", "error", err)
		return
	}
	p.metrics.SetGraphSize(stats.Nodes, stats.Canonical, stats.Edges, stats.OpenCases)
}

func outcomeOf(cand *model.EventCandidate, d *resolve.Decision, res *update.Result) *Outcome {
	out := &Outcome{
		Outcome:      string(d.Outcome),
		Candidate:    *cand,
		Corroborated: res.Corroborated,
	}
	switch {
	case res.Node != nil:
		out.NodeID = res.Node.UUID
	case d.Target != "":
		// No-op resubmission: report the node the trigger already
		// belongs to.
		out.NodeID = d.Target
	}
	if res.Case != nil && res.Case.Status == model.CaseOpen {
		out.CaseID = res.Case.UUID
	}
	return out
}
