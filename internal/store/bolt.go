package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core/model"
)

// boltTimeLayout is fixed-width so stored timestamps order correctly
// under string comparison. Times are always written in UTC.
const boltTimeLayout = "2006-01-02T15:04:05.000000000Z"

const maxRedirectHops = 64

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (GraphStore, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(), nil
	case "bolt":
		return NewBolt(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Bolt persists the graph in a bolt-speaking property graph database
// (Neo4j, Memgraph). Transients, candidates and cases are nodes; evidence
// edges are EVIDENCE relationships carrying their kind as a property, with
// non-transient endpoints materialized as Entity nodes keyed by ref.
type Bolt struct {
	driver neo4j.DriverWithContext
	log    *slog.Logger
}

func NewBolt(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (*Bolt, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	log.Info("connected to graph database", "uri", cfg.URI)
	return &Bolt{driver: driver, log: log}, nil
}

func (b *Bolt) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}

func (b *Bolt) run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, b.driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, boltErr(err)
	}
	return res, nil
}

func (b *Bolt) GetNode(ctx context.Context, id string) (*model.TransientNode, error) {
	res, err := b.run(ctx, getTransientQuery, map[string]any{"uuid": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, model.ErrNotFound)
	}
	props, err := nodeProps(res.Records[0], "n")
	if err != nil {
		return nil, err
	}
	return transientFromProps(props), nil
}

func (b *Bolt) Canonical(ctx context.Context, id string) (string, error) {
	cur := id
	for hop := 0; hop < maxRedirectHops; hop++ {
		n, err := b.GetNode(ctx, cur)
		if err != nil {
			return "", err
		}
		if n.MergedInto == "" {
			return cur, nil
		}
		cur = n.MergedInto
	}
	return "", fmt.Errorf("redirect chain from %s exceeds %d hops", id, maxRedirectHops)
}

func (b *Bolt) NodeByCandidate(ctx context.Context, candidateID string) (string, error) {
	res, err := b.run(ctx, transientByCandidateQuery, map[string]any{"candidate_id": candidateID})
	if err != nil {
		return "", err
	}
	if len(res.Records) == 0 {
		return "", fmt.Errorf("candidate %s: %w", candidateID, model.ErrNotFound)
	}
	id, _ := res.Records[0].Get("uuid")
	uuid, _ := id.(string)
	return b.Canonical(ctx, uuid)
}

func (b *Bolt) GetCandidate(ctx context.Context, id string) (*model.EventCandidate, error) {
	res, err := b.run(ctx, getCandidateQuery, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	props, err := nodeProps(res.Records[0], "c")
	if err != nil {
		return nil, err
	}
	c := candidateFromProps(props)
	return &c, nil
}

func (b *Bolt) ListNodes(ctx context.Context, f model.NodeFilter) ([]*model.TransientNode, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	res, err := b.run(ctx, listTransientsQuery, map[string]any{
		"from":           optTime(f.From),
		"to":             optTime(f.To),
		"classification": f.Classification,
		"limit":          limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.TransientNode, 0, len(res.Records))
	for _, rec := range res.Records {
		props, err := nodeProps(rec, "n")
		if err != nil {
			return nil, err
		}
		out = append(out, transientFromProps(props))
	}
	return out, nil
}

func (b *Bolt) EdgesFrom(ctx context.Context, id string, kinds ...model.EdgeKind) ([]model.Edge, error) {
	canon, err := b.Canonical(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := b.run(ctx, edgesFromQuery, map[string]any{
		"uuid":  canon,
		"kinds": kindStrings(kinds),
	})
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(res.Records)
}

func (b *Bolt) EdgesTo(ctx context.Context, ref string, kinds ...model.EdgeKind) ([]model.Edge, error) {
	query := edgesToNodeQuery
	params := map[string]any{"uuid": ref, "kinds": kindStrings(kinds)}
	if model.IsEntityRef(ref) {
		query = edgesToEntityQuery
		params = map[string]any{"ref": ref, "kinds": kindStrings(kinds)}
	}
	res, err := b.run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return edgesFromRecords(res.Records)
}

func (b *Bolt) GetCase(ctx context.Context, id string) (*model.AmbiguousCase, error) {
	res, err := b.run(ctx, getCaseQuery, map[string]any{"uuid": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("case %s: %w", id, model.ErrNotFound)
	}
	return caseFromRecord(res.Records[0])
}

func (b *Bolt) CaseByCandidate(ctx context.Context, candidateID string) (*model.AmbiguousCase, error) {
	res, err := b.run(ctx, caseByCandidateQuery, map[string]any{"candidate_id": candidateID})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("candidate %s: %w", candidateID, model.ErrNotFound)
	}
	return caseFromRecord(res.Records[0])
}

func (b *Bolt) ListCases(ctx context.Context, f model.CaseFilter) ([]*model.AmbiguousCase, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	res, err := b.run(ctx, listCasesQuery, map[string]any{
		"status":  string(f.Status),
		"node_id": f.NodeID,
		"limit":   limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.AmbiguousCase, 0, len(res.Records))
	for _, rec := range res.Records {
		c, err := caseFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Apply runs the whole mutation in a single write transaction. Redirect
// targets are resolved to their canonical node before the transaction
// opens; the ingest pipeline is the only writer, so the chain cannot move
// underneath us.
func (b *Bolt) Apply(ctx context.Context, m *Mutation) error {
	if m == nil || m.Empty() {
		return nil
	}

	type redirect struct{ old, canon string }
	redirects := make([]redirect, 0, len(m.Redirects))
	for old, target := range m.Redirects {
		canon, err := b.Canonical(ctx, target)
		if err != nil {
			return fmt.Errorf("redirect target %s: %w", target, err)
		}
		if canon == old {
			return fmt.Errorf("redirect %s -> %s would close a cycle", old, target)
		}
		redirects = append(redirects, redirect{old: old, canon: canon})
	}

	session := b.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, r := range redirects {
			if err := runWrite(ctx, tx, markMergedQuery, map[string]any{"uuid": r.old, "target": r.canon}); err != nil {
				return nil, err
			}
			repoint := map[string]any{"old": r.old, "new": r.canon}
			if err := runWrite(ctx, tx, repointOutgoingQuery, repoint); err != nil {
				return nil, err
			}
			if err := runWrite(ctx, tx, repointIncomingQuery, repoint); err != nil {
				return nil, err
			}
		}
		for _, n := range m.UpsertNodes {
			if err := runWrite(ctx, tx, saveTransientQuery, transientParams(n)); err != nil {
				return nil, err
			}
		}
		for _, c := range m.UpsertCases {
			if err := runWrite(ctx, tx, saveCaseQuery, caseParams(c)); err != nil {
				return nil, err
			}
		}
		for _, c := range m.PutCandidates {
			if err := runWrite(ctx, tx, saveCandidateQuery, candidateParams(c)); err != nil {
				return nil, err
			}
		}
		for _, e := range m.AppendEdges {
			query := saveEvidenceToNodeQuery
			if model.IsEntityRef(e.To) {
				query = saveEvidenceToEntityQuery
			}
			if err := runWrite(ctx, tx, query, edgeParams(e)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return boltErr(err)
}

func (b *Bolt) Stats(ctx context.Context) (Stats, error) {
	res, err := b.run(ctx, statsQuery, nil)
	if err != nil {
		return Stats{}, err
	}
	if len(res.Records) == 0 {
		return Stats{}, nil
	}
	rec := res.Records[0]
	return Stats{
		Nodes:     recInt(rec, "nodes"),
		Canonical: recInt(rec, "canonical"),
		Edges:     recInt(rec, "edges"),
		OpenCases: recInt(rec, "open_cases"),
	}, nil
}

func (b *Bolt) BuildIndices(ctx context.Context) error {
	for _, q := range indexQueries {
		if _, err := b.run(ctx, q, nil); err != nil {
			// The backend may not support this syntax or the index may
			// already exist in another form. Not fatal either way.
			b.log.Warn("index creation failed", "query", q, "error", err)
		}
	}
	return nil
}

func runWrite(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) error {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func boltErr(err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func transientParams(n *model.TransientNode) map[string]any {
	return map[string]any{
		"uuid":             n.UUID,
		"ra":               n.RA,
		"dec":              n.Dec,
		"error_radius":     n.ErrorRadius,
		"first_seen":       fmtTime(n.FirstSeen),
		"last_seen":        fmtTime(n.LastSeen),
		"candidate_ids":    n.CandidateIDs,
		"classification":   n.Classification,
		"class_confidence": n.ClassConfidence,
		"revision":         n.Revision,
		"created_at":       fmtTime(n.CreatedAt),
		"updated_at":       fmtTime(n.UpdatedAt),
		"merged_into":      n.MergedInto,
	}
}

func candidateParams(c model.EventCandidate) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"source":       c.Source,
		"time":         fmtTime(c.Time),
		"ra":           c.RA,
		"dec":          c.Dec,
		"error_radius": c.ErrorRadius,
		"instrument":   c.Instrument,
		"event_type":   c.EventType,
		"intent":       string(c.Intent),
		"confidence":   c.Confidence,
		"payload_ref":  c.PayloadRef,
	}
}

func caseParams(c *model.AmbiguousCase) map[string]any {
	scoreNodes := make([]string, 0, len(c.Scores))
	scoreValues := make([]float64, 0, len(c.Scores))
	for _, id := range c.NodeIDs {
		if v, ok := c.Scores[id]; ok {
			scoreNodes = append(scoreNodes, id)
			scoreValues = append(scoreValues, v)
		}
	}
	resolved := ""
	if c.ResolvedAt != nil {
		resolved = fmtTime(*c.ResolvedAt)
	}
	return map[string]any{
		"uuid":         c.UUID,
		"candidate_id": c.Candidate.ID,
		"node_ids":     c.NodeIDs,
		"score_nodes":  scoreNodes,
		"score_values": scoreValues,
		"status":       string(c.Status),
		"opened_at":    fmtTime(c.OpenedAt),
		"resolved_at":  resolved,
		"resolution":   c.Resolution,
	}
}

func edgeParams(e model.Edge) map[string]any {
	return map[string]any{
		"uuid":         e.UUID,
		"kind":         string(e.Kind),
		"from":         e.From,
		"to":           e.To,
		"created_at":   fmtTime(e.CreatedAt),
		"candidate_id": e.CandidateID,
	}
}

func nodeProps(rec *neo4j.Record, key string) (map[string]any, error) {
	val, ok := rec.Get(key)
	if !ok {
		return nil, fmt.Errorf("record missing column %q", key)
	}
	node, ok := val.(neo4j.Node)
	if !ok {
		return nil, fmt.Errorf("column %q holds %T, want node", key, val)
	}
	return node.Props, nil
}

func transientFromProps(p map[string]any) *model.TransientNode {
	return &model.TransientNode{
		UUID:            asString(p, "uuid"),
		RA:              asFloat(p, "ra"),
		Dec:             asFloat(p, "dec"),
		ErrorRadius:     asFloat(p, "error_radius"),
		FirstSeen:       asTime(p, "first_seen"),
		LastSeen:        asTime(p, "last_seen"),
		CandidateIDs:    asStrings(p, "candidate_ids"),
		Classification:  asString(p, "classification"),
		ClassConfidence: asFloat(p, "class_confidence"),
		Revision:        asInt(p, "revision"),
		CreatedAt:       asTime(p, "created_at"),
		UpdatedAt:       asTime(p, "updated_at"),
		MergedInto:      asString(p, "merged_into"),
	}
}

func candidateFromProps(p map[string]any) model.EventCandidate {
	return model.EventCandidate{
		ID:          asString(p, "id"),
		Source:      asString(p, "source"),
		Time:        asTime(p, "time"),
		RA:          asFloat(p, "ra"),
		Dec:         asFloat(p, "dec"),
		ErrorRadius: asFloat(p, "error_radius"),
		Instrument:  asString(p, "instrument"),
		EventType:   asString(p, "event_type"),
		Intent:      model.Intent(asString(p, "intent")),
		Confidence:  asFloat(p, "confidence"),
		PayloadRef:  asString(p, "payload_ref"),
	}
}

func caseFromRecord(rec *neo4j.Record) (*model.AmbiguousCase, error) {
	props, err := nodeProps(rec, "c")
	if err != nil {
		return nil, err
	}
	out := &model.AmbiguousCase{
		UUID:       asString(props, "uuid"),
		NodeIDs:    asStrings(props, "node_ids"),
		Scores:     map[string]float64{},
		Status:     model.CaseStatus(asString(props, "status")),
		OpenedAt:   asTime(props, "opened_at"),
		Resolution: asString(props, "resolution"),
	}
	scoreNodes := asStrings(props, "score_nodes")
	scoreValues := asFloats(props, "score_values")
	for i, id := range scoreNodes {
		if i < len(scoreValues) {
			out.Scores[id] = scoreValues[i]
		}
	}
	if t := asTime(props, "resolved_at"); !t.IsZero() {
		out.ResolvedAt = &t
	}
	if cand, ok := rec.Get("k"); ok {
		if node, ok := cand.(neo4j.Node); ok {
			out.Candidate = candidateFromProps(node.Props)
		}
	}
	if out.Candidate.ID == "" {
		out.Candidate.ID = asString(props, "candidate_id")
	}
	return out, nil
}

func edgesFromRecords(recs []*neo4j.Record) ([]model.Edge, error) {
	out := make([]model.Edge, 0, len(recs))
	for _, rec := range recs {
		m := rec.AsMap()
		out = append(out, model.Edge{
			UUID:        asString(m, "uuid"),
			Kind:        model.EdgeKind(asString(m, "kind")),
			From:        asString(m, "source"),
			To:          asString(m, "target"),
			CreatedAt:   asTime(m, "created_at"),
			CandidateID: asString(m, "candidate_id"),
		})
	}
	return out, nil
}

func kindStrings(kinds []model.EdgeKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func recInt(rec *neo4j.Record, key string) int {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(boltTimeLayout)
}

func optTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmtTime(t)
}

func asString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func asFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func asInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func asStrings(p map[string]any, key string) []string {
	raw, _ := p[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asFloats(p map[string]any, key string) []float64 {
	raw, _ := p[key].([]any)
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}

func asTime(p map[string]any, key string) time.Time {
	s, _ := p[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(boltTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
