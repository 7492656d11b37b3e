package store

// Cypher used by the bolt backend. Evidence edges share one relationship
// type with the semantic kind held in e.kind, so every statement stays
// fully parameterized. Timestamps are fixed-width UTC strings and compare
// lexicographically.

const (
	saveTransientQuery = `
		MERGE (n:Transient {uuid: $uuid})
		SET n.ra = $ra,
			n.dec = $dec,
			n.error_radius = $error_radius,
			n.first_seen = $first_seen,
			n.last_seen = $last_seen,
			n.candidate_ids = $candidate_ids,
			n.classification = $classification,
			n.class_confidence = $class_confidence,
			n.revision = $revision,
			n.created_at = $created_at,
			n.updated_at = $updated_at,
			n.merged_into = $merged_into
		RETURN n.uuid AS uuid
	`

	getTransientQuery = `
		MATCH (n:Transient {uuid: $uuid})
		RETURN n
	`

	transientByCandidateQuery = `
		MATCH (n:Transient)
		WHERE $candidate_id IN n.candidate_ids
		RETURN n.uuid AS uuid
		LIMIT 1
	`

	listTransientsQuery = `
		MATCH (n:Transient)
		WHERE (n.merged_into IS NULL OR n.merged_into = '')
			AND ($from = '' OR n.last_seen >= $from)
			AND ($to = '' OR n.first_seen <= $to)
			AND ($classification = '' OR n.classification = $classification)
		RETURN n
		ORDER BY n.first_seen ASC, n.uuid ASC
		LIMIT $limit
	`

	markMergedQuery = `
		MATCH (n:Transient {uuid: $uuid})
		SET n.merged_into = $target
		RETURN n.uuid AS uuid
	`

	saveCandidateQuery = `
		MERGE (c:Candidate {id: $id})
		SET c.source = $source,
			c.time = $time,
			c.ra = $ra,
			c.dec = $dec,
			c.error_radius = $error_radius,
			c.instrument = $instrument,
			c.event_type = $event_type,
			c.intent = $intent,
			c.confidence = $confidence,
			c.payload_ref = $payload_ref
		RETURN c.id AS id
	`

	getCandidateQuery = `
		MATCH (c:Candidate {id: $id})
		RETURN c
	`

	saveEvidenceToNodeQuery = `
		MATCH (a:Transient {uuid: $from})
		MATCH (b:Transient {uuid: $to})
		MERGE (a)-[e:EVIDENCE {uuid: $uuid}]->(b)
		SET e.kind = $kind,
			e.created_at = $created_at,
			e.candidate_id = $candidate_id
		RETURN e.uuid AS uuid
	`

	saveEvidenceToEntityQuery = `
		MATCH (a:Transient {uuid: $from})
		MERGE (t:Entity {ref: $to})
		MERGE (a)-[e:EVIDENCE {uuid: $uuid}]->(t)
		SET e.kind = $kind,
			e.created_at = $created_at,
			e.candidate_id = $candidate_id
		RETURN e.uuid AS uuid
	`

	edgesFromQuery = `
		MATCH (a:Transient {uuid: $uuid})-[e:EVIDENCE]->(t)
		WHERE size($kinds) = 0 OR e.kind IN $kinds
		RETURN e.uuid AS uuid, e.kind AS kind, a.uuid AS source,
			CASE WHEN t:Transient THEN t.uuid ELSE t.ref END AS target,
			e.created_at AS created_at, e.candidate_id AS candidate_id
		ORDER BY e.created_at ASC, e.uuid ASC
	`

	edgesToNodeQuery = `
		MATCH (s:Transient)-[e:EVIDENCE]->(t:Transient {uuid: $uuid})
		WHERE size($kinds) = 0 OR e.kind IN $kinds
		RETURN e.uuid AS uuid, e.kind AS kind, s.uuid AS source,
			t.uuid AS target,
			e.created_at AS created_at, e.candidate_id AS candidate_id
		ORDER BY e.created_at ASC, e.uuid ASC
	`

	edgesToEntityQuery = `
		MATCH (s:Transient)-[e:EVIDENCE]->(t:Entity {ref: $ref})
		WHERE size($kinds) = 0 OR e.kind IN $kinds
		RETURN e.uuid AS uuid, e.kind AS kind, s.uuid AS source,
			t.ref AS target,
			e.created_at AS created_at, e.candidate_id AS candidate_id
		ORDER BY e.created_at ASC, e.uuid ASC
	`

	repointOutgoingQuery = `
		MATCH (old:Transient {uuid: $old})-[e:EVIDENCE]->(t)
		WHERE e.kind <> 'MERGED_WITH'
		MATCH (new:Transient {uuid: $new})
		MERGE (new)-[e2:EVIDENCE {uuid: e.uuid}]->(t)
		SET e2 = properties(e)
		DELETE e
	`

	repointIncomingQuery = `
		MATCH (s)-[e:EVIDENCE]->(old:Transient {uuid: $old})
		WHERE e.kind <> 'MERGED_WITH'
		MATCH (new:Transient {uuid: $new})
		MERGE (s)-[e2:EVIDENCE {uuid: e.uuid}]->(new)
		SET e2 = properties(e)
		DELETE e
	`

	saveCaseQuery = `
		MERGE (c:Case {uuid: $uuid})
		SET c.candidate_id = $candidate_id,
			c.node_ids = $node_ids,
			c.score_nodes = $score_nodes,
			c.score_values = $score_values,
			c.status = $status,
			c.opened_at = $opened_at,
			c.resolved_at = $resolved_at,
			c.resolution = $resolution
		RETURN c.uuid AS uuid
	`

	getCaseQuery = `
		MATCH (c:Case {uuid: $uuid})
		OPTIONAL MATCH (k:Candidate {id: c.candidate_id})
		RETURN c, k
	`

	caseByCandidateQuery = `
		MATCH (c:Case {candidate_id: $candidate_id})
		WHERE c.status = 'open'
		OPTIONAL MATCH (k:Candidate {id: c.candidate_id})
		RETURN c, k
		LIMIT 1
	`

	listCasesQuery = `
		MATCH (c:Case)
		WHERE ($status = '' OR c.status = $status)
			AND ($node_id = '' OR $node_id IN c.node_ids)
		OPTIONAL MATCH (k:Candidate {id: c.candidate_id})
		RETURN c, k
		ORDER BY c.opened_at DESC, c.uuid DESC
		LIMIT $limit
	`

	statsQuery = `
		OPTIONAL MATCH (n:Transient)
		WITH count(n) AS nodes,
			sum(CASE WHEN n IS NOT NULL AND (n.merged_into IS NULL OR n.merged_into = '') THEN 1 ELSE 0 END) AS canonical
		OPTIONAL MATCH ()-[e:EVIDENCE]->()
		WITH nodes, canonical, count(e) AS edges
		OPTIONAL MATCH (c:Case)
		WHERE c.status = 'open'
		RETURN nodes, canonical, edges, count(c) AS open_cases
	`
)

var indexQueries = []string{
	"CREATE CONSTRAINT transient_uuid IF NOT EXISTS FOR (n:Transient) REQUIRE n.uuid IS UNIQUE",
	"CREATE CONSTRAINT candidate_id IF NOT EXISTS FOR (n:Candidate) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT case_uuid IF NOT EXISTS FOR (n:Case) REQUIRE n.uuid IS UNIQUE",
	"CREATE INDEX entity_ref IF NOT EXISTS FOR (n:Entity) ON (n.ref)",
	"CREATE INDEX transient_first_seen IF NOT EXISTS FOR (n:Transient) ON (n.first_seen)",
	"CREATE INDEX case_status IF NOT EXISTS FOR (n:Case) ON (n.status)",
	"CREATE INDEX case_candidate IF NOT EXISTS FOR (n:Case) ON (n.candidate_id)",
}
