package graphstore

import "fmt"

// compileQuery maps the small, closed set of named query shapes the
// knowledge-graph services issue into parametric SQL. Keeping the surface
// closed (rather than accepting arbitrary SQL/Cypher) lets one adapter
// serve every service without leaking storage concerns upward.
func compileQuery(statement string, p map[string]interface{}) (string, []interface{}, error) {
	switch statement {
	case "upsert_entity":
		return `INSERT INTO entities (id, type, path, hash, language, created, last_modified, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				type = excluded.type, path = excluded.path, hash = excluded.hash,
				language = excluded.language, last_modified = excluded.last_modified,
				payload = excluded.payload`,
			[]interface{}{p["id"], p["type"], p["path"], p["hash"], p["language"], p["created"], p["lastModified"], p["payload"]}, nil

	case "get_entity":
		return `SELECT id, type, path, hash, language, created, last_modified, payload FROM entities WHERE id = ?`,
			[]interface{}{p["id"]}, nil

	case "delete_entity":
		return `DELETE FROM entities WHERE id = ?`, []interface{}{p["id"]}, nil

	case "entity_exists":
		return `SELECT 1 FROM entities WHERE id = ?`, []interface{}{p["id"]}, nil

	case "list_entities":
		return compileListEntities(p)

	case "count_entities":
		return countEntities(p)

	case "delete_relationships_by_entity":
		return `DELETE FROM relationships WHERE from_entity_id = ? OR to_entity_id = ?`,
			[]interface{}{p["id"], p["id"]}, nil

	case "upsert_relationship":
		return `INSERT INTO relationships (id, from_entity_id, to_entity_id, type, created, last_modified, version, valid_from, valid_to, active, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_modified = excluded.last_modified, version = excluded.version,
				valid_from = excluded.valid_from, valid_to = excluded.valid_to,
				active = excluded.active, payload = excluded.payload`,
			[]interface{}{p["id"], p["fromEntityId"], p["toEntityId"], p["type"], p["created"], p["lastModified"],
				p["version"], p["validFrom"], p["validTo"], p["active"], p["payload"]}, nil

	case "get_relationship":
		return `SELECT id, from_entity_id, to_entity_id, type, created, last_modified, version, valid_from, valid_to, active, payload
			FROM relationships WHERE id = ?`, []interface{}{p["id"]}, nil

	case "delete_relationship":
		return `DELETE FROM relationships WHERE id = ?`, []interface{}{p["id"]}, nil

	case "find_open_temporal_edge":
		return `SELECT id, from_entity_id, to_entity_id, type, created, last_modified, version, valid_from, valid_to, active, payload
			FROM relationships
			WHERE from_entity_id = ? AND to_entity_id = ? AND type = ? AND active = 1 AND valid_to IS NULL`,
			[]interface{}{p["fromEntityId"], p["toEntityId"], p["type"]}, nil

	case "close_temporal_edge":
		return `UPDATE relationships SET valid_to = ?, active = 0, last_modified = ?
			WHERE from_entity_id = ? AND to_entity_id = ? AND type = ? AND active = 1 AND valid_to IS NULL`,
			[]interface{}{p["validTo"], p["lastModified"], p["fromEntityId"], p["toEntityId"], p["type"]}, nil

	case "list_relationships":
		return compileListRelationships(p)

	case "close_open_temporal_edges_before":
		return `UPDATE relationships SET valid_to = ?, active = 0
			WHERE active = 1 AND valid_to IS NULL AND valid_from < ?`,
			[]interface{}{p["cutoff"], p["cutoff"]}, nil

	case "insert_version":
		return `INSERT OR REPLACE INTO versions (id, entity_id, hash, timestamp, previous_version_id, change_set_id, path, language)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			[]interface{}{p["id"], p["entityId"], p["hash"], p["timestamp"], p["previousVersionId"], p["changeSetId"], p["path"], p["language"]}, nil

	case "update_version_previous":
		return `UPDATE versions SET previous_version_id = ?, timestamp = ? WHERE id = ?`,
			[]interface{}{p["previousVersionId"], p["timestamp"], p["id"]}, nil

	case "find_latest_version":
		return `SELECT id, timestamp FROM versions WHERE entity_id = ? AND id <> ? ORDER BY timestamp DESC LIMIT 1`,
			[]interface{}{p["entityId"], p["excludeId"]}, nil

	case "get_entity_timeline":
		return `SELECT id, entity_id, hash, timestamp, previous_version_id, change_set_id, path, language
			FROM versions WHERE entity_id = ? ORDER BY timestamp DESC, hash DESC LIMIT ?`,
			[]interface{}{p["entityId"], p["limit"]}, nil

	case "delete_versions_before":
		return `DELETE FROM versions WHERE timestamp < ?`, []interface{}{p["cutoff"]}, nil

	case "count_versions_before":
		return `SELECT COUNT(*) AS total FROM versions WHERE timestamp < ?`, []interface{}{p["cutoff"]}, nil

	case "count_open_temporal_edges_before":
		return `SELECT COUNT(*) AS total FROM relationships WHERE active = 1 AND valid_to IS NULL AND valid_from < ?`,
			[]interface{}{p["cutoff"]}, nil

	case "count_orphan_checkpoints":
		return `SELECT COUNT(*) AS total FROM checkpoints WHERE id NOT IN (SELECT DISTINCT checkpoint_id FROM checkpoint_members)`,
			nil, nil

	case "delete_orphan_checkpoints":
		return `DELETE FROM checkpoints WHERE id NOT IN (SELECT DISTINCT checkpoint_id FROM checkpoint_members)`,
			nil, nil

	case "insert_checkpoint":
		return `INSERT INTO checkpoints (id, timestamp, reason, hops, seed_entities, description) VALUES (?, ?, ?, ?, ?, ?)`,
			[]interface{}{p["id"], p["timestamp"], p["reason"], p["hops"], p["seedEntities"], p["description"]}, nil

	case "insert_checkpoint_member":
		return `INSERT OR IGNORE INTO checkpoint_members (checkpoint_id, entity_id) VALUES (?, ?)`,
			[]interface{}{p["checkpointId"], p["entityId"]}, nil

	case "get_checkpoint":
		return `SELECT id, timestamp, reason, hops, seed_entities, description FROM checkpoints WHERE id = ?`,
			[]interface{}{p["id"]}, nil

	case "list_checkpoints":
		return compileListCheckpoints(p)

	case "get_checkpoint_members":
		return `SELECT entity_id FROM checkpoint_members WHERE checkpoint_id = ?`, []interface{}{p["checkpointId"]}, nil

	case "delete_checkpoint":
		return `DELETE FROM checkpoints WHERE id = ?`, []interface{}{p["id"]}, nil

	case "delete_checkpoint_members":
		return `DELETE FROM checkpoint_members WHERE checkpoint_id = ?`, []interface{}{p["id"]}, nil

	case "neighbors":
		return compileNeighbors(p)

	default:
		return "", nil, fmt.Errorf("graphstore: unknown query statement %q", statement)
	}
}

func compileListEntities(p map[string]interface{}) (string, []interface{}, error) {
	q := `SELECT id, type, path, hash, language, created, last_modified, payload FROM entities WHERE 1=1`
	var args []interface{}
	if t, ok := p["type"]; ok && t != "" {
		q += " AND type = ?"
		args = append(args, t)
	}
	if path, ok := p["path"]; ok && path != "" {
		q += " AND path = ?"
		args = append(args, path)
	}
	if lang, ok := p["language"]; ok && lang != "" {
		q += " AND language = ?"
		args = append(args, lang)
	}
	q += " ORDER BY last_modified DESC, id ASC"
	if limit, ok := p["limit"]; ok {
		q += " LIMIT ?"
		args = append(args, limit)
		if offset, ok := p["offset"]; ok {
			q += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return q, args, nil
}

func countEntities(p map[string]interface{}) (string, []interface{}, error) {
	q := `SELECT COUNT(*) AS total FROM entities WHERE 1=1`
	var args []interface{}
	if t, ok := p["type"]; ok && t != "" {
		q += " AND type = ?"
		args = append(args, t)
	}
	if path, ok := p["path"]; ok && path != "" {
		q += " AND path = ?"
		args = append(args, path)
	}
	return q, args, nil
}

func compileListRelationships(p map[string]interface{}) (string, []interface{}, error) {
	q := `SELECT id, from_entity_id, to_entity_id, type, created, last_modified, version, valid_from, valid_to, active, payload
		FROM relationships WHERE 1=1`
	var args []interface{}
	if from, ok := p["fromEntity"]; ok && from != "" {
		q += " AND from_entity_id = ?"
		args = append(args, from)
	}
	if to, ok := p["toEntity"]; ok && to != "" {
		q += " AND to_entity_id = ?"
		args = append(args, to)
	}
	if typ, ok := p["type"]; ok && typ != "" {
		q += " AND type = ?"
		args = append(args, typ)
	}
	q += " ORDER BY last_modified DESC, id ASC"
	if limit, ok := p["limit"]; ok {
		q += " LIMIT ?"
		args = append(args, limit)
		if offset, ok := p["offset"]; ok {
			q += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return q, args, nil
}

func compileListCheckpoints(p map[string]interface{}) (string, []interface{}, error) {
	q := `SELECT id, timestamp, reason, hops, seed_entities, description FROM checkpoints WHERE 1=1`
	var args []interface{}
	if reason, ok := p["reason"]; ok && reason != "" {
		q += " AND reason = ?"
		args = append(args, reason)
	}
	if since, ok := p["since"]; ok {
		q += " AND timestamp >= ?"
		args = append(args, since)
	}
	if until, ok := p["until"]; ok {
		q += " AND timestamp <= ?"
		args = append(args, until)
	}
	q += " ORDER BY timestamp DESC"
	if limit, ok := p["limit"]; ok {
		q += " LIMIT ?"
		args = append(args, limit)
		if offset, ok := p["offset"]; ok {
			q += " OFFSET ?"
			args = append(args, offset)
		}
	}
	return q, args, nil
}

// compileNeighbors fetches one hop of active edges of any type touching an
// entity, in both directions, used by the checkpoint BFS expansion and by
// the search and analysis traversals.
func compileNeighbors(p map[string]interface{}) (string, []interface{}, error) {
	return `SELECT to_entity_id AS neighbor, type FROM relationships WHERE from_entity_id = ? AND active = 1
		UNION
		SELECT from_entity_id AS neighbor, type FROM relationships WHERE to_entity_id = ? AND active = 1`,
		[]interface{}{p["entityId"], p["entityId"]}, nil
}
