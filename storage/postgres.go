// Package storage holds the two store adapters: relational agent metadata in
// Postgres and capability vectors in Qdrant.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/sage-registry/types"
)

// schemaSQL is idempotent: re-running it against a migrated database is a
// no-op. Columns added after the initial release ride on ADD COLUMN IF NOT
// EXISTS so older deployments upgrade in place.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
  did                text PRIMARY KEY,
  name               text,
  endpoint           text NOT NULL,
  public_key         text,
  reputation         double precision NOT NULL DEFAULT 0,
  availability_score double precision NOT NULL DEFAULT 0,
  last_seen          timestamptz,
  created_at         timestamptz NOT NULL DEFAULT now()
);

ALTER TABLE agents ADD COLUMN IF NOT EXISTS wallet_address text;
ALTER TABLE agents ADD COLUMN IF NOT EXISTS card_version integer;
ALTER TABLE agents ADD COLUMN IF NOT EXISTS card_lineage text;
ALTER TABLE agents ADD COLUMN IF NOT EXISTS card_signature text;
ALTER TABLE agents ADD COLUMN IF NOT EXISTS card_raw jsonb;

CREATE INDEX IF NOT EXISTS agents_wallet_address_idx
  ON agents (wallet_address) WHERE wallet_address IS NOT NULL;

CREATE TABLE IF NOT EXISTS capabilities (
  id            bigserial PRIMARY KEY,
  agent_did     text NOT NULL REFERENCES agents(did) ON DELETE CASCADE,
  capability_id text NOT NULL,
  description   text NOT NULL,
  tags          text[] NOT NULL DEFAULT '{}',
  output_schema jsonb,
  price_cents   integer NOT NULL DEFAULT 10,
  created_at    timestamptz NOT NULL DEFAULT now(),
  UNIQUE (agent_did, capability_id)
);

CREATE INDEX IF NOT EXISTS capabilities_agent_did_idx ON capabilities (agent_did);
`

// keywordLimit caps rows returned by a single keyword search; the discovery
// pipeline caps the merged list again.
const keywordLimit = 200

// ErrAgentNotFound reports a lookup miss on agents.did.
var ErrAgentNotFound = errors.New("agent not found")

// ErrCapabilityNotFound reports a lookup miss on capabilities.capability_id.
var ErrCapabilityNotFound = errors.New("capability not found")

// Postgres is the metadata store adapter.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given URL.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the idempotent schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// AgentUpsert carries the columns written by UpsertAgent. Nil optionals
// become NULL, except wallet_address which never overwrites a known value.
type AgentUpsert struct {
	DID           string
	Name          *string
	Endpoint      string
	PublicKey     *string
	WalletAddress *string
	CardVersion   *int
	CardLineage   *string
	CardSignature *string
	CardRaw       json.RawMessage
}

// UpsertAgent inserts or updates an agent keyed on did. Reputation,
// availability and last_seen are left untouched on update.
func (p *Postgres) UpsertAgent(ctx context.Context, a AgentUpsert) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO agents (did, name, endpoint, public_key, wallet_address,
                    card_version, card_lineage, card_signature, card_raw)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (did) DO UPDATE SET
  name           = EXCLUDED.name,
  endpoint       = EXCLUDED.endpoint,
  public_key     = EXCLUDED.public_key,
  wallet_address = COALESCE(EXCLUDED.wallet_address, agents.wallet_address),
  card_version   = EXCLUDED.card_version,
  card_lineage   = EXCLUDED.card_lineage,
  card_signature = EXCLUDED.card_signature,
  card_raw       = EXCLUDED.card_raw`,
		a.DID, a.Name, a.Endpoint, a.PublicKey, a.WalletAddress,
		a.CardVersion, a.CardLineage, a.CardSignature, rawOrNil(a.CardRaw))
	return err
}

// DeleteCapabilities removes every capability row owned by the agent.
func (p *Postgres) DeleteCapabilities(ctx context.Context, did string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM capabilities WHERE agent_did = $1`, did)
	return err
}

// CapabilityInsert carries one capability row.
type CapabilityInsert struct {
	AgentDID     string
	CapabilityID string
	Description  string
	Tags         []string
	OutputSchema json.RawMessage
	PriceCents   int
}

// InsertCapability writes one capability row.
func (p *Postgres) InsertCapability(ctx context.Context, c CapabilityInsert) error {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	price := c.PriceCents
	if price == 0 {
		price = 10
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO capabilities (agent_did, capability_id, description, tags, output_schema, price_cents)
VALUES ($1,$2,$3,$4,$5,$6)`,
		c.AgentDID, c.CapabilityID, c.Description, tags, rawOrNil(c.OutputSchema), price)
	return err
}

// FindAgentsByDIDs fetches agent metadata for a set of dids in one query.
func (p *Postgres) FindAgentsByDIDs(ctx context.Context, dids []string) (map[string]*types.Agent, error) {
	out := make(map[string]*types.Agent, len(dids))
	if len(dids) == 0 {
		return out, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT did, name, endpoint, public_key, wallet_address, reputation,
       availability_score, last_seen, card_version, card_lineage,
       card_signature, card_raw, created_at
FROM agents WHERE did = ANY($1)`, dids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out[a.DID] = a
	}
	return out, rows.Err()
}

// GetAgent fetches one agent row.
func (p *Postgres) GetAgent(ctx context.Context, did string) (*types.Agent, error) {
	rows, err := p.pool.Query(ctx, `
SELECT did, name, endpoint, public_key, wallet_address, reputation,
       availability_score, last_seen, card_version, card_lineage,
       card_signature, card_raw, created_at
FROM agents WHERE did = $1`, did)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrAgentNotFound
	}
	return scanAgent(rows)
}

// LexicalHit is one row matched by keyword search.
type LexicalHit struct {
	AgentDID     string
	CapabilityID string
	Description  string
	Tags         []string
}

// SearchCapabilitiesByKeyword matches the pattern case-insensitively as a
// substring of capability_id or description.
func (p *Postgres) SearchCapabilitiesByKeyword(ctx context.Context, pattern string) ([]LexicalHit, error) {
	escaped := escapeLike(pattern)
	rows, err := p.pool.Query(ctx, `
SELECT agent_did, capability_id, description, tags
FROM capabilities
WHERE capability_id ILIKE '%' || $1 || '%' ESCAPE '\'
   OR description   ILIKE '%' || $1 || '%' ESCAPE '\'
ORDER BY id
LIMIT $2`, escaped, keywordLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.AgentDID, &h.CapabilityID, &h.Description, &h.Tags); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// UpdateReputation sets an agent's reputation.
func (p *Postgres) UpdateReputation(ctx context.Context, did string, reputation float64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE agents SET reputation = $2 WHERE did = $1`, did, reputation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// UpdateAvailability sets an agent's availability score and heartbeat time.
func (p *Postgres) UpdateAvailability(ctx context.Context, did string, availability float64, lastSeen time.Time) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE agents SET availability_score = $2, last_seen = $3 WHERE did = $1`,
		did, availability, lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// GetCapabilityOutputSchema returns the stored output schema for a
// capability id (first match across agents).
func (p *Postgres) GetCapabilityOutputSchema(ctx context.Context, capabilityID string) (json.RawMessage, error) {
	var schema []byte
	err := p.pool.QueryRow(ctx, `
SELECT output_schema FROM capabilities WHERE capability_id = $1 ORDER BY id LIMIT 1`,
		capabilityID).Scan(&schema)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCapabilityNotFound
	}
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// IterateAllCapabilities streams every capability row to fn; used by the
// admin reindex.
func (p *Postgres) IterateAllCapabilities(ctx context.Context, fn func(types.Capability) error) error {
	rows, err := p.pool.Query(ctx, `
SELECT id, agent_did, capability_id, description, tags, output_schema, price_cents, created_at
FROM capabilities ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c types.Capability
		var schema []byte
		if err := rows.Scan(&c.ID, &c.AgentDID, &c.CapabilityID, &c.Description,
			&c.Tags, &schema, &c.PriceCents, &c.CreatedAt); err != nil {
			return err
		}
		c.OutputSchema = schema
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanAgent(rows pgx.Rows) (*types.Agent, error) {
	var a types.Agent
	var cardRaw []byte
	if err := rows.Scan(&a.DID, &a.Name, &a.Endpoint, &a.PublicKey, &a.WalletAddress,
		&a.Reputation, &a.AvailabilityScore, &a.LastSeen, &a.CardVersion,
		&a.CardLineage, &a.CardSignature, &cardRaw, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.CardRaw = cardRaw
	return &a, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// escapeLike neutralizes LIKE wildcards in user input.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
