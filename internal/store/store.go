// Package store implements the Session Repository (C6): transactional
// persistence of sessions, provider responses, ideas (with
// embeddings), and deepening records, plus the checkpoint and
// idempotency tables the job queue reuses.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/apperr"
)

// Session statuses, per §3.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ProviderResponse statuses, per §3.
const (
	ProviderStatusSuccess = "success"
	ProviderStatusFailed  = "failed"
)

// Checkpoint stage names, mirroring §orchestrator step transitions.
const (
	StagePending   = "pending"
	StageFannedOut = "fanned_out"
	StageEmbedded  = "embedded"
	StageClustered = "clustered"
	StagePersisted = "persisted"
	StageCompleted = "completed"
)

// Store is the single *sql.DB connection pool used by every
// persistence operation. Transactional writes acquire a dedicated
// connection implicitly via BeginTx and release it on every exit path.
type Store struct {
	DB            *sql.DB
	logger        *log.Logger
	vectorEnabled bool
	slowQuery     func(operation string, d time.Duration)
}

// Session is the persistent record of one research invocation.
type Session struct {
	ID               string
	ProblemStatement string
	Status           string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// ProviderResponse is one attempt by one provider within a session.
type ProviderResponse struct {
	ID               string
	SessionID        string
	Provider         string
	Model            string
	Status           string
	RawText          *string
	ErrorMessage     *string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
	CreatedAt        time.Time
}

// Idea is one persisted, possibly-deduplicated research idea.
type Idea struct {
	ID                    string
	SessionID             string
	ProviderResponseID    string
	Provider              string
	Title                 string
	Description           string
	Rationale             string
	Category              string
	ConfidenceScore       float64
	NoveltyScore          float64
	Tags                  []string
	ClusterID             int
	IsDuplicate           bool
	DuplicateOf           *string
	SimilarityToDuplicate *float64
	Embedding             []float32
	CreatedAt             time.Time
}

// IdeaInsert is the input shape for SaveIdeas: an idea plus its
// enrichment from the similarity engine, still addressed by its
// original in-memory index rather than a stored id.
type IdeaInsert struct {
	OriginalIndex         int
	Title                 string
	Description           string
	Rationale             string
	Category              string
	ConfidenceScore       float64
	NoveltyScore          float64
	Tags                  []string
	ClusterID             int
	IsDuplicate           bool
	SimilarityToDuplicate *float64
	Embedding             []float32
}

// DuplicateUpdate resolves one idea's duplicateOf reference from an
// original index to a stored idea id, once both sides have ids.
type DuplicateUpdate struct {
	IdeaID      string
	DuplicateOf string
}

// DeepeningRecord is one elaboration of a persisted idea (C9).
type DeepeningRecord struct {
	ID               string
	SessionID        string
	IdeaID           string
	Provider         string
	DepthLevel       int
	PromptUsed       string
	Result           json.RawMessage
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
	Status           string
	CreatedAt        time.Time
}

// New opens the connection pool and applies §5's shared-resource
// limits: bounded pool size, idle timeout, and a short connect
// timeout so exhaustion surfaces as DATABASE_ERROR rather than
// unbounded queueing.
func New(ctx context.Context, cfg config.PostgresConfig, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, err, "open postgres connection")
	}
	db.SetMaxOpenConns(cfg.PoolMax)
	db.SetMaxIdleConns(cfg.PoolMax)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, err, "ping postgres")
	}

	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}

	return &Store{
		DB:            db,
		logger:        logger,
		vectorEnabled: cfg.VectorEnabled,
		slowQuery:     func(string, time.Duration) {},
	}, nil
}

// OnSlowQuery registers the telemetry sink's reporting hook.
func (s *Store) OnSlowQuery(fn func(operation string, d time.Duration)) {
	s.slowQuery = fn
}

func (s *Store) timed(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	if s.slowQuery != nil {
		s.slowQuery(operation, time.Since(start))
	}
	return err
}

// CreateSession inserts a new session in status pending.
func (s *Store) CreateSession(ctx context.Context, problemStatement string, metadata map[string]any) (Session, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return Session{}, apperr.Wrap(apperr.InternalError, err, "marshal session metadata")
	}

	sess := Session{ID: uuid.NewString(), ProblemStatement: problemStatement, Status: StatusPending, Metadata: metadata}
	err = s.timed("CreateSession", func() error {
		return s.DB.QueryRowContext(ctx, `
INSERT INTO research_sessions (id, problem_statement, status, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW())
RETURNING created_at, updated_at`,
			sess.ID, sess.ProblemStatement, sess.Status, metaBytes,
		).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	})
	if err != nil {
		return Session{}, apperr.Wrap(apperr.DatabaseError, err, "create session")
	}
	return sess, nil
}

// UpdateStatus transitions a session's status, enforcing the monotonic
// order pending -> processing -> {completed, failed} (§3): a session
// already in a terminal state (completed or failed) cannot be moved
// again, and processing cannot be re-entered once left. Setting the
// same status again is a no-op success (idempotent per §4.6). applied
// reports whether the UPDATE accepted the transition (a same-status
// call counts as accepted); callers use it to detect a rejected
// (non-monotonic) transition without treating it as an error.
func (s *Store) UpdateStatus(ctx context.Context, sessionID, status string) (applied bool, err error) {
	err = s.timed("UpdateStatus", func() error {
		row := s.DB.QueryRowContext(ctx, `
UPDATE research_sessions
SET status = $2, updated_at = NOW()
WHERE id = $1
  AND (
    status = $2
    OR (status = '`+StatusPending+`' AND $2 = '`+StatusProcessing+`')
    OR (status = '`+StatusProcessing+`' AND $2 IN ('`+StatusCompleted+`', '`+StatusFailed+`'))
  )
RETURNING status`, sessionID, status)
		var got string
		scanErr := row.Scan(&got)
		if errors.Is(scanErr, sql.ErrNoRows) {
			applied = false
			return nil
		}
		applied = scanErr == nil
		return scanErr
	})
	if err != nil {
		return false, apperr.Wrap(apperr.DatabaseError, err, "update session status")
	}
	return applied, nil
}

// GetSession fetches a non-deleted session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, bool, error) {
	var (
		sess      Session
		metaBytes []byte
	)
	err := s.timed("GetSession", func() error {
		return s.DB.QueryRowContext(ctx, `
SELECT id, problem_statement, status, metadata, created_at, updated_at
FROM research_sessions WHERE id = $1 AND deleted_at IS NULL`, id,
		).Scan(&sess.ID, &sess.ProblemStatement, &sess.Status, &metaBytes, &sess.CreatedAt, &sess.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, apperr.Wrap(apperr.DatabaseError, err, "get session")
	}
	_ = json.Unmarshal(metaBytes, &sess.Metadata)
	return sess, true, nil
}

// SoftDeleteSession hides a session from listings without touching
// its subtree.
func (s *Store) SoftDeleteSession(ctx context.Context, id string) error {
	err := s.timed("SoftDeleteSession", func() error {
		_, err := s.DB.ExecContext(ctx, `UPDATE research_sessions SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, err, "soft delete session")
	}
	return nil
}

// ListSessions returns non-deleted sessions, newest first, honoring
// §4.6 pagination bounds.
func (s *Store) ListSessions(ctx context.Context, limit, offset int, status string) ([]Session, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	args := []any{limit, offset}
	where := "deleted_at IS NULL"
	if status != "" {
		where += " AND status = $3"
		args = append(args, status)
	}

	var sessions []Session
	err := s.timed("ListSessions", func() error {
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, problem_statement, status, metadata, created_at, updated_at
FROM research_sessions WHERE %s
ORDER BY created_at DESC LIMIT $1 OFFSET $2`, where), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				sess      Session
				metaBytes []byte
			)
			if err := rows.Scan(&sess.ID, &sess.ProblemStatement, &sess.Status, &metaBytes, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
				return err
			}
			_ = json.Unmarshal(metaBytes, &sess.Metadata)
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.DatabaseError, err, "list sessions")
	}

	var total int
	countWhere := "deleted_at IS NULL"
	countArgs := []any{}
	if status != "" {
		countWhere += " AND status = $1"
		countArgs = append(countArgs, status)
	}
	err = s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM research_sessions WHERE %s`, countWhere), countArgs...).Scan(&total)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.DatabaseError, err, "count sessions")
	}

	return sessions, total, nil
}

// SaveProviderSuccess records a successful attempt and returns its id.
func (s *Store) SaveProviderSuccess(ctx context.Context, sessionID, provider, model, rawText string, promptTokens, completionTokens int, latencyMs int64) (string, error) {
	id := uuid.NewString()
	err := s.timed("SaveProviderSuccess", func() error {
		_, err := s.DB.ExecContext(ctx, `
INSERT INTO llm_responses (id, session_id, provider, model, status, raw_text, prompt_tokens, completion_tokens, latency_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
			id, sessionID, provider, model, ProviderStatusSuccess, rawText, promptTokens, completionTokens, latencyMs)
		return err
	})
	if err != nil {
		return "", apperr.Wrap(apperr.DatabaseError, err, "save provider success")
	}
	return id, nil
}

// SaveProviderFailure records a failed attempt. Per §4.6 this never
// fails loudly: persistence errors here are logged, not returned, so
// a provider-response bookkeeping failure never masks the pipeline's
// real error.
func (s *Store) SaveProviderFailure(ctx context.Context, sessionID, provider, errorMessage string) {
	id := uuid.NewString()
	err := s.timed("SaveProviderFailure", func() error {
		_, err := s.DB.ExecContext(ctx, `
INSERT INTO llm_responses (id, session_id, provider, status, error_message, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())`,
			id, sessionID, provider, ProviderStatusFailed, errorMessage)
		return err
	})
	if err != nil {
		s.logger.Printf("save provider failure (session=%s provider=%s): %v", sessionID, provider, err)
	}
}

// SaveIdeas inserts every idea for one provider response in a single
// transaction, in input order, and returns inserted ids in that same
// order — load-bearing for the orchestrator's originalIdx -> storedId
// mapping (§4.7 step 7).
func (s *Store) SaveIdeas(ctx context.Context, sessionID, providerResponseID, provider string, ideas []IdeaInsert) ([]string, error) {
	if len(ideas) == 0 {
		return nil, nil
	}

	ids := make([]string, len(ideas))
	err := s.timed("SaveIdeas", func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for i, idea := range ideas {
			id := uuid.NewString()
			var embeddingArg any
			if s.vectorEnabled && idea.Embedding != nil {
				v := pgvector.NewVector(idea.Embedding)
				embeddingArg = &v
			}

			_, err := tx.ExecContext(ctx, `
INSERT INTO ideas (
  id, session_id, provider_response_id, provider, title, description, rationale,
  category, confidence_score, novelty_score, tags, cluster_id, is_duplicate,
  similarity_to_duplicate, embedding, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())`,
				id, sessionID, providerResponseID, provider, idea.Title, idea.Description, idea.Rationale,
				idea.Category, idea.ConfidenceScore, idea.NoveltyScore, arrayOf(idea.Tags), idea.ClusterID, idea.IsDuplicate,
				idea.SimilarityToDuplicate, embeddingArg,
			)
			if err != nil {
				return fmt.Errorf("insert idea %d: %w", i, err)
			}
			ids[i] = id
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, err, "save ideas")
	}
	return ids, nil
}

// UpdateDuplicateReferences is the second-pass transaction resolving
// duplicateOf indices to stored ids, since the target id cannot be
// known at first insert time (§9's cyclic-graph note).
func (s *Store) UpdateDuplicateReferences(ctx context.Context, updates []DuplicateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.timed("UpdateDuplicateReferences", func() error {
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, u := range updates {
			if _, err := tx.ExecContext(ctx, `UPDATE ideas SET duplicate_of = $2 WHERE id = $1`, u.IdeaID, u.DuplicateOf); err != nil {
				return fmt.Errorf("update duplicate reference for %s: %w", u.IdeaID, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, err, "update duplicate references")
	}
	return nil
}

// GetUniqueIdeas returns non-duplicate ideas for a session ordered by
// (confidenceScore DESC, noveltyScore DESC), per §4.7 step 9.
func (s *Store) GetUniqueIdeas(ctx context.Context, sessionID string) ([]Idea, error) {
	return s.listIdeas(ctx, sessionID, true)
}

// ListIdeas returns every idea for a session, or only unique ones when
// uniqueOnly is set, per §6.1's `?unique=true` query parameter.
func (s *Store) ListIdeas(ctx context.Context, sessionID string, uniqueOnly bool) ([]Idea, error) {
	return s.listIdeas(ctx, sessionID, uniqueOnly)
}

func (s *Store) listIdeas(ctx context.Context, sessionID string, uniqueOnly bool) ([]Idea, error) {
	where := "session_id = $1"
	if uniqueOnly {
		where += " AND is_duplicate = false"
	}

	var out []Idea
	err := s.timed("ListIdeas", func() error {
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT id, session_id, provider_response_id, provider, title, description, rationale,
       category, confidence_score, novelty_score, tags, cluster_id, is_duplicate,
       duplicate_of, similarity_to_duplicate, created_at
FROM ideas WHERE %s
ORDER BY confidence_score DESC, novelty_score DESC`, where), sessionID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				idea        Idea
				tags        []byte
				duplicateOf sql.NullString
				similarity  sql.NullFloat64
			)
			if err := rows.Scan(
				&idea.ID, &idea.SessionID, &idea.ProviderResponseID, &idea.Provider, &idea.Title, &idea.Description, &idea.Rationale,
				&idea.Category, &idea.ConfidenceScore, &idea.NoveltyScore, &tags, &idea.ClusterID, &idea.IsDuplicate,
				&duplicateOf, &similarity, &idea.CreatedAt,
			); err != nil {
				return err
			}
			idea.Tags = decodeArray(tags)
			if duplicateOf.Valid {
				v := duplicateOf.String
				idea.DuplicateOf = &v
			}
			if similarity.Valid {
				v := similarity.Float64
				idea.SimilarityToDuplicate = &v
			}
			out = append(out, idea)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, err, "list ideas")
	}
	return out, nil
}

// GetIdea fetches one idea by id.
func (s *Store) GetIdea(ctx context.Context, ideaID string) (Idea, bool, error) {
	var (
		idea        Idea
		tags        []byte
		duplicateOf sql.NullString
		similarity  sql.NullFloat64
	)
	err := s.timed("GetIdea", func() error {
		return s.DB.QueryRowContext(ctx, `
SELECT id, session_id, provider_response_id, provider, title, description, rationale,
       category, confidence_score, novelty_score, tags, cluster_id, is_duplicate,
       duplicate_of, similarity_to_duplicate, created_at
FROM ideas WHERE id = $1`, ideaID,
		).Scan(
			&idea.ID, &idea.SessionID, &idea.ProviderResponseID, &idea.Provider, &idea.Title, &idea.Description, &idea.Rationale,
			&idea.Category, &idea.ConfidenceScore, &idea.NoveltyScore, &tags, &idea.ClusterID, &idea.IsDuplicate,
			&duplicateOf, &similarity, &idea.CreatedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Idea{}, false, nil
	}
	if err != nil {
		return Idea{}, false, apperr.Wrap(apperr.DatabaseError, err, "get idea")
	}
	idea.Tags = decodeArray(tags)
	if duplicateOf.Valid {
		v := duplicateOf.String
		idea.DuplicateOf = &v
	}
	if similarity.Valid {
		v := similarity.Float64
		idea.SimilarityToDuplicate = &v
	}
	return idea, true, nil
}

// SaveDeepening persists one deepening result.
func (s *Store) SaveDeepening(ctx context.Context, rec DeepeningRecord) (string, error) {
	id := uuid.NewString()
	err := s.timed("SaveDeepening", func() error {
		_, err := s.DB.ExecContext(ctx, `
INSERT INTO deepening_sessions (
  id, session_id, idea_id, provider, depth_level, prompt_used, result,
  prompt_tokens, completion_tokens, latency_ms, status, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())`,
			id, rec.SessionID, rec.IdeaID, rec.Provider, rec.DepthLevel, rec.PromptUsed, []byte(rec.Result),
			rec.PromptTokens, rec.CompletionTokens, rec.LatencyMs, rec.Status)
		return err
	})
	if err != nil {
		return "", apperr.Wrap(apperr.DatabaseError, err, "save deepening record")
	}
	return id, nil
}

// ClaimIdempotency registers a processed queue event; returns false
// if the (scope, key) pair was already claimed, implementing
// Testable Property 6.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, apperr.New(apperr.InternalError, "idempotency scope and key are required")
	}
	var claimed bool
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO idempotency_keys (scope, key, created_at) VALUES ($1,$2,NOW())
ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.DatabaseError, err, "claim idempotency key")
	}
	return claimed, nil
}

// UpsertCheckpoint records the status for one (job, stage) pair. The
// worker keeps a job's pipeline state, bound session id, stall count,
// failure reason and provider status here.
func (s *Store) UpsertCheckpoint(ctx context.Context, jobID, stage, status string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO queue_checkpoints (job_id, stage, status, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (job_id, stage) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`,
		jobID, stage, status)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, err, "upsert checkpoint")
	}
	return nil
}

// GetCheckpoint returns the latest recorded stage/status for a job,
// if any.
func (s *Store) GetCheckpoint(ctx context.Context, jobID, stage string) (status string, found bool, err error) {
	err2 := s.DB.QueryRowContext(ctx, `SELECT status FROM queue_checkpoints WHERE job_id = $1 AND stage = $2`, jobID, stage).Scan(&status)
	if errors.Is(err2, sql.ErrNoRows) {
		return "", false, nil
	}
	if err2 != nil {
		return "", false, apperr.Wrap(apperr.DatabaseError, err2, "get checkpoint")
	}
	return status, true, nil
}

func arrayOf(tags []string) any {
	b, _ := json.Marshal(tags)
	return b
}

func decodeArray(raw []byte) []string {
	var out []string
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}
