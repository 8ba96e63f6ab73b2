package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

const jobColumns = `id, user_id, status, messagetype, scheduled_at, locked_at, locked_by, attempt_count, idempotency_key, schema_version, calc_version, facts_hash, error_code, error_message, failed_at, run_id, updated_at, sentat, facts`

// A failed row is re-eligible once failed_at is older than the failed cutoff.
// A NULL cutoff disables automatic resurrection of failed rows.
const (
	selectCandidatesQuery = `SELECT ` + jobColumns + ` FROM horoscope
WHERE scheduled_at IS NOT NULL AND scheduled_at <= $1
  AND attempt_count < $2
  AND (locked_at IS NULL OR locked_at <= $3)
  AND (status = 'queued' OR (status = 'failed' AND failed_at <= $4))
ORDER BY scheduled_at ASC
LIMIT $5`

	claimSet = `UPDATE horoscope
SET locked_at = $2, locked_by = $3, run_id = $3, attempt_count = attempt_count + 1,
    idempotency_key = COALESCE(idempotency_key, $4), updated_at = $2
WHERE id = $1
  AND (status = 'queued' OR (status = 'failed' AND failed_at <= $6))
  AND attempt_count < $5`

	claimFreshQuery   = claimSet + "\n  AND locked_at IS NULL\nRETURNING id"
	claimExpiredQuery = claimSet + "\n  AND locked_at <= $7\nRETURNING id"

	persistFactsQuery = `UPDATE horoscope
SET schema_version = $3, calc_version = $4, facts_hash = $5, facts = COALESCE($7, facts),
    error_code = NULL, error_message = NULL,
    locked_at = NULL, locked_by = NULL, run_id = $2, updated_at = $6
WHERE id = $1 AND run_id = $2 AND status <> 'sent'`

	markSentQuery = `UPDATE horoscope
SET status = 'sent', sentat = $3, failed_at = NULL,
    provider_message_id = $4, content = $5, prompt_version = $6,
    facts_hash = $7, calc_version = $8, schema_version = $9,
    error_code = NULL, error_message = NULL,
    locked_at = NULL, locked_by = NULL, run_id = $2, updated_at = $3
WHERE id = $1 AND run_id = $2 AND status <> 'sent'`

	markFailedQuery = `UPDATE horoscope
SET status = 'failed', failed_at = $3, error_code = $4, error_message = $5,
    locked_at = NULL, locked_by = NULL, run_id = $2, updated_at = $3
WHERE id = $1 AND run_id = $2 AND status <> 'sent'`

	releaseLeaseQuery = `UPDATE horoscope
SET locked_at = NULL, locked_by = NULL, updated_at = $3
WHERE id = $1 AND locked_by = $2`

	loadSubjectQuery = `SELECT u.id, u.fullname, u.first_name, u.date_of_birth, u.time_of_birth, u.birth_time_unknown,
       u.birth_place_lat, u.birth_place_lon, u.birth_place_id, u.birth_place_name, u.birth_country_code,
       u.language, u.plan_tier, u.subscription_type, u.communication_channel, u.send_to
FROM horoscope h
LEFT JOIN users u ON u.id = h.user_id
WHERE h.id = $1`

	requeueQuery = `UPDATE horoscope
SET status = 'queued', attempt_count = 0,
    error_code = NULL, error_message = NULL, failed_at = NULL,
    locked_at = NULL, locked_by = NULL, updated_at = $2
WHERE id = $1 AND status <> 'sent' AND (locked_at IS NULL OR locked_at <= $3)
RETURNING id`

	listQuery = `SELECT ` + jobColumns + ` FROM horoscope
WHERE status = ANY($1)
ORDER BY COALESCE(failed_at, updated_at, scheduled_at) DESC NULLS LAST
LIMIT $2`

	countQuery = `SELECT
  COUNT(*) FILTER (WHERE status = 'queued'),
  COUNT(*) FILTER (WHERE status = 'sent'),
  COUNT(*) FILTER (WHERE status = 'failed'),
  COUNT(*) FILTER (WHERE status IN ('queued', 'failed') AND attempt_count >= $1),
  COUNT(*) FILTER (WHERE locked_at IS NOT NULL)
FROM horoscope`
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                                      Job
		userID, msgType, lockedBy, idemKey     sql.NullString
		schemaVer, calcVer, factsHash, errCode sql.NullString
		errMsg, runID, facts                   sql.NullString
		lockedAt, failedAt, updatedAt, sentAt  sql.NullTime
		status                                 string
	)
	err := row.Scan(&j.ID, &userID, &status, &msgType, &j.ScheduledAt, &lockedAt, &lockedBy, &j.AttemptCount,
		&idemKey, &schemaVer, &calcVer, &factsHash, &errCode, &errMsg, &failedAt, &runID, &updatedAt, &sentAt, &facts)
	if err != nil {
		return Job{}, err
	}
	j.Status = Status(status)
	j.UserID = userID.String
	j.MessageType = msgType.String
	j.LockedBy = lockedBy.String
	j.IdempotencyKey = idemKey.String
	j.SchemaVersion = schemaVer.String
	j.CalcVersion = calcVer.String
	j.FactsHash = factsHash.String
	j.ErrorCode = errCode.String
	j.ErrorMessage = errMsg.String
	j.RunID = runID.String
	j.LockedAt = timePtr(lockedAt)
	j.FailedAt = timePtr(failedAt)
	j.UpdatedAt = timePtr(updatedAt)
	j.SentAt = timePtr(sentAt)
	if facts.Valid {
		j.Facts = json.RawMessage(facts.String)
	}
	return j, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullJSON sends facts as text; lib/pq would encode a []byte as bytea.
func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (r *PostgresRepo) SelectCandidates(ctx context.Context, q CandidateQuery) ([]Job, error) {
	rows, err := r.db.QueryContext(ctx, selectCandidatesQuery, q.Now, q.MaxAttempts, q.LeaseCutoff, nullTime(q.FailedCutoff), q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimFresh takes an unlocked row. It reports false, without error, when the
// row no longer matches (another worker won, or it stopped qualifying).
func (r *PostgresRepo) ClaimFresh(ctx context.Context, p ClaimParams) (bool, error) {
	return r.claim(ctx, claimFreshQuery, p.JobID, p.Now, p.RunID, p.IdempotencyKey, p.MaxAttempts, nullTime(p.FailedCutoff))
}

// ClaimExpired takes over a row whose lease is older than the cutoff.
func (r *PostgresRepo) ClaimExpired(ctx context.Context, p ClaimParams) (bool, error) {
	return r.claim(ctx, claimExpiredQuery, p.JobID, p.Now, p.RunID, p.IdempotencyKey, p.MaxAttempts, nullTime(p.FailedCutoff), p.LeaseCutoff)
}

func (r *PostgresRepo) claim(ctx context.Context, query string, args ...any) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepo) PersistComputedFacts(ctx context.Context, f ComputedFacts) (int64, error) {
	return r.exec(ctx, persistFactsQuery, f.JobID, f.RunID, f.SchemaVersion, f.CalcVersion, f.FactsHash, f.Now, nullJSON(f.Facts))
}

func (r *PostgresRepo) MarkSent(ctx context.Context, s SentRecord) (int64, error) {
	return r.exec(ctx, markSentQuery, s.JobID, s.RunID, s.Now, s.ProviderMessageID, s.Content, s.PromptVersion,
		s.FactsHash, s.CalcVersion, s.SchemaVersion)
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, f FailureRecord) (int64, error) {
	return r.exec(ctx, markFailedQuery, f.JobID, f.RunID, f.Now, f.ErrorCode, f.ErrorMessage)
}

func (r *PostgresRepo) ReleaseLease(ctx context.Context, jobID, runID string, now time.Time) (int64, error) {
	return r.exec(ctx, releaseLeaseQuery, jobID, runID, now)
}

func (r *PostgresRepo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepo) LoadSubject(ctx context.Context, jobID string) (*Subject, error) {
	var (
		s                                    Subject
		id, fullName, firstName, timeOfBirth sql.NullString
		placeID, placeName, country          sql.NullString
		language, planTier, subscriptionType sql.NullString
		channel, sendTo                      sql.NullString
		dob                                  sql.NullTime
		timeUnknown                          sql.NullBool
		lat, lon                             sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, loadSubjectQuery, jobID).Scan(&id, &fullName, &firstName, &dob, &timeOfBirth, &timeUnknown,
		&lat, &lon, &placeID, &placeName, &country, &language, &planTier, &subscriptionType, &channel, &sendTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !id.Valid {
		return nil, ErrSubjectMissing
	}

	s.ID = id.String
	s.FullName = fullName.String
	s.FirstName = firstName.String
	s.DateOfBirth = timePtr(dob)
	if timeOfBirth.Valid {
		v := timeOfBirth.String
		s.TimeOfBirth = &v
	}
	s.BirthTimeUnknown = timeUnknown.Valid && timeUnknown.Bool
	if lat.Valid {
		v := lat.Float64
		s.BirthPlace.Lat = &v
	}
	if lon.Valid {
		v := lon.Float64
		s.BirthPlace.Lon = &v
	}
	s.BirthPlace.PlaceID = placeID.String
	s.BirthPlace.Name = placeName.String
	s.BirthPlace.CountryCode = country.String
	s.Language = language.String
	s.PlanTier = planTier.String
	s.SubscriptionType = subscriptionType.String
	s.Channel = channel.String
	s.SendTo = sendTo.String
	return &s, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM horoscope WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns rows in any of the given states, most recently failed or
// updated first.
func (r *PostgresRepo) List(ctx context.Context, statuses []Status, limit int) ([]Job, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := r.db.QueryContext(ctx, listQuery, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Requeue resets a failed or exhausted row so the orchestrator picks it up
// again. Rows that are sent or hold a live lease are left untouched.
func (r *PostgresRepo) Requeue(ctx context.Context, id string, now, leaseCutoff time.Time) error {
	var got string
	err := r.db.QueryRowContext(ctx, requeueQuery, id, now, leaseCutoff).Scan(&got)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM horoscope WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) == StatusSent {
		return ErrAlreadySent
	}
	return ErrLeased
}

func (r *PostgresRepo) CountByStatus(ctx context.Context, maxAttempts int) (Counts, error) {
	var c Counts
	err := r.db.QueryRowContext(ctx, countQuery, maxAttempts).Scan(&c.Queued, &c.Sent, &c.Failed, &c.Exhausted, &c.Leased)
	return c, err
}
