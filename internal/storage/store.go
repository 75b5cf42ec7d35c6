package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// CreateJob persists job metadata (source of truth) in queued state.
func (s *Store) CreateJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(
id, lane, handler, args, status, enqueued_at
) values ($1,$2,$3,$4,'queued',$5)`,
		j.ID, string(j.Lane), j.Handler, j.Args, j.EnqueuedAt,
	)
	return errors.Wrapf(err, "insert job %s", j.ID)
}

func (s *Store) SetStatus(ctx context.Context, id string, to domain.Status, at time.Time, jobErr *domain.JobError) error {
	var kind, msg *string
	if jobErr != nil {
		kind, msg = &jobErr.Kind, &jobErr.Message
	}
	from := make([]string, 0, 1)
	for _, p := range domain.Predecessors(to) {
		from = append(from, string(p))
	}

	tag, err := s.db.Exec(ctx, `update jobs
   set status = $2,
       started_at = case when $2 = 'processing' then coalesce(started_at, $3) else started_at end,
       finished_at = case when $2 in ('completed', 'failed') then coalesce(finished_at, $3) else finished_at end,
       error_kind = $4,
       error_message = $5
 where id = $1 and status = any($6)`,
		id, string(to), at, kind, msg, from)
	if err != nil {
		return errors.Wrapf(err, "update job %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `select status from jobs where id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "read job %s", id)
	}
	return resolveNoop(domain.Status(current), to)
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var (
		j         domain.Job
		lane      string
		status    string
		kind, msg *string
	)
	err := s.db.QueryRow(ctx, `select id, lane, handler, args, status, enqueued_at, started_at, finished_at,
       error_kind, error_message
  from jobs where id = $1`, id).Scan(
		&j.ID, &lane, &j.Handler, &j.Args, &status, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt, &kind, &msg,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	j.Lane, j.Status = domain.Lane(lane), domain.Status(status)
	if kind != nil || msg != nil {
		j.Error = &domain.JobError{}
		if kind != nil {
			j.Error.Kind = *kind
		}
		if msg != nil {
			j.Error.Message = *msg
		}
	}
	return &j, nil
}

func (s *Store) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from jobs
 where status in ('completed', 'failed') and finished_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "purge jobs")
	}
	return tag.RowsAffected(), nil
}

func (s *Store) NextTokenVersion(ctx context.Context, purchaseID, fileRef string, expiresAt time.Time, maxAttempts int) (int64, error) {
	var version int64
	err := s.db.QueryRow(ctx, `insert into purchases(
id, file_ref, token_version, token_expires_at, download_attempts, max_download_attempts, updated_at
) values ($1,$2,1,$3,0,$4,now())
on conflict (id) do update
   set file_ref = excluded.file_ref,
       token_version = purchases.token_version + 1,
       download_token = null,
       token_expires_at = excluded.token_expires_at,
       download_attempts = 0,
       max_download_attempts = excluded.max_download_attempts,
       updated_at = now()
returning token_version`, purchaseID, fileRef, expiresAt, maxAttempts).Scan(&version)
	return version, errors.Wrapf(err, "rotate token for purchase %s", purchaseID)
}

func (s *Store) SaveToken(ctx context.Context, purchaseID string, version int64, token string) error {
	tag, err := s.db.Exec(ctx, `update purchases set download_token = $3, updated_at = now()
 where id = $1 and token_version = $2`, purchaseID, version, token)
	if err != nil {
		return errors.Wrapf(err, "save token for purchase %s", purchaseID)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidToken
	}
	return nil
}

// ConsumeAttempt is a single conditional update; concurrent validations of
// the same token can never push download_attempts past the limit.
func (s *Store) ConsumeAttempt(ctx context.Context, purchaseID string, version int64) (TokenState, error) {
	st := TokenState{PurchaseID: purchaseID, Version: version}
	var token *string
	err := s.db.QueryRow(ctx, `update purchases
   set download_attempts = download_attempts + 1, updated_at = now()
 where id = $1 and token_version = $2 and download_attempts < max_download_attempts
returning file_ref, download_token, token_expires_at, download_attempts, max_download_attempts`,
		purchaseID, version).Scan(&st.FileRef, &token, &st.ExpiresAt, &st.AttemptsUsed, &st.MaxAttempts)
	if err == nil {
		if token != nil {
			st.Token = *token
		}
		return st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return TokenState{}, errors.Wrapf(err, "consume attempt for purchase %s", purchaseID)
	}

	cur, err := s.GetTokenState(ctx, purchaseID)
	if err != nil {
		return TokenState{}, err
	}
	if cur.Version != version {
		return cur, domain.ErrInvalidToken
	}
	return cur, domain.ErrAttemptsExceeded
}

func (s *Store) GetTokenState(ctx context.Context, purchaseID string) (TokenState, error) {
	st := TokenState{PurchaseID: purchaseID}
	var token *string
	err := s.db.QueryRow(ctx, `select file_ref, download_token, token_version, token_expires_at,
       download_attempts, max_download_attempts
  from purchases where id = $1`, purchaseID).Scan(
		&st.FileRef, &token, &st.Version, &st.ExpiresAt, &st.AttemptsUsed, &st.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return TokenState{}, domain.ErrPurchaseNotFound
	}
	if err != nil {
		return TokenState{}, errors.Wrapf(err, "get purchase %s", purchaseID)
	}
	if token != nil {
		st.Token = *token
	}
	return st, nil
}

func (s *Store) CreateRender(ctx context.Context, renderID, purchaseID string) error {
	_, err := s.db.Exec(ctx, `insert into renders(id, purchase_id, status) values ($1,$2,'queued')
on conflict (id) do update
   set status = 'queued', error_message = null, updated_at = now()
 where renders.status = 'failed'`, renderID, purchaseID)
	return errors.Wrapf(err, "insert render %s", renderID)
}

func (s *Store) GetRender(ctx context.Context, renderID string) (Render, error) {
	r := Render{ID: renderID}
	var status string
	var ref *string
	err := s.db.QueryRow(ctx, `select purchase_id, status, error_message, object_ref
  from renders where id = $1`, renderID).Scan(&r.PurchaseID, &status, &r.Error, &ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return Render{}, errors.Wrapf(domain.ErrRenderNotFound, "render %s", renderID)
	}
	if err != nil {
		return Render{}, errors.Wrapf(err, "get render %s", renderID)
	}
	r.Status = domain.Status(status)
	if ref != nil {
		r.ObjectRef = *ref
	}
	return r, nil
}

func (s *Store) CompleteRender(ctx context.Context, renderID, objectRef string) error {
	tag, err := s.db.Exec(ctx, `update renders
   set status = 'completed', object_ref = $2, error_message = null, updated_at = now()
 where id = $1 and status not in ('completed', 'failed')`, renderID, objectRef)
	if err != nil {
		return errors.Wrapf(err, "complete render %s", renderID)
	}
	if tag.RowsAffected() == 0 {
		r, err := s.GetRender(ctx, renderID)
		if err != nil {
			return err
		}
		if r.Status != domain.Completed {
			return errors.Wrapf(domain.ErrInvalidTransition, "render %s is %s", renderID, r.Status)
		}
	}
	return nil
}

func (s *Store) UpdateRenderStatus(ctx context.Context, renderID string, status domain.Status, errMsg *string) error {
	tag, err := s.db.Exec(ctx, `update renders
   set status = $2, error_message = $3, updated_at = now()
 where id = $1 and status not in ('completed', 'failed')`, renderID, string(status), errMsg)
	if err != nil {
		return errors.Wrapf(err, "update render %s", renderID)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.db.QueryRow(ctx, `select status from renders where id = $1`, renderID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(domain.ErrRenderNotFound, "render %s", renderID)
		}
		if err != nil {
			return errors.Wrapf(err, "read render %s", renderID)
		}
		if domain.Status(current) != status {
			return errors.Wrapf(domain.ErrInvalidTransition, "render %s is %s", renderID, current)
		}
	}
	return nil
}

func (s *Store) InsertHealthSnapshots(ctx context.Context, snaps []HealthSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range snaps {
		batch.Queue(`insert into service_health(
service, state, failure_count, last_failure_at, healthy, collected_at
) values ($1,$2,$3,$4,$5,$6)`, h.Service, h.State, h.FailureCount, h.LastFailureAt, h.Healthy, h.CollectedAt)
	}
	return errors.Wrap(s.db.SendBatch(ctx, batch).Close(), "insert health snapshots")
}

func (s *Store) PurgeHealthSnapshots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from service_health where collected_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "purge health snapshots")
	}
	return tag.RowsAffected(), nil
}
