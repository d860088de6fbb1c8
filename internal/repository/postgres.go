package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	pkgerrors "github.com/ronhanson/jobmanager-agent/internal/pkg/errors"
	"github.com/ronhanson/jobmanager-agent/internal/pkg/pointers"
)

// postgresRepository implements Repository over a GORM Postgres handle. The
// atomic claim is the same SELECT ... FOR UPDATE SKIP LOCKED + guarded
// UPDATE pattern the rest of this codebase's job tables use, narrowed to the
// spec's Job/Host shape.
type postgresRepository struct {
	db  *gorm.DB
	log *logging.Logger
}

// NewPostgres wires a Repository against an already-connected GORM handle.
func NewPostgres(db *gorm.DB, baseLog *logging.Logger) Repository {
	return &postgresRepository{db: db, log: baseLog.With("component", "Repository")}
}

func (r *postgresRepository) ClaimOne(ctx context.Context, eligibleTypes []string, hostname string) (*jobdomain.Job, error) {
	if len(eligibleTypes) == 0 {
		// §9: an empty eligible-types filter means the caller has no free
		// slots at all; there is nothing to claim, and issuing a query that
		// matches every type would be actively wrong.
		return nil, pkgerrors.ErrNoEligibleTypes
	}

	now := time.Now().UTC()
	var claimed *jobdomain.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job jobdomain.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND type IN ?", jobdomain.StatusPending, eligibleTypes).
			Order("created ASC, id ASC")
		findErr := q.First(&job).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if findErr != nil {
			return findErr
		}

		res := tx.Model(&jobdomain.Job{}).
			Where("id = ? AND status = ?", job.ID, jobdomain.StatusPending).
			Updates(map[string]interface{}{
				"status":   jobdomain.StatusRunning,
				"hostname": hostname,
				"started":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Raced by another claimant between SELECT and UPDATE (should be
			// prevented by SKIP LOCKED, but the second guard costs nothing).
			return nil
		}

		job.Status = jobdomain.StatusRunning
		job.Hostname = hostname
		job.Started = pointers.Ptr(now)
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, classifyClaimErr(err)
	}
	return claimed, nil
}

// classifyClaimErr wraps a query/transaction failure as either transient
// (worth retrying next tick) or a permanent schema problem (worth failing
// the agent loudly over), per the sentinel errors' contract. The heuristic
// keys off Postgres's undefined-table/undefined-column SQLSTATEs, which
// only ever show up on a genuinely broken schema, not a transient outage.
func classifyClaimErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLSTATE 42P01") || strings.Contains(msg, "SQLSTATE 42703") ||
		strings.Contains(msg, "does not exist") {
		return fmt.Errorf("%w: %v", pkgerrors.ErrPermanentSchema, err)
	}
	return fmt.Errorf("%w: %v", pkgerrors.ErrTransient, err)
}

func (r *postgresRepository) Reload(ctx context.Context, id uuid.UUID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *postgresRepository) Save(ctx context.Context, job *jobdomain.Job) error {
	return r.db.WithContext(ctx).Save(job).Error
}

func (r *postgresRepository) Insert(ctx context.Context, job *jobdomain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *postgresRepository) UpdateStatusUnlessTerminal(ctx context.Context, id uuid.UUID, status jobdomain.Status, fields map[string]interface{}) (bool, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["status"] = status

	res := r.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("id = ? AND status NOT IN ?", id, []jobdomain.Status{jobdomain.StatusSuccess, jobdomain.StatusError}).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *postgresRepository) AppendHistory(ctx context.Context, event *jobdomain.HistoryEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *postgresRepository) RunningOlderThan(ctx context.Context, cutoff time.Time) ([]*jobdomain.Job, error) {
	var jobs []*jobdomain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND started IS NOT NULL AND started < ?", jobdomain.StatusRunning, cutoff).
		Find(&jobs).Error
	return jobs, err
}

func (r *postgresRepository) UpsertHostStatus(ctx context.Context, host *jobdomain.Host) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hostname"}},
		DoUpdates: clause.AssignmentColumns([]string{"job_slots", "last_status_time", "status_payload"}),
	}).Create(host).Error
}
