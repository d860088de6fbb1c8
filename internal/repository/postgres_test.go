package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ronhanson/jobmanager-agent/internal/jobdomain"
	"github.com/ronhanson/jobmanager-agent/internal/logging"
	pkgerrors "github.com/ronhanson/jobmanager-agent/internal/pkg/errors"
	"github.com/ronhanson/jobmanager-agent/internal/repository/testutil"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("test")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return l
}

func TestClaimOneOrdersByCreatedAscending(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewPostgres(tx, testLogger(t))

	now := time.Now().UTC()
	older := &jobdomain.Job{
		ID:      uuid.New(),
		Type:    "encode",
		Status:  jobdomain.StatusPending,
		Timeout: 60,
		TTL:     1,
		Payload: datatypes.JSON([]byte("{}")),
		Created: now.Add(-2 * time.Hour),
	}
	newer := &jobdomain.Job{
		ID:      uuid.New(),
		Type:    "encode",
		Status:  jobdomain.StatusPending,
		Timeout: 60,
		TTL:     1,
		Payload: datatypes.JSON([]byte("{}")),
		Created: now.Add(-1 * time.Hour),
	}
	if err := repo.Insert(ctx, older); err != nil {
		t.Fatalf("insert older: %v", err)
	}
	if err := repo.Insert(ctx, newer); err != nil {
		t.Fatalf("insert newer: %v", err)
	}

	first, err := repo.ClaimOne(ctx, []string{"encode"}, "host-a")
	if err != nil {
		t.Fatalf("ClaimOne #1: %v", err)
	}
	if first == nil || first.ID != older.ID {
		t.Fatalf("ClaimOne #1 = %v, want oldest job %v", first, older.ID)
	}
	if first.Status != jobdomain.StatusRunning || first.Hostname != "host-a" {
		t.Fatalf("claimed job not transitioned: %+v", first)
	}

	second, err := repo.ClaimOne(ctx, []string{"encode"}, "host-a")
	if err != nil {
		t.Fatalf("ClaimOne #2: %v", err)
	}
	if second == nil || second.ID != newer.ID {
		t.Fatalf("ClaimOne #2 = %v, want %v", second, newer.ID)
	}

	third, err := repo.ClaimOne(ctx, []string{"encode"}, "host-a")
	if err != nil {
		t.Fatalf("ClaimOne #3: %v", err)
	}
	if third != nil {
		t.Fatalf("ClaimOne #3 = %v, want nil (queue exhausted)", third)
	}
}

func TestClaimOneWithEmptyEligibleTypesReturnsSentinelWithoutQuery(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewPostgres(tx, testLogger(t))

	job, err := repo.ClaimOne(context.Background(), nil, "host-a")
	if !errors.Is(err, pkgerrors.ErrNoEligibleTypes) {
		t.Fatalf("ClaimOne with empty eligible types err = %v, want ErrNoEligibleTypes", err)
	}
	if job != nil {
		t.Fatalf("ClaimOne with empty eligible types = %v, want nil", job)
	}
}

func TestClaimOneClassifiesPermanentSchemaError(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewPostgres(tx, testLogger(t))

	if err := tx.Exec("DROP TABLE jobs").Error; err != nil {
		t.Fatalf("dropping jobs table: %v", err)
	}

	_, err := repo.ClaimOne(context.Background(), []string{"encode"}, "host-a")
	if !errors.Is(err, pkgerrors.ErrPermanentSchema) {
		t.Fatalf("ClaimOne after dropping table err = %v, want ErrPermanentSchema", err)
	}
}

func TestUpdateStatusUnlessTerminalDoesNotOverwriteTerminalStatus(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewPostgres(tx, testLogger(t))

	job := &jobdomain.Job{
		ID:      uuid.New(),
		Type:    "encode",
		Status:  jobdomain.StatusSuccess,
		Timeout: 60,
		TTL:     1,
		Payload: datatypes.JSON([]byte("{}")),
	}
	if err := repo.Insert(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	applied, err := repo.UpdateStatusUnlessTerminal(ctx, job.ID, jobdomain.StatusError, map[string]interface{}{
		"status_text": "late failure callback",
	})
	if err != nil {
		t.Fatalf("UpdateStatusUnlessTerminal: %v", err)
	}
	if applied {
		t.Fatal("UpdateStatusUnlessTerminal should not apply over an already-terminal job")
	}

	reloaded, err := repo.Reload(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != jobdomain.StatusSuccess {
		t.Fatalf("status = %v, want unchanged success", reloaded.Status)
	}
}

func TestRunningOlderThanFindsStaleJobs(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	repo := NewPostgres(tx, testLogger(t))

	startedLongAgo := time.Now().UTC().Add(-2 * time.Hour)
	stale := &jobdomain.Job{
		ID:      uuid.New(),
		Type:    "encode",
		Status:  jobdomain.StatusRunning,
		Timeout: 60,
		TTL:     1,
		Payload: datatypes.JSON([]byte("{}")),
		Started: &startedLongAgo,
	}
	if err := repo.Insert(ctx, stale); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := repo.RunningOlderThan(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RunningOlderThan: %v", err)
	}
	if len(results) != 1 || results[0].ID != stale.ID {
		t.Fatalf("RunningOlderThan = %v, want [%v]", results, stale.ID)
	}
}
