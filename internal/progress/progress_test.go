package progress

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCostAdder struct {
	jobID                                  string
	deltaCents, deltaActions, deltaTokens  int
	err                                    error
}

func (f *fakeCostAdder) AddCost(ctx context.Context, jobID string, deltaCents, deltaActions, deltaTokens int) error {
	f.jobID, f.deltaCents, f.deltaActions, f.deltaTokens = jobID, deltaCents, deltaActions, deltaTokens
	return f.err
}

func newTestRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock, *fakeCostAdder) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adder := &fakeCostAdder{}
	return New(sqlx.NewDb(db, "postgres"), adder), mock, adder
}

func TestRecordEvent_InsertsWithComputedSequence(t *testing.T) {
	rec, mock, _ := newTestRecorder(t)

	mock.ExpectExec(`INSERT INTO job_events`).
		WithArgs("job-1", "handler_started", "starting scrape", []byte(`{"step":1}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := rec.RecordEvent(context.Background(), "job-1", "handler_started", "starting scrape", []byte(`{"step":1}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEvent_NilMetadataDefaultsToEmptyObject(t *testing.T) {
	rec, mock, _ := newTestRecorder(t)

	mock.ExpectExec(`INSERT INTO job_events`).
		WithArgs("job-1", "heartbeat", "", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := rec.RecordEvent(context.Background(), "job-1", "heartbeat", "", nil)
	require.NoError(t, err)
}

func TestRecordCost_ForwardsToAdder(t *testing.T) {
	rec, _, adder := newTestRecorder(t)

	err := rec.RecordCost(context.Background(), "job-1", 150, 3, 900)
	require.NoError(t, err)
	assert.Equal(t, "job-1", adder.jobID)
	assert.Equal(t, 150, adder.deltaCents)
	assert.Equal(t, 3, adder.deltaActions)
	assert.Equal(t, 900, adder.deltaTokens)
}

func TestEvents_ReturnsInSequenceOrder(t *testing.T) {
	rec, mock, _ := newTestRecorder(t)

	rows := sqlmock.NewRows([]string{"job_id", "sequence", "event_type", "message", "metadata", "created_at"}).
		AddRow("job-1", int64(1), "handler_started", "", []byte(`{}`), time.Now()).
		AddRow("job-1", int64(2), "handler_finished", "", []byte(`{}`), time.Now())

	mock.ExpectQuery(`SELECT job_id, sequence, event_type, message, metadata, created_at`).
		WithArgs("job-1").WillReturnRows(rows)

	events, err := rec.Events(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)
}
