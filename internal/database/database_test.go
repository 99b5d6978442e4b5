package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailwatch/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func failure(messageID, account string, uid uint32, errMsg string, at time.Time) *models.DeadLetter {
	return &models.DeadLetter{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		AccountName: account,
		Folder:      "INBOX",
		UID:         uid,
		Error:       errMsg,
		CreatedAt:   at,
	}
}

func TestUpsertDeadLetterKeepsOneUnresolvedRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first, err := db.UpsertDeadLetter(ctx, failure("msg-1", "acct-1", 42, "timeout", now))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "pending", first.RetryStatus)

	_, err = db.UpsertDeadLetter(ctx, failure("msg-1", "acct-1", 43, "refused", now))
	require.NoError(t, err)
	third, err := db.UpsertDeadLetter(ctx, failure("msg-1", "acct-1", 44, "timeout", now))
	require.NoError(t, err)

	assert.Equal(t, first.ID, third.ID)
	assert.Equal(t, 3, third.Attempts)
	assert.Equal(t, "timeout", third.Error)
	assert.Equal(t, uint32(44), third.UID)

	all, err := db.ListDeadLetters(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Same message on another account is a separate entry
	other, err := db.UpsertDeadLetter(ctx, failure("msg-1", "acct-2", 1, "x", now))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestUpsertAfterResolveCreatesNewEntry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first, err := db.UpsertDeadLetter(ctx, failure("msg-1", "acct-1", 1, "boom", now))
	require.NoError(t, err)
	require.NoError(t, db.ResolveDeadLetter(ctx, first.ID, "success", now))

	second, err := db.UpsertDeadLetter(ctx, failure("msg-1", "acct-1", 1, "boom again", now))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Attempts)

	resolved, err := db.GetDeadLetter(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", resolved.RetryStatus)
	assert.Equal(t, "boom", resolved.Error)
}

func TestDueDeadLettersOrdering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	a, err := db.UpsertDeadLetter(ctx, failure("a", "acct", 1, "e", now))
	require.NoError(t, err)
	b, err := db.UpsertDeadLetter(ctx, failure("b", "acct", 2, "e", now))
	require.NoError(t, err)
	c, err := db.UpsertDeadLetter(ctx, failure("c", "acct", 3, "e", now))
	require.NoError(t, err)
	d, err := db.UpsertDeadLetter(ctx, failure("d", "acct", 4, "e", now))
	require.NoError(t, err)

	require.NoError(t, db.RescheduleDeadLetter(ctx, a.ID, now.Add(-time.Minute), ""))
	require.NoError(t, db.RescheduleDeadLetter(ctx, b.ID, now.Add(-2*time.Minute), ""))
	require.NoError(t, db.RescheduleDeadLetter(ctx, c.ID, now.Add(time.Hour), ""))
	// d stays with a NULL next_retry_at

	due, err := db.DueDeadLetters(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, d.ID, due[0].ID)
	assert.Equal(t, b.ID, due[1].ID)
	assert.Equal(t, a.ID, due[2].ID)

	require.NoError(t, db.MarkDeadLetterRetrying(ctx, d.ID, now))
	due, err = db.DueDeadLetters(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestRescheduleCountsAttempt(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	dl, err := db.UpsertDeadLetter(ctx, failure("m", "acct", 1, "first", now))
	require.NoError(t, err)

	require.NoError(t, db.MarkDeadLetterRetrying(ctx, dl.ID, now))
	require.NoError(t, db.RescheduleDeadLetter(ctx, dl.ID, now.Add(time.Minute), "second"))

	got, err := db.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "second", got.Error)
	assert.Equal(t, "pending", got.RetryStatus)
	require.NotNil(t, got.NextRetryAt)
	require.NotNil(t, got.LastRetryAt)

	require.NoError(t, db.RescheduleDeadLetter(ctx, dl.ID, now.Add(time.Minute), ""))
	got, err = db.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Error)
}

func TestResolvedEntriesAreImmutable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	dl, err := db.UpsertDeadLetter(ctx, failure("m", "acct", 1, "e", now))
	require.NoError(t, err)
	require.NoError(t, db.ResolveDeadLetter(ctx, dl.ID, "exhausted", now))

	assert.ErrorIs(t, db.MarkDeadLetterRetrying(ctx, dl.ID, now), ErrResolved)
	assert.ErrorIs(t, db.RescheduleDeadLetter(ctx, dl.ID, now, "x"), ErrResolved)
	assert.ErrorIs(t, db.ResolveDeadLetter(ctx, dl.ID, "success", now), ErrResolved)

	got, err := db.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, "exhausted", got.RetryStatus)
	require.NotNil(t, got.ResolvedAt)

	assert.ErrorIs(t, db.MarkDeadLetterRetrying(ctx, "missing", now), ErrNotFound)
}

func TestDeleteDeadLettersOlderThan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	old, err := db.UpsertDeadLetter(ctx, failure("old", "acct", 1, "e", now.Add(-48*time.Hour)))
	require.NoError(t, err)
	oldResolved, err := db.UpsertDeadLetter(ctx, failure("old2", "acct", 2, "e", now.Add(-48*time.Hour)))
	require.NoError(t, err)
	require.NoError(t, db.ResolveDeadLetter(ctx, oldResolved.ID, "skipped", now))
	fresh, err := db.UpsertDeadLetter(ctx, failure("fresh", "acct", 3, "e", now))
	require.NoError(t, err)

	n, err := db.DeleteDeadLettersOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = db.GetDeadLetter(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetDeadLetter(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestListAndCountDeadLetters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	a, err := db.UpsertDeadLetter(ctx, failure("a", "acct-1", 1, "e", now))
	require.NoError(t, err)
	_, err = db.UpsertDeadLetter(ctx, failure("b", "acct-1", 2, "e", now))
	require.NoError(t, err)
	_, err = db.UpsertDeadLetter(ctx, failure("c", "acct-2", 3, "e", now))
	require.NoError(t, err)
	require.NoError(t, db.ResolveDeadLetter(ctx, a.ID, "skipped", now))

	list, err := db.ListDeadLetters(ctx, DeadLetterFilter{AccountName: "acct-1", UnresolvedOnly: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = db.ListDeadLetters(ctx, DeadLetterFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	counts, err := db.CountDeadLettersByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["pending"])
	assert.Equal(t, 1, counts["skipped"])

	require.NoError(t, db.DeleteDeadLetter(ctx, a.ID))
	assert.ErrorIs(t, db.DeleteDeadLetter(ctx, a.ID), ErrNotFound)
}

func TestProcessedMessageLedger(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	msg := &models.ProcessedMessage{AccountName: "acct", Folder: "INBOX", UID: 7, MessageID: "<x@y>"}
	require.NoError(t, db.CreateProcessedMessage(ctx, msg))
	assert.NotZero(t, msg.ID)

	dup := &models.ProcessedMessage{AccountName: "acct", Folder: "INBOX", UID: 7}
	assert.ErrorIs(t, db.CreateProcessedMessage(ctx, dup), ErrAlreadyExists)

	ok, err := db.IsMessageProcessed(ctx, "acct", "INBOX", 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.IsMessageProcessed(ctx, "acct", "Archive", 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestDeadLetterForUID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	_, err := db.LatestDeadLetterForUID(ctx, "acct-1", "INBOX", 7)
	assert.ErrorIs(t, err, ErrNotFound)

	old, err := db.UpsertDeadLetter(ctx, failure("msg-7", "acct-1", 7, "timeout", now.Add(-time.Hour)))
	require.NoError(t, err)
	require.NoError(t, db.ResolveDeadLetter(ctx, old.ID, "skipped", now))
	fresh, err := db.UpsertDeadLetter(ctx, failure("msg-7", "acct-1", 7, "refused", now))
	require.NoError(t, err)
	_, err = db.UpsertDeadLetter(ctx, failure("msg-8", "acct-2", 7, "timeout", now))
	require.NoError(t, err)

	got, err := db.LatestDeadLetterForUID(ctx, "acct-1", "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
	assert.Equal(t, "pending", got.RetryStatus)
}
