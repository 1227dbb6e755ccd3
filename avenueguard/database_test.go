package avenueguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDBUnsupportedType(t *testing.T) {
	t.Parallel()

	_, err := CreateDB(context.Background(), "mysql", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestCreateIfAbsent(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()

	claim := &WeeklyClaim{
		GuildID:   testGuildID,
		WeekStart: "2024-07-07",
		UserID:    "user1",
		Rank:      1,
		Status:    ClaimStatusPending,
	}
	created, err := ag.writeDB.CreateIfAbsent(ctx, claim)
	require.NoError(t, err)
	assert.True(t, created)

	// The unique (guild, week, user) key makes the second insert a no-op.
	duplicate := &WeeklyClaim{
		GuildID:   testGuildID,
		WeekStart: "2024-07-07",
		UserID:    "user1",
		Rank:      5,
		Status:    ClaimStatusDeclined,
	}
	created, err = ag.writeDB.CreateIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)

	var rows []WeeklyClaim
	require.NoError(t, ag.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, ClaimStatusPending, rows[0].Status)
}

func TestUpsert(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()

	_, err := ag.writeDB.Upsert(
		ctx,
		&StickyState{ChannelID: testChannelID, LastMessageID: "msg-1"},
		[]string{"channel_id"},
		[]string{columnStickyLastMessageID},
	)
	require.NoError(t, err)

	_, err = ag.writeDB.Upsert(
		ctx,
		&StickyState{ChannelID: testChannelID, LastMessageID: "msg-2"},
		[]string{"channel_id"},
		[]string{columnStickyLastMessageID},
	)
	require.NoError(t, err)

	var rows []StickyState
	require.NoError(t, ag.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "msg-2", rows[0].LastMessageID)
}

func TestDeleteWhere(t *testing.T) {
	t.Parallel()

	ag, _ := newTestBot(t)
	ctx := context.Background()

	for _, week := range []string{"2024-06-30", "2024-07-07"} {
		require.NoError(
			t,
			ag.db.Create(
				&WeeklyClaim{
					GuildID:   testGuildID,
					WeekStart: week,
					UserID:    "user1",
					Rank:      1,
					Status:    ClaimStatusDeclined,
				},
			).Error,
		)
	}

	deleted, err := ag.writeDB.DeleteWhere(
		ctx,
		&WeeklyClaim{},
		"week_start = ?",
		"2024-06-30",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Unscoped delete leaves no soft-deleted residue behind.
	var rows []WeeklyClaim
	require.NoError(t, ag.db.Unscoped().Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-07-07", rows[0].WeekStart)
}
