package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/netsession/internal/storage/postgres"
	"github.com/cory-johannsen/netsession/internal/testutil"
)

func uniqueSessionID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func openTestSession(t *testing.T, repo *postgres.SessionHistoryRepository) int64 {
	t.Helper()
	ref, err := repo.OpenSession(context.Background(), postgres.SessionRecord{
		SessionID:    uniqueSessionID("room"),
		LocalStation: "0x1",
		SessionType:  "PlayerMatch",
		IsHost:       true,
		MaxGamers:    4,
	})
	require.NoError(t, err)
	return ref
}

func TestSessionHistory_OpenAndClose(t *testing.T) {
	repo := postgres.NewSessionHistoryRepository(testutil.NewPool(t))
	ctx := context.Background()

	ref := openTestSession(t, repo)
	rec, err := repo.GetSession(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "PlayerMatch", rec.SessionType)
	assert.True(t, rec.IsHost)
	assert.Equal(t, 4, rec.MaxGamers)
	assert.Nil(t, rec.ClosedAt)
	assert.Empty(t, rec.EndReason)

	require.NoError(t, repo.CloseSession(ctx, ref, "HostEndedSession", time.Now()))
	require.NoError(t, repo.CloseSession(ctx, ref, "Disconnected", time.Now()))
	rec, err = repo.GetSession(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, rec.ClosedAt)
	assert.Equal(t, "HostEndedSession", rec.EndReason, "first close wins")

	assert.ErrorIs(t, repo.CloseSession(ctx, ref+1000, "x", time.Now()), postgres.ErrSessionNotFound)
	_, err = repo.GetSession(ctx, ref+1000)
	assert.ErrorIs(t, err, postgres.ErrSessionNotFound)
}

func TestSessionHistory_DuplicateOpen(t *testing.T) {
	repo := postgres.NewSessionHistoryRepository(testutil.NewPool(t))
	rec := postgres.SessionRecord{SessionID: uniqueSessionID("dup"), LocalStation: "0x2", SessionType: "SystemLink", MaxGamers: 2}
	_, err := repo.OpenSession(context.Background(), rec)
	require.NoError(t, err)
	_, err = repo.OpenSession(context.Background(), rec)
	assert.ErrorIs(t, err, postgres.ErrSessionExists)

	rec.LocalStation = "0x3"
	_, err = repo.OpenSession(context.Background(), rec)
	assert.NoError(t, err, "each station records its own view")
}

func TestSessionHistory_Participants(t *testing.T) {
	repo := postgres.NewSessionHistoryRepository(testutil.NewPool(t))
	ctx := context.Background()
	ref := openTestSession(t, repo)

	require.NoError(t, repo.RecordJoin(ctx, ref, postgres.Participant{Gamertag: "Alice+0x1", Station: "0x1", IsLocal: true}))
	require.NoError(t, repo.RecordJoin(ctx, ref, postgres.Participant{Gamertag: "Bob+0x2", Station: "0x2"}))
	require.NoError(t, repo.RecordLeave(ctx, ref, "Bob+0x2", time.Now()))
	assert.ErrorIs(t, repo.RecordLeave(ctx, ref, "Bob+0x2", time.Now()), postgres.ErrParticipantNotFound)

	ps, err := repo.Participants(ctx, ref)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "Alice+0x1", ps[0].Gamertag)
	assert.True(t, ps[0].IsLocal)
	assert.Nil(t, ps[0].LeftAt)
	assert.NotNil(t, ps[1].LeftAt)
}

func TestSessionHistory_EventsAndRecent(t *testing.T) {
	repo := postgres.NewSessionHistoryRepository(testutil.NewPool(t))
	ctx := context.Background()
	first := openTestSession(t, repo)
	second := openTestSession(t, repo)

	require.NoError(t, repo.RecordEvent(ctx, first, postgres.SessionEvent{Kind: "GameStarted"}))
	require.NoError(t, repo.RecordEvent(ctx, first, postgres.SessionEvent{Kind: "HostChanged", Detail: "Bob+0x2"}))
	evs, err := repo.Events(ctx, first)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "GameStarted", evs[0].Kind)
	assert.Equal(t, "Bob+0x2", evs[1].Detail)

	require.NoError(t, repo.SetHost(ctx, second, false))
	recent, err := repo.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second, recent[0].ID)
	assert.False(t, recent[0].IsHost)
}

// Property: every recorded event is read back in order.
func TestPropertySessionEventsOrdered(t *testing.T) {
	repo := postgres.NewSessionHistoryRepository(testutil.NewPool(t))
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		ref := openTestSession(t, repo)
		kinds := rapid.SliceOfN(rapid.SampledFrom([]string{"GameStarted", "GameEnded", "HostChanged"}), 1, 8).Draw(rt, "kinds")
		for _, k := range kinds {
			if err := repo.RecordEvent(ctx, ref, postgres.SessionEvent{Kind: k}); err != nil {
				rt.Fatal(err)
			}
		}
		evs, err := repo.Events(ctx, ref)
		if err != nil {
			rt.Fatal(err)
		}
		if len(evs) != len(kinds) {
			rt.Fatalf("got %d events, want %d", len(evs), len(kinds))
		}
		for i, ev := range evs {
			if ev.Kind != kinds[i] {
				rt.Fatalf("event %d: got %q, want %q", i, ev.Kind, kinds[i])
			}
		}
	})
}
