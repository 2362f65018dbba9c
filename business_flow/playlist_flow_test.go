package businessflow

import (
	"context"
	"sync"
	"testing"

	"github.com/citysign/citysign-backend/app/services"
	"github.com/citysign/citysign-backend/config"
	"github.com/citysign/citysign-backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlaylistFlow(yodeck *fakeYodeck, outbox *fakeOutbox) *PlaylistFlow {
	flow := NewPlaylistFlow(outbox, yodeck, services.NewRedisPlaylistCache(nil, config.CacheConfig{}), config.YodeckConfig{
		DefaultItemDuration: 15,
	})
	flow.sleep = noSleep
	return flow
}

// playlistBackend simulates remote playlists whose re-reads observe the
// last write.
type playlistBackend struct {
	mu    sync.Mutex
	lists map[int64][]services.PlaylistItem
}

func newPlaylistBackend(lists map[int64][]services.PlaylistItem) *playlistBackend {
	if lists == nil {
		lists = map[int64][]services.PlaylistItem{}
	}
	return &playlistBackend{lists: lists}
}

func (b *playlistBackend) items(id int64) []services.PlaylistItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]services.PlaylistItem{}, b.lists[id]...)
}

func (b *playlistBackend) wire(yodeck *fakeYodeck) {
	yodeck.getPlaylistFn = func(id int64) (*services.Playlist, int, error) {
		return &services.Playlist{ID: id, Items: b.items(id)}, 200, nil
	}
	yodeck.replacePlaylistItemsFn = func(id int64, items []services.PlaylistItem) (int, map[string]any, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.lists[id] = append([]services.PlaylistItem{}, items...)
		return 200, nil, nil
	}
}

func TestAddToPlaylist_SecondCallDoesNotMutateAgain(t *testing.T) {
	yodeck := newFakeYodeck()
	backend := newPlaylistBackend(map[int64][]services.PlaylistItem{7: {{MediaID: 11, Duration: 20}}})
	backend.wire(yodeck)
	flow := newTestPlaylistFlow(yodeck, newFakeOutbox())

	key := AddIdempotencyKey(7, 42)

	first, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.NoError(t, err)
	assert.Equal(t, TargetAdded, first.Outcome)
	assert.Equal(t, 2, first.VerifiedItemCount)
	assert.Equal(t, 1, yodeck.callCount("ReplacePlaylistItems"))

	second, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.NoError(t, err)
	assert.Equal(t, TargetAlreadyPresent, second.Outcome)
	assert.Equal(t, 2, second.VerifiedItemCount)
	// Exactly one remote mutation across both calls.
	assert.Equal(t, 1, yodeck.callCount("ReplacePlaylistItems"))
}

func TestAddToPlaylist_PreservesExistingOrderAndAppends(t *testing.T) {
	yodeck := newFakeYodeck()
	backend := newPlaylistBackend(map[int64][]services.PlaylistItem{3: {{MediaID: 1}, {MediaID: 2}}})
	backend.wire(yodeck)
	flow := newTestPlaylistFlow(yodeck, newFakeOutbox())

	_, err := flow.AddToPlaylist(context.Background(), 3, 99, 30, AddIdempotencyKey(3, 99))
	require.NoError(t, err)

	items := backend.items(3)
	require.Len(t, items, 3)
	assert.Equal(t, int64(1), items[0].MediaID)
	assert.Equal(t, int64(2), items[1].MediaID)
	assert.Equal(t, int64(99), items[2].MediaID)
	assert.Equal(t, 30, items[2].Duration)
}

func TestAddToPlaylist_AlreadyPresentSkipsWrite(t *testing.T) {
	yodeck := newFakeYodeck()
	backend := newPlaylistBackend(map[int64][]services.PlaylistItem{7: {{MediaID: 42}}})
	backend.wire(yodeck)
	flow := newTestPlaylistFlow(yodeck, newFakeOutbox())

	result, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, AddIdempotencyKey(7, 42))
	require.NoError(t, err)
	assert.Equal(t, TargetAlreadyPresent, result.Outcome)
	assert.Equal(t, 0, yodeck.callCount("ReplacePlaylistItems"))
}

func TestAddToPlaylist_ProcessingEntryRefusesToRace(t *testing.T) {
	yodeck := newFakeYodeck()
	outbox := newFakeOutbox()
	backend := newPlaylistBackend(nil)
	backend.wire(yodeck)
	flow := newTestPlaylistFlow(yodeck, outbox)

	key := AddIdempotencyKey(7, 42)
	_, _, err := outbox.Claim(context.Background(), &models.OutboxEntry{
		IdempotencyKey: key,
		Action:         models.OutboxActionPlaylistAdd,
	})
	require.NoError(t, err)

	result, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.Error(t, err)
	assert.True(t, IsPublishInProgress(err))
	assert.Equal(t, TargetInProgress, result.Outcome)
	assert.Equal(t, 0, yodeck.callCount("GetPlaylist"))
}

func TestAddToPlaylist_WriteAcceptedButNotObservableFails(t *testing.T) {
	yodeck := newFakeYodeck()
	outbox := newFakeOutbox()
	// Write reports success but the re-read never shows the item.
	yodeck.getPlaylistFn = func(id int64) (*services.Playlist, int, error) {
		return &services.Playlist{ID: id}, 200, nil
	}
	yodeck.replacePlaylistItemsFn = func(id int64, items []services.PlaylistItem) (int, map[string]any, error) {
		return 200, nil, nil
	}
	flow := newTestPlaylistFlow(yodeck, outbox)

	key := AddIdempotencyKey(7, 42)
	result, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.Error(t, err)
	assert.Equal(t, TargetFailed, result.Outcome)
	assert.Equal(t, CodeUploadOKNotInList, ErrorCodeOf(err))

	entry, err := outbox.ByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.OutboxFailed, entry.Status)
}

func TestAddToPlaylist_RetryAfterTransientWriteFailureReclaimsKey(t *testing.T) {
	yodeck := newFakeYodeck()
	outbox := newFakeOutbox()
	backend := newPlaylistBackend(nil)
	backend.wire(yodeck)
	// The first write bounces off a 503, the backend then recovers.
	healthy := yodeck.replacePlaylistItemsFn
	failOnce := true
	yodeck.replacePlaylistItemsFn = func(id int64, items []services.PlaylistItem) (int, map[string]any, error) {
		if failOnce {
			failOnce = false
			return 503, nil, nil
		}
		return healthy(id, items)
	}
	flow := newTestPlaylistFlow(yodeck, outbox)

	key := AddIdempotencyKey(7, 42)
	result, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.Error(t, err)
	assert.Equal(t, TargetFailed, result.Outcome)
	assert.Equal(t, CodePlaylistWriteFailed, ErrorCodeOf(err))

	entry, err := outbox.ByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.OutboxFailed, entry.Status)

	// A retry for the same pair derives the same key and must re-run the
	// remote steps, not bounce off the failed row.
	reports := flow.PublishToTargets(context.Background(), 42, []PublishTarget{{PlaylistID: 7}})
	require.Len(t, reports, 1)
	assert.Equal(t, TargetAdded, reports[0].Outcome)
	assert.Equal(t, 2, yodeck.callCount("ReplacePlaylistItems"))

	entry, err = outbox.ByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.OutboxSucceeded, entry.Status)
	assert.Equal(t, 2, entry.Attempts)
}

func TestAddToPlaylist_RetryAfterStaleVerifyObservesConvergedList(t *testing.T) {
	yodeck := newFakeYodeck()
	outbox := newFakeOutbox()
	backend := newPlaylistBackend(nil)
	backend.wire(yodeck)
	// Writes land in the backend but re-reads lag behind until the
	// backend converges.
	converged := yodeck.getPlaylistFn
	stale := true
	yodeck.getPlaylistFn = func(id int64) (*services.Playlist, int, error) {
		if stale {
			return &services.Playlist{ID: id}, 200, nil
		}
		return converged(id)
	}
	flow := newTestPlaylistFlow(yodeck, outbox)

	key := AddIdempotencyKey(7, 42)
	result, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.Error(t, err)
	assert.Equal(t, TargetFailed, result.Outcome)
	assert.Equal(t, CodeUploadOKNotInList, ErrorCodeOf(err))
	assert.Equal(t, 1, yodeck.callCount("ReplacePlaylistItems"))

	stale = false
	retry, err := flow.AddToPlaylist(context.Background(), 7, 42, 0, key)
	require.NoError(t, err)
	// The first write did land, so the retry's presence check settles the
	// key without mutating again.
	assert.Equal(t, TargetAlreadyPresent, retry.Outcome)
	assert.Equal(t, 1, yodeck.callCount("ReplacePlaylistItems"))

	entry, err := outbox.ByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.OutboxSucceeded, entry.Status)
}

func TestRemoveFromPlaylist_AbsentItemIsNoOpTwice(t *testing.T) {
	yodeck := newFakeYodeck()
	backend := newPlaylistBackend(map[int64][]services.PlaylistItem{7: {{MediaID: 1}}})
	backend.wire(yodeck)
	flow := newTestPlaylistFlow(yodeck, newFakeOutbox())

	require.NoError(t, flow.RemoveFromPlaylist(context.Background(), 7, 42))
	require.NoError(t, flow.RemoveFromPlaylist(context.Background(), 7, 42))
	assert.Equal(t, 0, yodeck.callCount("ReplacePlaylistItems"))
}

func TestRemoveFromPlaylist_RemovesOnlyTheTarget(t *testing.T) {
	yodeck := newFakeYodeck()
	backend := newPlaylistBackend(map[int64][]services.PlaylistItem{7: {{MediaID: 1}, {MediaID: 42}, {MediaID: 3}}})
	backend.wire(yodeck)
	flow := newTestPlaylistFlow(yodeck, newFakeOutbox())

	require.NoError(t, flow.RemoveFromPlaylist(context.Background(), 7, 42))
	items := backend.items(7)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].MediaID)
	assert.Equal(t, int64(3), items[1].MediaID)
}

func TestPublishToTargets_OneFailureDoesNotStopFanOut(t *testing.T) {
	yodeck := newFakeYodeck()
	backend := newPlaylistBackend(nil)
	backend.wire(yodeck)
	// Playlist 2 does not exist.
	base := yodeck.getPlaylistFn
	yodeck.getPlaylistFn = func(id int64) (*services.Playlist, int, error) {
		if id == 2 {
			return nil, 404, nil
		}
		return base(id)
	}
	flow := newTestPlaylistFlow(yodeck, newFakeOutbox())

	reports := flow.PublishToTargets(context.Background(), 42, []PublishTarget{
		{PlaylistID: 1}, {PlaylistID: 2}, {PlaylistID: 3},
	})
	require.Len(t, reports, 3)
	assert.Equal(t, TargetAdded, reports[0].Outcome)
	assert.Equal(t, TargetFailed, reports[1].Outcome)
	assert.Equal(t, CodePlaylistNotFound, reports[1].ErrorCode)
	assert.Equal(t, TargetAdded, reports[2].Outcome)
}
