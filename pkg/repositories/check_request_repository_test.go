//go:build integration

package repositories

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akikaku/akikaku-engine/pkg/apperrors"
	"github.com/akikaku/akikaku-engine/pkg/models"
	"github.com/akikaku/akikaku-engine/pkg/testhelpers"
)

func ptr[T any](v T) *T { return &v }

func setupCheckRequestTest(t *testing.T) (CheckRequestRepository, *models.CheckRequest) {
	engineDB := testhelpers.GetEngineDB(t)
	engineDB.Truncate(t, "phone_tasks", "check_requests")

	repo := NewCheckRequestRepository(engineDB.DB)
	req := &models.CheckRequest{
		SubmittedURL: "https://suumo.jp/chintai/jnc_000000000001/",
		Portal:       models.PortalSuumo,
	}
	require.NoError(t, repo.Create(context.Background(), req))
	return repo, req
}

func TestCheckRequestRepository_CreateAndGet(t *testing.T) {
	repo, req := setupCheckRequestTest(t)

	got, err := repo.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckStatusPending, got.Status)
	assert.Equal(t, models.PortalSuumo, got.Portal)
	assert.Nil(t, got.Outcome)
	assert.Nil(t, got.CompletedAt)

	_, err = repo.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCheckRequestRepository_FullPipeline(t *testing.T) {
	repo, req := setupCheckRequestTest(t)
	ctx := context.Background()

	_, err := repo.Transition(ctx, req.ID, &models.CheckTransition{From: models.CheckStatusPending, To: models.CheckStatusParsing})
	require.NoError(t, err)

	got, err := repo.Transition(ctx, req.ID, &models.CheckTransition{
		From:    models.CheckStatusParsing,
		To:      models.CheckStatusMatching,
		Listing: &models.ListingAttributes{Name: "パークハイツ", Address: "東京都港区1-2-3", Rent: "109000円"},
	})
	require.NoError(t, err)
	assert.Equal(t, "パークハイツ", got.Name)

	_, err = repo.Transition(ctx, req.ID, &models.CheckTransition{
		From:        models.CheckStatusMatching,
		To:          models.CheckStatusChecking,
		Matched:     ptr(true),
		CompanyID:   ptr("sample-fudosan"),
		Channel:     ptr(models.ChannelItanji),
		ChannelAuto: ptr(true),
	})
	require.NoError(t, err)

	got, err = repo.Transition(ctx, req.ID, &models.CheckTransition{
		From:    models.CheckStatusChecking,
		To:      models.CheckStatusResolved,
		Outcome: ptr(models.OutcomeAvailable),
	})
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, models.OutcomeAvailable, *got.Outcome)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.ChannelAuto)
}

func TestCheckRequestRepository_CompletedIsImmutable(t *testing.T) {
	repo, req := setupCheckRequestTest(t)
	ctx := context.Background()

	_, err := repo.Transition(ctx, req.ID, &models.CheckTransition{
		From:         models.CheckStatusPending,
		To:           models.CheckStatusFailed,
		ErrorMessage: ptr("unsupported host"),
	})
	require.NoError(t, err)
	before, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)

	_, err = repo.Transition(ctx, req.ID, &models.CheckTransition{From: models.CheckStatusPending, To: models.CheckStatusParsing})
	assert.ErrorIs(t, err, apperrors.ErrCompletedImmutable)

	after, err := repo.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCheckRequestRepository_StaleFromStatusRejected(t *testing.T) {
	repo, req := setupCheckRequestTest(t)

	_, err := repo.Transition(context.Background(), req.ID, &models.CheckTransition{
		From: models.CheckStatusAwaitingChannel, To: models.CheckStatusChecking,
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestCheckRequestRepository_ConcurrentCASHasOneWinner(t *testing.T) {
	repo, req := setupCheckRequestTest(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Transition(ctx, req.ID, &models.CheckTransition{From: models.CheckStatusPending, To: models.CheckStatusParsing})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCheckRequestRepository_ListRecentNewestFirst(t *testing.T) {
	repo, first := setupCheckRequestTest(t)
	ctx := context.Background()

	second := &models.CheckRequest{SubmittedURL: "https://www.homes.co.jp/chintai/room/x/", Portal: models.PortalHomes}
	require.NoError(t, repo.Create(ctx, second))

	list, err := repo.ListRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)

	list, err = repo.ListRecent(ctx, 50)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestCheckRequestRepository_ListUnfinished(t *testing.T) {
	repo, pending := setupCheckRequestTest(t)
	ctx := context.Background()

	create := func(path ...models.CheckStatus) uuid.UUID {
		req := &models.CheckRequest{SubmittedURL: "https://suumo.jp/chintai/jnc_000000000002/", Portal: models.PortalSuumo}
		require.NoError(t, repo.Create(ctx, req))
		from := models.CheckStatusPending
		for _, to := range path {
			tr := &models.CheckTransition{From: from, To: to}
			if to == models.CheckStatusFailed {
				tr.ErrorMessage = ptr("boom")
			}
			_, err := repo.Transition(ctx, req.ID, tr)
			require.NoError(t, err)
			from = to
		}
		return req.ID
	}

	parsing := create(models.CheckStatusParsing)
	create(models.CheckStatusParsing, models.CheckStatusFailed)
	matching := create(models.CheckStatusParsing, models.CheckStatusMatching)
	create(models.CheckStatusParsing, models.CheckStatusMatching, models.CheckStatusAwaitingChannel)

	ids, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{pending.ID, parsing, matching}, ids)
}
