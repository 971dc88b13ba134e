package query_test

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/query"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_LogsOnlySlowQueries(t *testing.T) {
	logger, hook := test.NewNullLogger()
	g := query.NewGuard(observability.FromLogrus(logger), observability.NewMetrics(), 100*time.Millisecond, 0)

	now := time.Now()
	g.SetClock(func() time.Time { return now })

	timer := g.Start("SELECT 1", "admin")
	now = now.Add(50 * time.Millisecond)
	timer.Done(1, nil)
	assert.Empty(t, hook.AllEntries())

	timer = g.Start(strings.Repeat("x", 300), "admin")
	now = now.Add(250 * time.Millisecond)
	elapsed := timer.Done(7, map[string]interface{}{"event_id": "e1"})
	assert.Equal(t, 250*time.Millisecond, elapsed)

	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "slow query", entry.Message)
	assert.Len(t, entry.Data["query"], 200)
	assert.EqualValues(t, 250, entry.Data["duration_ms"])
	assert.Equal(t, 7, entry.Data["rows"])
	assert.Equal(t, "admin", entry.Data["component"])
	assert.Equal(t, "e1", entry.Data["event_id"])
}

func TestTimer_TruncatesOnRuneBoundary(t *testing.T) {
	logger, hook := test.NewNullLogger()
	g := query.NewGuard(observability.FromLogrus(logger), nil, time.Millisecond, 0)
	now := time.Now()
	g.SetClock(func() time.Time { return now })

	timer := g.Start("SELECT * FROM tickets WHERE name = '"+strings.Repeat("é", 150)+"'", "admin")
	now = now.Add(time.Second)
	timer.Done(0, nil)

	require.Len(t, hook.AllEntries(), 1)
	q, ok := hook.LastEntry().Data["query"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(q))
	assert.LessOrEqual(t, len(q), 200)
	assert.True(t, strings.HasSuffix(q, "é..."))
}

func TestRun_ReturnsResult(t *testing.T) {
	g := query.NewGuard(observability.NewNopLogger(), nil, 0, 0)
	got, err := query.Run(context.Background(), g, "list", "test", func(ctx context.Context) ([]int, int, error) {
		return []int{1, 2, 3}, 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestRun_TimesOut(t *testing.T) {
	g := query.NewGuard(observability.NewNopLogger(), nil, 0, time.Hour)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := query.Run(context.Background(), g, "stuck read", "test", func(ctx context.Context) (int, int, error) {
		<-release
		return 1, 1, nil
	}, query.WithTimeout(20*time.Millisecond))

	assert.True(t, errors.Is(err, domain.ErrQueryTimeout))
	assert.True(t, domain.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestOffsetPage(t *testing.T) {
	limits := query.Limits{DefaultSize: 20, MaxSize: 50}

	p := query.NewOffsetPage(5, 20, limits)
	info := p.Info(100)
	assert.Equal(t, 80, p.Offset)
	assert.Equal(t, 5, info.TotalPages)
	assert.False(t, info.HasNextPage)
	assert.True(t, info.HasPreviousPage)
	assert.Equal(t, 81, info.StartIndex)
	assert.Equal(t, 100, info.EndIndex)

	info = query.NewOffsetPage(1, 20, limits).Info(0)
	assert.Equal(t, 0, info.TotalPages)
	assert.False(t, info.HasNextPage)
	assert.Equal(t, 0, info.StartIndex)
	assert.Equal(t, 0, info.EndIndex)

	p = query.NewOffsetPage(0, 500, limits)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 50, p.PageSize)

	p = query.NewOffsetPage(2, 0, limits)
	assert.Equal(t, 20, p.PageSize)
	info = p.Info(25)
	assert.Equal(t, 2, info.TotalPages)
	assert.Equal(t, 21, info.StartIndex)
	assert.Equal(t, 25, info.EndIndex)
	assert.False(t, info.HasNextPage)
}

func TestPaginateCursor(t *testing.T) {
	id := func(s string) string { return s }

	page := query.PaginateCursor([]string{"a", "b", "c", "d"}, 3, "", query.Forward, id)
	assert.Equal(t, []string{"a", "b", "c"}, page.Items)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	decoded, err := query.DecodeCursor(*page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "c", decoded)
	assert.Nil(t, page.PreviousCursor)

	page = query.PaginateCursor([]string{"d", "e"}, 3, *page.NextCursor, query.Forward, id)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
	require.NotNil(t, page.PreviousCursor)
	decoded, _ = query.DecodeCursor(*page.PreviousCursor)
	assert.Equal(t, "d", decoded)

	page = query.PaginateCursor([]string{"c", "b", "a"}, 2, query.EncodeCursor("d"), query.Backward, id)
	assert.Equal(t, []string{"b", "c"}, page.Items)
	assert.True(t, page.HasMore)

	_, err = query.DecodeCursor("%%%")
	assert.True(t, errors.Is(err, domain.ErrInvalidSelection))
}
