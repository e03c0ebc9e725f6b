package heuristics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freedom13/abuseguard/internal/model"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func items(n int, kind model.Action, age time.Duration, hash func(i int) string, url bool) []model.HistoryItem {
	out := make([]model.HistoryItem, n)
	for i := range out {
		out[i] = model.HistoryItem{Kind: kind, ContentHash: hash(i), HasURL: url, CreatedAt: now.Add(-age)}
	}
	return out
}

func distinct(prefix string) func(int) string {
	return func(i int) string { return fmt.Sprintf("%s-%d", prefix, i) }
}

func same(h string) func(int) string {
	return func(int) string { return h }
}

func TestCheckBehavioral(t *testing.T) {
	testCases := []struct {
		name            string
		history         []model.HistoryItem
		expectedScore   int
		expectedSpammer bool
	}{
		{
			name:    "empty history",
			history: nil,
		},
		{
			name:          "post velocity",
			history:       items(11, model.ActionPost, 10*time.Minute, distinct("p"), false),
			expectedScore: 20,
		},
		{
			name:    "ten posts an hour is allowed",
			history: items(10, model.ActionPost, 10*time.Minute, distinct("p"), false),
		},
		{
			name: "both velocities sum to exactly forty",
			history: append(
				items(11, model.ActionPost, 10*time.Minute, distinct("p"), false),
				items(31, model.ActionComment, 10*time.Minute, distinct("c"), false)...),
			expectedScore: 40,
		},
		{
			name:            "repetitive posts",
			history:         items(4, model.ActionPost, 2*time.Hour, same("h"), false),
			expectedScore:   30,
			expectedSpammer: true,
		},
		{
			name:    "three identical posts are too few to judge",
			history: items(3, model.ActionPost, 2*time.Hour, same("h"), false),
		},
		{
			name:    "repeated short comments are not repetitive content",
			history: items(4, model.ActionComment, 2*time.Hour, same(ContentHash("thanks!")), false),
		},
		{
			name: "comments do not dilute or pad the post ratio",
			history: append(
				items(4, model.ActionPost, 2*time.Hour, same("h"), false),
				items(20, model.ActionComment, 2*time.Hour, distinct("c"), false)...),
			expectedScore:   30,
			expectedSpammer: true,
		},
		{
			name:            "link heavy posting",
			history:         items(6, model.ActionPost, 2*time.Hour, distinct("p"), true),
			expectedScore:   25,
			expectedSpammer: true,
		},
		{
			name:    "five link posts are too few to judge",
			history: items(5, model.ActionPost, 2*time.Hour, distinct("p"), true),
		},
		{
			name: "velocity and link heavy cross forty",
			history: append(
				items(11, model.ActionPost, 10*time.Minute, distinct("p"), true),
				items(31, model.ActionComment, 10*time.Minute, distinct("c"), false)...),
			expectedScore:   65,
			expectedSpammer: true,
		},
		{
			name:    "history older than a day is ignored",
			history: items(20, model.ActionPost, 25*time.Hour, same("h"), true),
		},
		{
			name:          "posts older than an hour do not count toward velocity",
			history:       items(11, model.ActionPost, 90*time.Minute, distinct("p"), false),
			expectedScore: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := CheckBehavioral(tc.history, now)
			require.Equal(t, tc.expectedScore, res.Score, "reasons: %v", res.Reasons)
			require.Equal(t, tc.expectedSpammer, res.IsSpammer)
		})
	}
}

func TestCheckCrossPost(t *testing.T) {
	h := ContentHash("same text everywhere")
	week := 7 * 24 * time.Hour

	testCases := []struct {
		name           string
		history        []model.HistoryItem
		span           time.Duration
		expectedScore  int
		expectedReason string
	}{
		{
			name:    "two earlier posts are within the limit",
			history: items(2, model.ActionPost, time.Hour, same(h), false),
			span:    week,
		},
		{
			name: "three earlier posts exceed the limit",
			history: append(
				items(2, model.ActionPost, time.Hour, same(h), false),
				items(1, model.ActionPost, 3*24*time.Hour, same(h), false)...),
			span:           week,
			expectedScore:  30,
			expectedReason: "cross_post:count_3,limit_2",
		},
		{
			name: "comments with the same text are not counted",
			history: append(
				items(2, model.ActionPost, time.Hour, same(h), false),
				items(5, model.ActionComment, time.Hour, same(h), false)...),
			span: week,
		},
		{
			name: "posts outside the span are ignored",
			history: append(
				items(2, model.ActionPost, time.Hour, same(h), false),
				items(1, model.ActionPost, 3*24*time.Hour, same(h), false)...),
			span: 2 * 24 * time.Hour,
		},
		{
			name:    "other texts are not counted",
			history: items(5, model.ActionPost, time.Hour, distinct("other"), false),
			span:    week,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			score, reason := CheckCrossPost(tc.history, h, now, tc.span, 2)
			require.Equal(t, tc.expectedScore, score)
			require.Equal(t, tc.expectedReason, reason)
		})
	}
}

type fakeFinder struct {
	since time.Time
	hash  string
	found bool
	err   error
}

func (f *fakeFinder) HasRecentDuplicate(_ context.Context, _ string, hash string, since time.Time) (bool, error) {
	f.since, f.hash = since, hash
	return f.found, f.err
}

func TestCheckDuplicate(t *testing.T) {
	ctx := context.Background()

	f := &fakeFinder{found: true}
	dup, err := CheckDuplicate(ctx, f, "user:1", " Hello ", now, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, now.Add(-5*time.Minute), f.since)
	require.Equal(t, ContentHash("hello"), f.hash)

	f = &fakeFinder{found: true}
	dup, err = CheckDuplicate(ctx, f, "user:1", "hello", now, 0)
	require.NoError(t, err)
	require.False(t, dup, "a zero window disables the check")

	f = &fakeFinder{err: errors.New("db down")}
	_, err = CheckDuplicate(ctx, f, "user:1", "hello", now, time.Minute)
	require.Error(t, err)
}
