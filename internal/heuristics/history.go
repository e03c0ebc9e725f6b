package heuristics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/freedom13/abuseguard/internal/model"
)

// Normalize is the comparison form used for duplicate detection.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// ContentHash fingerprints the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// RawHash fingerprints text exactly as submitted, for forensic logs.
func RawHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Preview truncates text to at most n runes.
func Preview(text string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos]
		}
		i++
	}
	return text
}

type DuplicateFinder interface {
	HasRecentDuplicate(ctx context.Context, actorKey, contentHash string, since time.Time) (bool, error)
}

// CheckDuplicate reports whether the actor submitted the same normalized text
// at or after now-window. Matching is exact.
func CheckDuplicate(ctx context.Context, f DuplicateFinder, actorKey, text string, now time.Time, window time.Duration) (bool, error) {
	if window <= 0 || actorKey == "" {
		return false, nil
	}
	return f.HasRecentDuplicate(ctx, actorKey, ContentHash(text), now.Add(-window))
}

const (
	postsPerHourLimit    = 10
	commentsPerHourLimit = 30
	velocityWeight       = 20

	minItemsForRatio  = 3
	uniqueRatioFloor  = 0.3
	duplicateWeight   = 30
	minPostsForLinks  = 5
	linkRatioCeiling  = 0.9
	linkHeavyWeight   = 25
	spammerScoreFloor = 40

	crossPostWeight = 30
)

type BehaviorResult struct {
	IsSpammer bool     `json:"is_spammer"`
	Score     int      `json:"score"`
	Reasons   []string `json:"reasons,omitempty"`
}

// CheckBehavioral scores an actor's submissions over the trailing hour and day.
// Items older than a day are ignored. Only posts count toward the content
// ratios; comments only feed the hourly velocity.
func CheckBehavioral(items []model.HistoryItem, now time.Time) BehaviorResult {
	var res BehaviorResult

	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	var (
		postsHour, commentsHour int
		posts, linkPosts        int
		unique                  = make(map[string]struct{})
	)
	for _, it := range items {
		if it.CreatedAt.Before(dayAgo) {
			continue
		}
		if it.Kind == model.ActionPost {
			posts++
			unique[it.ContentHash] = struct{}{}
			if it.HasURL {
				linkPosts++
			}
		}
		if !it.CreatedAt.Before(hourAgo) {
			switch it.Kind {
			case model.ActionPost:
				postsHour++
			case model.ActionComment:
				commentsHour++
			}
		}
	}

	if postsHour > postsPerHourLimit {
		res.Score += velocityWeight
		res.Reasons = append(res.Reasons, fmt.Sprintf("posting_velocity:posts_%d_per_hour,limit_%d", postsHour, postsPerHourLimit))
	}
	if commentsHour > commentsPerHourLimit {
		res.Score += velocityWeight
		res.Reasons = append(res.Reasons, fmt.Sprintf("comment_velocity:comments_%d_per_hour,limit_%d", commentsHour, commentsPerHourLimit))
	}
	if posts > minItemsForRatio {
		if ratio := float64(len(unique)) / float64(posts); ratio < uniqueRatioFloor {
			res.Score += duplicateWeight
			res.IsSpammer = true
			res.Reasons = append(res.Reasons, fmt.Sprintf("repetitive_content:unique_ratio_%.2f", ratio))
		}
	}
	if posts > minPostsForLinks {
		if ratio := float64(linkPosts) / float64(posts); ratio > linkRatioCeiling {
			res.Score += linkHeavyWeight
			res.IsSpammer = true
			res.Reasons = append(res.Reasons, fmt.Sprintf("link_heavy_posting:ratio_%.2f", ratio))
		}
	}
	if res.Score > spammerScoreFloor {
		res.IsSpammer = true
	}
	return res
}

// CheckCrossPost flags text the actor has already posted more than limit times
// within span. Only earlier posts in items are counted. It returns the score
// to add and a reason when it fires.
func CheckCrossPost(items []model.HistoryItem, contentHash string, now time.Time, span time.Duration, limit int) (int, string) {
	since := now.Add(-span)
	n := 0
	for _, it := range items {
		if it.Kind == model.ActionPost && it.ContentHash == contentHash && !it.CreatedAt.Before(since) {
			n++
		}
	}
	if n > limit {
		return crossPostWeight, fmt.Sprintf("cross_post:count_%d,limit_%d", n, limit)
	}
	return 0, ""
}
