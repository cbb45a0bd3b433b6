package ledger

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/TheMichaelB/expensync/internal/models"
)

// Minimum similarity for fuzzy lookups.
const (
	SuggestThreshold = 0.6
	MatchThreshold   = 0.5
)

// Match is a scored fuzzy candidate.
type Match struct {
	Candidate string
	Score     float64
}

// Similarity is 1 - distance/longest on case-folded, trimmed input.
// Identical strings score 1, two empty strings score 1.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}

	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// BestMatches returns up to limit candidates scoring at least threshold,
// best first. limit <= 0 means no limit.
func BestMatches(input string, candidates []string, limit int, threshold float64) []Match {
	var matches []Match
	for _, c := range candidates {
		if score := Similarity(input, c); score >= threshold {
			matches = append(matches, Match{Candidate: c, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// MonthRange parses YYYY-MM into [first day, first day of next month) in loc.
func MonthRange(month string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01", month, loc)
	if err != nil {
		return time.Time{}, time.Time{}, &models.ValidationError{Field: "month", Reason: "expected YYYY-MM"}
	}
	return start, start.AddDate(0, 1, 0), nil
}

// CurrentMonth formats t as YYYY-MM.
func CurrentMonth(t time.Time) string {
	return t.Format("2006-01")
}

func sortTotals(totals []models.TagTotal) {
	sort.SliceStable(totals, func(i, j int) bool {
		if c := totals[i].Total.Cmp(totals[j].Total); c != 0 {
			return c > 0
		}
		return totals[i].Tag < totals[j].Tag
	})
}
