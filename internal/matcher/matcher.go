// package matcher scores catalog candidates against chart entries and
// decides whether a match is confident enough to auto-resolve.
//
// The engine is pure: it knows nothing about persistence or the catalog
// transport. Given the same entry and candidate list it always yields the
// same decision.
package matcher

import (
	"regexp"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"melonsync/internal/catalog"
)

// Config holds the confidence policy for auto-resolution.
type Config struct {
	// Threshold is the minimum combined score for the top candidate.
	Threshold float64
	// Margin is the minimum lead the top candidate must have over the
	// runner-up. Near-equal candidates are ambiguous and never guessed.
	Margin float64
	// TitleWeight is the weight of title similarity in the combined score;
	// artist similarity gets the remainder.
	TitleWeight float64
}

// DefaultConfig returns the documented default policy: threshold 0.82,
// margin 0.05, title weighted 0.6.
func DefaultConfig() Config {
	return Config{Threshold: 0.82, Margin: 0.05, TitleWeight: 0.6}
}

// Outcome of a match decision.
type Outcome int

const (
	Missed Outcome = iota
	Resolved
)

func (o Outcome) String() string {
	if o == Resolved {
		return "resolved"
	}
	return "missed"
}

// Decision is the result of scoring one entry against its candidates.
type Decision struct {
	Outcome  Outcome
	Winner   *catalog.Candidate // Set iff Outcome == Resolved
	Score    float64            // Combined score of the top candidate
	RunnerUp float64            // Combined score of the second-best candidate
}

// bracketed strips parenthesized and bracketed annotations such as
// "(feat. X)" or "[Remastered]".
var bracketed = regexp.MustCompile(`\s*[(\[][^)\]]*[)\]]`)

// Normalize case-folds s, strips bracketed annotations, and collapses
// whitespace. Applied to both chart-side and candidate-side strings so the
// comparison stays symmetric.
func Normalize(s string) string {
	s = bracketed.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// similarity is Jaro-Winkler over normalized strings: deterministic,
// symmetric, and in [0,1].
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return strutil.Similarity(a, b, metrics.NewJaroWinkler())
}

// Score combines title and artist similarity per cfg's weights.
func Score(cfg Config, title, artist string, cand catalog.Candidate) float64 {
	titleSim := similarity(Normalize(title), Normalize(cand.Title))
	artistSim := similarity(Normalize(artist), Normalize(cand.Artist))
	return cfg.TitleWeight*titleSim + (1-cfg.TitleWeight)*artistSim
}

// Match scores candidates against the (title, artist) pair and applies the
// confidence policy: the top candidate wins only when its score reaches
// cfg.Threshold and leads the runner-up by at least cfg.Margin.
//
// Candidate order breaks exact score ties in favor of catalog relevance,
// but a tie within the margin is ambiguous and yields Missed.
func Match(cfg Config, title, artist string, candidates []catalog.Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{Outcome: Missed}
	}

	best := -1
	var bestScore, secondScore float64
	for i, cand := range candidates {
		s := Score(cfg, title, artist, cand)
		if best == -1 || s > bestScore {
			if best != -1 {
				secondScore = bestScore
			}
			best = i
			bestScore = s
		} else if s > secondScore {
			secondScore = s
		}
	}

	decision := Decision{Outcome: Missed, Score: bestScore, RunnerUp: secondScore}
	if len(candidates) == 1 {
		decision.RunnerUp = 0
		secondScore = 0
	}

	if bestScore >= cfg.Threshold && bestScore-secondScore >= cfg.Margin {
		winner := candidates[best]
		decision.Outcome = Resolved
		decision.Winner = &winner
	}

	return decision
}
