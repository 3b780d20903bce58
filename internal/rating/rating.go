package rating

import (
	"math"

	"github.com/mwhitaker/gambit/internal/models"
)

// UpdateMatch applies one pairwise Glicko2 update to both players of a
// finished game. whiteScore is 1 for a white win, 0 for a black win, 0.5 for
// a draw. Each player is rated against the opponent's pre-match state.
func UpdateMatch(white, black models.User, whiteScore float64) (models.User, models.User) {
	wr := stateOf(white)
	br := stateOf(black)

	newW := updateGlicko(wr, br, whiteScore)
	newB := updateGlicko(br, wr, 1.0-whiteScore)

	return applyState(white, newW), applyState(black, newB)
}

// stateOf loads a player's persisted Glicko2 state, substituting new-player
// defaults for unset fields.
func stateOf(u models.User) Glicko2Rating {
	r := float64(u.Rating)
	if r == 0 {
		r = InitialRating
	}
	rd := u.Phi
	if rd <= 0 {
		rd = InitialDeviation
	}
	sigma := u.Sigma
	if sigma <= 0 {
		sigma = InitialVolatility
	}
	return NewGlicko2Rating(r, rd, sigma)
}

func applyState(u models.User, r Glicko2Rating) models.User {
	u.Rating = int(math.Round(r.ToElo()))
	u.Phi = r.Phi * GlickoScale
	u.Sigma = r.Sigma
	return u
}
