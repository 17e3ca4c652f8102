package market

import "context"

// Reputation aggregates validation outcomes for one seller, computed from
// the locally cached attestation history.
type Reputation struct {
	Seller     string  `json:"seller"`
	Validated  int     `json:"validated"`
	Rejected   int     `json:"rejected"`
	Settled    int     `json:"settled"`
	AvgScore   float64 `json:"avg_score"`
	TotalScore int     `json:"-"`
}

// ReputationOf summarizes every attested request the given seller answered.
// An empty history yields a zero Reputation, not an error.
func ReputationOf(ctx context.Context, store Store, seller string) (Reputation, error) {
	records, err := store.ListRequests(ctx, ListOptions{Seller: seller, Limit: 10_000})
	if err != nil {
		return Reputation{}, err
	}
	rep := Reputation{Seller: seller}
	for _, record := range records {
		if record.Passed == nil {
			continue
		}
		if *record.Passed {
			rep.Validated++
		} else {
			rep.Rejected++
		}
		rep.TotalScore += int(record.Score)
		if record.Status == StatusClaimed {
			rep.Settled++
		}
	}
	if judged := rep.Validated + rep.Rejected; judged > 0 {
		rep.AvgScore = float64(rep.TotalScore) / float64(judged)
	}
	return rep, nil
}
