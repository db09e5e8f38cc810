// Package alloc splits scarce supply between tied demands at a single
// clearing price.
//
// The split is reproducible: the equal base share is computed first, and
// the leftover units are dealt one at a time over an order produced by a
// seeded shuffle. The seed is derived from a caller-supplied key such as
// "phaseID:contestantID:price", so the same key always yields the same
// allocation. There is no process-wide random state.
package alloc

// Request is one bid's demand at the tier being cleared.
type Request struct {
	ID     string
	Shares int64
}

// Allocate distributes available shares over requests and returns the
// awarded shares per request ID. Every request ID appears in the result.
//
// Guarantees: no request receives more than it asked for, and the sum of
// awards is min(available, sum of requests).
//
// A request smaller than the equal base split only takes what it asked
// for; the unused part of its base share is not redistributed into the base
// split of others, it only feeds the one-by-one remainder round.
func Allocate(requests []Request, available int64, seedKey string) map[string]int64 {
	awarded := make(map[string]int64, len(requests))
	if len(requests) == 0 {
		return awarded
	}

	var demand int64
	for _, r := range requests {
		if r.Shares > 0 {
			demand += r.Shares
		}
		awarded[r.ID] = 0
	}

	if available <= 0 || demand == 0 {
		return awarded
	}

	if available >= demand {
		for _, r := range requests {
			if r.Shares > 0 {
				awarded[r.ID] = r.Shares
			}
		}
		return awarded
	}

	base := available / int64(len(requests))
	var allocated int64
	for _, r := range requests {
		share := min(base, max(r.Shares, 0))
		awarded[r.ID] = share
		allocated += share
	}

	remainder := available - allocated
	if remainder <= 0 {
		return awarded
	}

	var candidates []Request
	for _, r := range requests {
		if awarded[r.ID] < r.Shares {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return awarded
	}

	ordered := Shuffle(candidates, seedKey)

	pointer := 0
	for remainder > 0 {
		found := false
		for i := range ordered {
			c := ordered[(pointer+i)%len(ordered)]
			if awarded[c.ID] < c.Shares {
				awarded[c.ID]++
				pointer = (pointer + i + 1) % len(ordered)
				remainder--
				found = true
				break
			}
		}
		if !found {
			break
		}
	}

	return awarded
}

// Total sums an allocation.
func Total(awarded map[string]int64) int64 {
	var n int64
	for _, v := range awarded {
		n += v
	}
	return n
}
