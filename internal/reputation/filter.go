package reputation

import (
	"math"
	"math/rand/v2"

	"clarinet/internal/peer"
)

// TrustFilter picks the peers trustworthy enough to serve as witnesses.
type TrustFilter func(peers []peer.ID, rep func(peer.ID) float64) []peer.ID

func AllowAll() TrustFilter {
	return func(peers []peer.ID, _ func(peer.ID) float64) []peer.ID {
		out := append([]peer.ID(nil), peers...)
		shuffle(out)
		return out
	}
}

// MinAndStandardDeviation keeps peers whose reputation is at least minimum and
// no more than one sample standard deviation below the mean.
func MinAndStandardDeviation(minimum float64) TrustFilter {
	return func(peers []peer.ID, rep func(peer.ID) float64) []peer.ID {
		if len(peers) == 0 {
			return nil
		}
		values := make([]float64, len(peers))
		for i, p := range peers {
			values[i] = rep(p)
		}
		floor := mean(values) - stddev(values)
		var out []peer.ID
		for i, p := range peers {
			if values[i] >= minimum && values[i] >= floor {
				out = append(out, p)
			}
		}
		shuffle(out)
		return out
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	m := mean(values)
	var variance float64
	for _, v := range values {
		variance += (v - m) * (v - m)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}

func shuffle(ids []peer.ID) {
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}
