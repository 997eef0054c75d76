package channel

import (
	"math/rand/v2"
	"sync"

	"github.com/samber/lo"
)

// Candidates filters channels down to the ones a request may use:
// active, allowed by the caller's token, and advertising the model. When
// no channel advertises the model the allow-list set is returned instead,
// so channels without a declared catalog still get a chance.
func Candidates(channels []Channel, token *AccessToken, model string) []Channel {
	allowed := lo.Filter(channels, func(ch Channel, _ int) bool {
		return ch.Status == StatusActive && token.Allows(&ch)
	})
	supporting := lo.Filter(allowed, func(ch Channel, _ int) bool {
		return ch.SupportsModel(model)
	})
	if len(supporting) == 0 {
		return allowed
	}
	return supporting
}

// Selector orders candidates by weight. The random source is injected so
// tests can seed it and assert exact sequences.
type Selector struct {
	mu  sync.Mutex // *rand.Rand is not safe for concurrent use
	rng *rand.Rand
}

// NewSelector returns a Selector drawing from rng. A nil rng gets a
// randomly seeded PCG source.
func NewSelector(rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{rng: rng}
}

// WeightedOrder returns a random permutation of the candidates where each
// position is drawn with probability proportional to weight among the
// channels not yet placed. The first position therefore goes to channel i
// with probability weight_i / sum(weights). Channels with weight <= 0 are
// never placed.
func (s *Selector) WeightedOrder(candidates []Channel) []Channel {
	pool := lo.Filter(candidates, func(ch Channel, _ int) bool {
		return ch.Weight > 0
	})
	total := lo.SumBy(pool, func(ch Channel) int { return ch.Weight })

	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]Channel, 0, len(pool))
	for len(pool) > 0 {
		pick := s.rng.IntN(total)
		i := 0
		for ; i < len(pool)-1; i++ {
			if pick < pool[i].Weight {
				break
			}
			pick -= pool[i].Weight
		}
		ordered = append(ordered, pool[i])
		total -= pool[i].Weight
		pool = append(pool[:i:i], pool[i+1:]...)
	}
	return ordered
}

// SelectCallToken picks the token for one attempt: the first configured
// token with a non-empty key. ok is false when there is none, in which
// case the caller falls back to the channel's legacy APIKey.
func SelectCallToken(tokens []CallToken) (CallToken, bool) {
	return lo.Find(tokens, func(t CallToken) bool {
		return t.APIKey != ""
	})
}

// KeyFor resolves the secret to use for ch given its call tokens.
func KeyFor(ch *Channel, tokens []CallToken) string {
	if token, ok := SelectCallToken(tokens); ok {
		return token.APIKey
	}
	return ch.APIKey
}
