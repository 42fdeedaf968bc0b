package matcher

import (
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/akikaku/akikaku-engine/pkg/dataset"
	"github.com/akikaku/akikaku-engine/pkg/models"
)

const (
	// DefaultThreshold is the minimum fallback score accepted as a match.
	DefaultThreshold = 0.72

	nameWeight    = 0.6
	addressWeight = 0.4
	scoreEpsilon  = 1e-9

	// minNameSimilarity is the name similarity an address-equal candidate
	// needs before it counts as an exact match for a named listing.
	minNameSimilarity = 0.5
)

var (
	areaTolerance = decimal.RequireFromString("0.5")
	rentTolerance = int64(1000)
)

// Method records how a match was found.
type Method string

const (
	MethodExactKey     Method = "exact_key"
	MethodExactName    Method = "exact_name"
	MethodExactAddress Method = "exact_address"
	MethodSimilarity   Method = "similarity"
)

// Result is a successful match.
type Result struct {
	Property dataset.Property
	Score    float64
	Method   Method
}

// Matcher finds the dataset property a listing refers to.
type Matcher interface {
	Match(snap *dataset.Snapshot, listing models.ListingAttributes) (*Result, bool)
}

type propertyMatcher struct {
	threshold  float64
	normalizer *Normalizer
	logger     *zap.Logger

	mu    sync.Mutex
	index *snapshotIndex
}

var _ Matcher = (*propertyMatcher)(nil)

// New creates a matcher. A threshold outside (0,1] falls back to DefaultThreshold.
func New(threshold float64, normalizer *Normalizer, logger *zap.Logger) Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	return &propertyMatcher{
		threshold:  threshold,
		normalizer: normalizer,
		logger:     logger.Named("matcher"),
	}
}

// snapshotIndex holds normalized keys for one dataset generation.
type snapshotIndex struct {
	snap    *dataset.Snapshot
	entries []indexEntry
	byKey   map[string][]int
	byName  map[string][]int
	byAddr  map[string][]int
}

type indexEntry struct {
	name      string
	address   string
	nameGrams map[string]int
	addrGrams map[string]int
}

// query is the normalized form of a listing.
type query struct {
	name      string
	address   string
	nameGrams map[string]int
	addrGrams map[string]int
	listing   models.ListingAttributes
}

func (m *propertyMatcher) Match(snap *dataset.Snapshot, listing models.ListingAttributes) (*Result, bool) {
	if snap.Len() == 0 {
		return nil, false
	}

	building, _ := dataset.SplitRoom(listing.Name)
	q := query{
		name:    m.normalizer.Name(building),
		address: m.normalizer.Address(listing.Address),
		listing: listing,
	}
	if q.name == "" && q.address == "" {
		return nil, false
	}
	q.nameGrams = bigrams(q.name)
	q.addrGrams = bigrams(q.address)

	idx := m.indexFor(snap)

	if res, ok := m.exact(idx, q); ok {
		return res, true
	}

	best, bestScore := -1, 0.0
	for i := range idx.entries {
		score := similarity(q, &idx.entries[i])
		if score+scoreEpsilon < m.threshold {
			continue
		}
		if best < 0 || score > bestScore+scoreEpsilon {
			best, bestScore = i, score
			continue
		}
		if math.Abs(score-bestScore) <= scoreEpsilon && m.prefer(idx, q, i, best) {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return nil, false
	}

	m.logger.Debug("Similarity match",
		zap.String("listing_name", listing.Name),
		zap.String("property_name", snap.Properties[best].Name),
		zap.Float64("score", bestScore))
	return &Result{Property: snap.Properties[best], Score: bestScore, Method: MethodSimilarity}, true
}

func (m *propertyMatcher) exact(idx *snapshotIndex, q query) (*Result, bool) {
	type lookup struct {
		ok     bool
		hits   []int
		method Method
	}
	lookups := []lookup{
		{q.name != "" && q.address != "", idx.byKey[q.name+"|"+q.address], MethodExactKey},
		{q.name != "", idx.byName[q.name], MethodExactName},
		{q.address != "", idx.byAddr[q.address], MethodExactAddress},
	}
	for _, l := range lookups {
		hits := l.hits
		if l.method == MethodExactAddress && q.name != "" {
			hits = namedLike(idx, q, hits)
		}
		if !l.ok || len(hits) == 0 {
			continue
		}
		best := hits[0]
		for _, i := range hits[1:] {
			if m.prefer(idx, q, i, best) {
				best = i
			}
		}
		return &Result{Property: idx.snap.Properties[best], Score: 1, Method: l.method}, true
	}
	return nil, false
}

// namedLike keeps the address hits whose name is close to the listing's.
// Blocks share addresses, so the address alone never settles a named listing.
func namedLike(idx *snapshotIndex, q query, hits []int) []int {
	var out []int
	for _, i := range hits {
		e := &idx.entries[i]
		if e.name != "" && dice(q.nameGrams, e.nameGrams)+scoreEpsilon >= minNameSimilarity {
			out = append(out, i)
		}
	}
	return out
}

// prefer reports whether candidate a should replace b at equal score.
func (m *propertyMatcher) prefer(idx *snapshotIndex, q query, a, b int) bool {
	aAddr := q.address != "" && idx.entries[a].address == q.address
	bAddr := q.address != "" && idx.entries[b].address == q.address
	if aAddr != bAddr {
		return aAddr
	}

	aAgree := agreements(q.listing, &idx.snap.Properties[a])
	bAgree := agreements(q.listing, &idx.snap.Properties[b])
	if aAgree != bAgree {
		return aAgree > bAgree
	}
	return a < b
}

// indexFor returns the index for snap, rebuilding it when the generation changed.
func (m *propertyMatcher) indexFor(snap *dataset.Snapshot) *snapshotIndex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index != nil && m.index.snap == snap {
		return m.index
	}

	idx := &snapshotIndex{
		snap:    snap,
		entries: make([]indexEntry, len(snap.Properties)),
		byKey:   make(map[string][]int),
		byName:  make(map[string][]int),
		byAddr:  make(map[string][]int),
	}
	for i := range snap.Properties {
		p := &snap.Properties[i]
		e := indexEntry{
			name:    m.normalizer.Name(p.Name),
			address: m.normalizer.Address(p.Address),
		}
		e.nameGrams = bigrams(e.name)
		e.addrGrams = bigrams(e.address)
		idx.entries[i] = e

		if e.name != "" && e.address != "" {
			idx.byKey[e.name+"|"+e.address] = append(idx.byKey[e.name+"|"+e.address], i)
		}
		if e.name != "" {
			idx.byName[e.name] = append(idx.byName[e.name], i)
		}
		if e.address != "" {
			idx.byAddr[e.address] = append(idx.byAddr[e.address], i)
		}
	}
	m.index = idx

	m.logger.Debug("Rebuilt match index",
		zap.Uint64("generation", snap.Generation),
		zap.Int("properties", len(idx.entries)))
	return idx
}

// ============================================================================
// Scoring
// ============================================================================

func similarity(q query, e *indexEntry) float64 {
	hasName := q.name != "" && e.name != ""
	hasAddr := q.address != "" && e.address != ""
	switch {
	case hasName && hasAddr:
		return nameWeight*dice(q.nameGrams, e.nameGrams) + addressWeight*dice(q.addrGrams, e.addrGrams)
	case hasName:
		return dice(q.nameGrams, e.nameGrams)
	case hasAddr:
		return dice(q.addrGrams, e.addrGrams)
	default:
		return 0
	}
}

// bigrams returns the multiset of character bigrams. A single-rune string
// yields itself as its only gram.
func bigrams(s string) map[string]int {
	runes := []rune(s)
	grams := make(map[string]int, len(runes))
	if len(runes) == 1 {
		grams[s] = 1
		return grams
	}
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}

// dice is the Dice coefficient of two bigram multisets.
func dice(a, b map[string]int) float64 {
	total := 0
	for _, n := range a {
		total += n
	}
	for _, n := range b {
		total += n
	}
	if total == 0 {
		return 0
	}
	shared := 0
	for g, n := range a {
		shared += min(n, b[g])
	}
	return 2 * float64(shared) / float64(total)
}

// agreements counts advisory attributes that agree between listing and property.
func agreements(listing models.ListingAttributes, p *dataset.Property) int {
	n := 0
	if l, r := foldLayout(listing.Layout), foldLayout(p.Layout); l != "" && l == r {
		n++
	}
	if la, ok := dataset.ParseArea(listing.Area); ok {
		if pa, ok := dataset.ParseArea(p.Area); ok && la.Sub(pa).Abs().LessThanOrEqual(areaTolerance) {
			n++
		}
	}
	if lr, ok := dataset.ParseYen(listing.Rent); ok {
		if pr, ok := dataset.ParseYen(p.Rent); ok {
			diff := lr - pr
			if diff < 0 {
				diff = -diff
			}
			if diff <= rentTolerance {
				n++
			}
		}
	}
	return n
}

func foldLayout(s string) string {
	return strings.ToUpper(strings.ReplaceAll(norm.NFKC.String(strings.TrimSpace(s)), " ", ""))
}
