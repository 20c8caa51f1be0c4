package payments

import (
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"InvoiceChainSync/internal/models"
)

// Outcome is the result of offering a record to a History.
type Outcome int

const (
	Inserted Outcome = iota
	DuplicateSuppressed
	// Superseded means the candidate replaced weaker representations of the same fact.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateSuppressed:
		return "duplicate_suppressed"
	case Superseded:
		return "superseded"
	}
	return "unknown"
}

// Rule names the dedup rule that matched.
type Rule string

const (
	RuleNone       Rule = ""
	RulePrimaryKey Rule = "primary_key"
	RuleTxHash     Rule = "tx_hash"
	RuleFuzzy      Rule = "fuzzy"
)

const DefaultFuzzyWindow = 5 * time.Minute

type Options struct {
	FuzzyWindow     time.Duration
	AmountTolerance *big.Int
}

// History is the deduplicated set of payment records for one account.
// Every distinct fact offered is retained; the visible set is rebuilt from
// them in a canonical order, so offering the same facts in any order
// converges to the same set.
//
// Records with a full (tx, logIndex) identity never match each other and
// are always visible. A weaker record is visible unless it matches a visible
// record of identity, or an earlier visible weak record. A fuzzy cluster is
// therefore anchored on its earliest member.
type History struct {
	mu     sync.RWMutex
	window time.Duration
	tol    *big.Int

	strong     map[string]models.PaymentRecord
	strongByTx map[common.Hash][]string
	byGroup    map[group][]string

	weak    []weakFact
	visible []int
	nextID  int
}

type group struct {
	kind    models.EventKind
	invoice uint64
}

type weakFact struct {
	id  int
	rec models.PaymentRecord
}

// Offered describes what an offered record did to the history. New is true
// when the record was a fact the history had not seen, whether or not it
// became visible; such records should be persisted.
type Offered struct {
	Outcome Outcome
	Rule    Rule
	New     bool
}

func NewHistory(opts Options) *History {
	window := opts.FuzzyWindow
	if window <= 0 {
		window = DefaultFuzzyWindow
	}
	tol := new(big.Int)
	if opts.AmountTolerance != nil && opts.AmountTolerance.Sign() > 0 {
		tol.Set(opts.AmountTolerance)
	}
	h := &History{window: window, tol: tol}
	h.clear()
	return h
}

// Insert offers rec to the history and reports what happened and which rule
// decided it.
func (h *History) Insert(rec models.PaymentRecord) (Outcome, Rule) {
	res := h.Offer(rec)
	return res.Outcome, res.Rule
}

// Offer is Insert that also reports whether rec was a new fact.
func (h *History) Offer(rec models.PaymentRecord) Offered {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.HasPrimaryKey() {
		if _, ok := h.strong[rec.Key()]; ok {
			return Offered{Outcome: DuplicateSuppressed, Rule: RulePrimaryKey}
		}
		before := h.visibleSet()
		h.addStrong(rec)
		h.resolve()
		if rule, ok := h.lostVisible(before); ok {
			return Offered{Outcome: Superseded, Rule: rule, New: true}
		}
		return Offered{Outcome: Inserted, New: true}
	}

	for _, f := range h.weak {
		if sameFact(&f.rec, &rec) {
			rule, absorbed := h.absorber(&f.rec, f.id)
			if !absorbed {
				rule, _ = h.match(&f.rec, &rec)
			}
			return Offered{Outcome: DuplicateSuppressed, Rule: rule}
		}
	}

	before := h.visibleSet()
	id := h.nextID
	h.nextID++
	h.weak = append(h.weak, weakFact{id: id, rec: rec})
	h.resolve()
	after := h.visibleSet()
	if _, ok := after[id]; !ok {
		rule, _ := h.absorber(&rec, id)
		return Offered{Outcome: DuplicateSuppressed, Rule: rule, New: true}
	}
	if rule, ok := h.lostVisible(before); ok {
		return Offered{Outcome: Superseded, Rule: rule, New: true}
	}
	return Offered{Outcome: Inserted, New: true}
}

func (h *History) addStrong(rec models.PaymentRecord) {
	key := rec.Key()
	h.strong[key] = rec
	h.strongByTx[rec.TxHash] = append(h.strongByTx[rec.TxHash], key)
	g := group{rec.Kind, rec.InvoiceID}
	h.byGroup[g] = append(h.byGroup[g], key)
}

// resolve rebuilds the visible weak records from scratch.
func (h *History) resolve() {
	sort.Slice(h.weak, func(i, j int) bool { return weakLess(&h.weak[i].rec, &h.weak[j].rec) })
	h.visible = h.visible[:0]
	for i := range h.weak {
		if _, absorbed := h.absorberAt(i); !absorbed {
			h.visible = append(h.visible, i)
		}
	}
}

// absorberAt reports the rule by which weak[i] is hidden, considering
// records of identity and the visible weak records sorted before it. It
// must only be called while resolve walks weak in order.
func (h *History) absorberAt(i int) (Rule, bool) {
	rec := &h.weak[i].rec
	if rule, ok := h.strongMatch(rec); ok {
		return rule, true
	}
	for _, j := range h.visible {
		if rule, ok := h.match(&h.weak[j].rec, rec); ok {
			return rule, true
		}
	}
	return RuleNone, false
}

// absorber is absorberAt for a resolved history.
func (h *History) absorber(rec *models.PaymentRecord, id int) (Rule, bool) {
	if rule, ok := h.strongMatch(rec); ok {
		return rule, true
	}
	for _, j := range h.visible {
		f := &h.weak[j]
		if f.id == id || !weakLess(&f.rec, rec) {
			continue
		}
		if rule, ok := h.match(&f.rec, rec); ok {
			return rule, true
		}
	}
	return RuleNone, false
}

func (h *History) strongMatch(rec *models.PaymentRecord) (Rule, bool) {
	if rec.HasTxHash() {
		if len(h.strongByTx[rec.TxHash]) > 0 {
			return RuleTxHash, true
		}
		return RuleNone, false
	}
	for _, key := range h.byGroup[group{rec.Kind, rec.InvoiceID}] {
		s := h.strong[key]
		if h.fuzzy(&s, rec) {
			return RuleFuzzy, true
		}
	}
	return RuleNone, false
}

func (h *History) visibleSet() map[int]struct{} {
	out := make(map[int]struct{}, len(h.visible))
	for _, i := range h.visible {
		out[h.weak[i].id] = struct{}{}
	}
	return out
}

// lostVisible reports whether a weak record visible in before is now hidden,
// with the rule that hides it.
func (h *History) lostVisible(before map[int]struct{}) (Rule, bool) {
	after := h.visibleSet()
	for _, f := range h.weak {
		if _, was := before[f.id]; !was {
			continue
		}
		if _, still := after[f.id]; still {
			continue
		}
		return h.absorber(&f.rec, f.id)
	}
	return RuleNone, false
}

// match applies the dedup rules in order: primary key, transaction hash when
// either side lacks a log index, then the fuzzy fallback when either side
// lacks a transaction hash.
func (h *History) match(a, b *models.PaymentRecord) (Rule, bool) {
	if a.HasPrimaryKey() && b.HasPrimaryKey() {
		if a.Key() == b.Key() {
			return RulePrimaryKey, true
		}
		return RuleNone, false
	}
	if a.HasTxHash() && b.HasTxHash() {
		if a.TxHash == b.TxHash {
			return RuleTxHash, true
		}
		return RuleNone, false
	}
	if h.fuzzy(a, b) {
		return RuleFuzzy, true
	}
	return RuleNone, false
}

func (h *History) fuzzy(a, b *models.PaymentRecord) bool {
	if a.Kind != b.Kind || a.InvoiceID != b.InvoiceID {
		return false
	}
	if a.Amount == nil || b.Amount == nil {
		return false
	}
	diff := new(big.Int).Sub(a.Amount, b.Amount)
	if diff.Abs(diff).Cmp(h.tol) > 0 {
		return false
	}
	ta, tb := a.Timestamp(), b.Timestamp()
	if ta.IsZero() || tb.IsZero() {
		return false
	}
	d := ta.Sub(tb)
	if d < 0 {
		d = -d
	}
	return d <= h.window
}

// strength ranks how complete a record's identity is.
func strength(r *models.PaymentRecord) int {
	switch {
	case r.HasPrimaryKey():
		return 2
	case r.HasTxHash():
		return 1
	}
	return 0
}

// sameFact reports whether two weak records describe the identical
// observation. The channel it arrived on is not part of the fact.
func sameFact(a, b *models.PaymentRecord) bool {
	return a.TxHash == b.TxHash &&
		a.Kind == b.Kind &&
		a.InvoiceID == b.InvoiceID &&
		a.Counterparty == b.Counterparty &&
		cmpAmount(a.Amount, b.Amount) == 0 &&
		a.BlockNumber == b.BlockNumber &&
		a.BlockTime.Equal(b.BlockTime) &&
		a.ObservedAt.Equal(b.ObservedAt)
}

// weakLess is the canonical order of weak records: stronger identity first,
// then earliest, then the remaining fields as tie breakers.
func weakLess(a, b *models.PaymentRecord) bool {
	if sa, sb := strength(a), strength(b); sa != sb {
		return sa > sb
	}
	if ta, tb := a.Timestamp(), b.Timestamp(); !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if a.TxHash != b.TxHash {
		return a.TxHash.Hex() < b.TxHash.Hex()
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.InvoiceID != b.InvoiceID {
		return a.InvoiceID < b.InvoiceID
	}
	if c := cmpAmount(a.Amount, b.Amount); c != 0 {
		return c < 0
	}
	if a.Counterparty != b.Counterparty {
		return a.Counterparty.Hex() < b.Counterparty.Hex()
	}
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	return a.ObservedAt.Before(b.ObservedAt)
}

func cmpAmount(a, b *big.Int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Cmp(b)
}

func (h *History) clear() {
	h.strong = map[string]models.PaymentRecord{}
	h.strongByTx = map[common.Hash][]string{}
	h.byGroup = map[group][]string{}
	h.weak = nil
	h.visible = nil
}

// view returns the visible records; callers hold the lock.
func (h *History) view(keep func(*models.PaymentRecord) bool) []models.PaymentRecord {
	out := make([]models.PaymentRecord, 0, len(h.strong)+len(h.visible))
	for _, r := range h.strong {
		if keep(&r) {
			out = append(out, r)
		}
	}
	for _, i := range h.visible {
		if r := h.weak[i].rec; keep(&r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out
}

// Records returns a copy ordered by block, log index, then time.
func (h *History) Records() []models.PaymentRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view(func(*models.PaymentRecord) bool { return true })
}

func (h *History) ForInvoice(id uint64) []models.PaymentRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view(func(r *models.PaymentRecord) bool { return r.InvoiceID == id })
}

// Len counts visible records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.strong) + len(h.visible)
}

func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clear()
}

func sortRecords(rs []models.PaymentRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.BlockNumber != b.BlockNumber {
			if a.BlockNumber == 0 || b.BlockNumber == 0 {
				return b.BlockNumber == 0
			}
			return a.BlockNumber < b.BlockNumber
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		if !a.Timestamp().Equal(b.Timestamp()) {
			return a.Timestamp().Before(b.Timestamp())
		}
		return a.Key() < b.Key()
	})
}
