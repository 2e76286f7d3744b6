// Package live provides the shared in-memory whale model: dedup registry,
// the all and 30-DTE views, pre-market wipe, and pub/sub for the stream
// endpoints. All of it is one state machine behind one lock.
package live

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"whalestream/internal/domain"
	"whalestream/internal/metrics"
	"whalestream/internal/store"
	"whalestream/internal/util"
)

const (
	// ShortDTE is the upper DTE bound of the 30-DTE view.
	ShortDTE = 30
	// DefaultCap bounds the all view.
	DefaultCap = 5000
	// DefaultBufSize is the per-subscriber channel buffer.
	DefaultBufSize = 64
	// seenTTL is how long a dedup key outlives its insertion.
	seenTTL = 24 * time.Hour
)

// Admitter re-checks a persisted whale against the current filter.
type Admitter interface {
	Admit(w domain.Whale, now time.Time) domain.RejectReason
}

// Options configures a WhaleModel.
type Options struct {
	Cap      int
	BufSize  int
	Clock    util.Clock
	Calendar *util.TradingCalendar
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Admit filters records on Load. Nil admits everything that passes the
	// date and DTE checks.
	Admit Admitter
	// OnWipe receives the tape cleared by a pre-market wipe. It runs on its
	// own goroutine, outside the lock.
	OnWipe func(session util.Date, wiped []domain.Whale)
}

type seenEntry struct {
	key domain.DedupKey
	at  time.Time
}

type subscriber struct {
	id string
	q  Query
	ch chan Event
}

// WhaleModel holds accepted whales and fans them out to subscribers.
type WhaleModel struct {
	mu sync.RWMutex

	all   []domain.Whale // oldest first
	short []domain.Whale // subset of all with DTE in [0, ShortDTE], oldest first

	seen      map[domain.DedupKey]time.Time
	seenOrder []seenEntry

	lastMutation time.Time
	lastClear    time.Time

	subs  map[string]*subscriber
	drops []string // subscriber IDs dropped under the lock, logged after it

	cap     int
	bufSize int
	clock   util.Clock
	cal     *util.TradingCalendar
	metrics *metrics.Metrics
	log     *slog.Logger
	admit   Admitter
	onWipe  func(util.Date, []domain.Whale)

	changed   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// NewWhaleModel creates an empty model.
func NewWhaleModel(opts Options) *WhaleModel {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.BufSize <= 0 {
		opts.BufSize = DefaultBufSize
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Calendar == nil {
		opts.Calendar = util.NewTradingCalendar(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &WhaleModel{
		seen:    make(map[domain.DedupKey]time.Time),
		subs:    make(map[string]*subscriber),
		cap:     opts.Cap,
		bufSize: opts.BufSize,
		clock:   opts.Clock,
		cal:     opts.Calendar,
		metrics: opts.Metrics,
		log:     opts.Logger.With("component", "whale-model"),
		admit:   opts.Admit,
		onWipe:  opts.OnWipe,
		changed: make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}
	m.metrics.RegisterCacheAge(m.ageSeconds)
	return m
}

func inShortView(w *domain.Whale) bool {
	return w.DTE >= 0 && w.DTE <= ShortDTE
}

// ---------------------------------------------------------------------------
// Write path
// ---------------------------------------------------------------------------

// Insert adds w unless its dedup key was already accepted. A pending
// pre-market wipe runs first. Returns false for a duplicate. IngestTS is
// stamped under the write lock, so the tape is ordered by it.
func (m *WhaleModel) Insert(w domain.Whale) bool {
	m.mu.Lock()
	now := m.clock.Now()
	session, wiped, didWipe := m.rolloverLocked(now)

	key := w.Key()
	if _, dup := m.seen[key]; dup {
		drops := m.takeDropsLocked()
		m.mu.Unlock()
		m.logDrops(drops)
		m.afterWipe(session, wiped, didWipe)
		m.metrics.DedupHits.Inc()
		return false
	}

	m.seen[key] = now
	m.seenOrder = append(m.seenOrder, seenEntry{key: key, at: now})
	m.gcSeenLocked(now)

	w.IngestTS = m.cal.Local(now)
	m.appendLocked(w)
	evicted := m.evictLocked()
	m.lastMutation = now
	m.markReadyLocked()
	m.publishLocked(Event{Kind: EventInsert, Whale: w})
	size := len(m.all)
	drops := m.takeDropsLocked()
	m.mu.Unlock()

	m.logDrops(drops)
	m.afterWipe(session, wiped, didWipe)
	m.metrics.Inserts.Inc()
	m.metrics.Evictions.Add(float64(evicted))
	m.metrics.CacheSize.Set(float64(size))
	m.notifyChanged()
	return true
}

// Rollover runs the pre-market wipe if one is due. Returns whether it
// wiped. Calling it twice in one pre-market window wipes at most once.
func (m *WhaleModel) Rollover() bool {
	now := m.clock.Now()
	m.mu.Lock()
	session, wiped, didWipe := m.rolloverLocked(now)
	drops := m.takeDropsLocked()
	m.mu.Unlock()
	m.logDrops(drops)
	m.afterWipe(session, wiped, didWipe)
	return didWipe
}

func (m *WhaleModel) rolloverLocked(now time.Time) (util.Date, []domain.Whale, bool) {
	if !m.cal.IsPremarketRollover(m.lastClear, now) {
		return util.Date{}, nil, false
	}

	var session util.Date
	if n := len(m.all); n > 0 {
		session = m.cal.TradingDate(m.all[n-1].TradeTS)
	}
	wiped := m.all
	m.all = nil
	m.short = nil
	m.lastClear = now
	m.publishLocked(Event{Kind: EventReset})
	return session, wiped, true
}

// MarkScanned ends the loading state after a completed scan cycle even if
// the cycle accepted nothing. It is a no-op once any mutation happened.
func (m *WhaleModel) MarkScanned() {
	now := m.clock.Now()
	m.mu.Lock()
	first := m.lastMutation.IsZero()
	if first {
		m.lastMutation = now
		m.markReadyLocked()
	}
	m.mu.Unlock()
	if first {
		m.notifyChanged()
	}
}

func (m *WhaleModel) afterWipe(session util.Date, wiped []domain.Whale, didWipe bool) {
	if !didWipe {
		return
	}
	m.metrics.Wipes.Inc()
	m.metrics.CacheSize.Set(0)
	m.log.Info("pre-market wipe", "cleared", len(wiped), "session", session.String())
	m.notifyChanged()
	if m.onWipe != nil && len(wiped) > 0 {
		go m.onWipe(session, wiped)
	}
}

func (m *WhaleModel) appendLocked(w domain.Whale) {
	m.all = append(m.all, w)
	if inShortView(&w) {
		m.short = append(m.short, w)
	}
}

// evictLocked drops the oldest records beyond the cap. Because short is an
// ordered subsequence of all, an evicted short record is always short[0].
func (m *WhaleModel) evictLocked() int {
	evicted := 0
	for len(m.all) > m.cap {
		oldest := m.all[0]
		m.all[0] = domain.Whale{}
		m.all = m.all[1:]
		if len(m.short) > 0 && m.short[0].Key() == oldest.Key() && m.short[0].IngestTS.Equal(oldest.IngestTS) {
			m.short[0] = domain.Whale{}
			m.short = m.short[1:]
		}
		evicted++
	}
	return evicted
}

// gcSeenLocked forgets dedup keys older than seenTTL.
func (m *WhaleModel) gcSeenLocked(now time.Time) {
	cutoff := now.Add(-seenTTL)
	i := 0
	for ; i < len(m.seenOrder) && m.seenOrder[i].at.Before(cutoff); i++ {
		e := m.seenOrder[i]
		if at, ok := m.seen[e.key]; ok && at.Equal(e.at) {
			delete(m.seen, e.key)
		}
	}
	if i > 0 {
		m.seenOrder = append(m.seenOrder[:0:0], m.seenOrder[i:]...)
	}
}

func (m *WhaleModel) markReadyLocked() {
	m.readyOnce.Do(func() { close(m.ready) })
}

func (m *WhaleModel) notifyChanged() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Read path
// ---------------------------------------------------------------------------

// Page is one snapshot read. Data is newest first.
type Page struct {
	Data         []domain.Whale
	Total        int
	LastMutation time.Time
	Loading      bool
}

// Snapshot returns up to limit records of the view matching q, skipping
// offset. A non-positive limit returns everything. Only records whose trade
// falls on the current effective trading date are returned.
func (m *WhaleModel) Snapshot(q Query, limit, offset int) Page {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pageLocked(q, limit, offset, now)
}

func (m *WhaleModel) pageLocked(q Query, limit, offset int, now time.Time) Page {
	p := Page{Data: []domain.Whale{}, LastMutation: m.lastMutation, Loading: m.lastMutation.IsZero()}
	if p.Loading {
		return p
	}

	src := m.all
	if q.View != domain.ViewAll {
		src = m.short
	}
	today := m.cal.TradingDate(now)

	for i := len(src) - 1; i >= 0; i-- {
		w := &src[i]
		if m.cal.TradingDate(w.TradeTS) != today || !q.Match(w) {
			continue
		}
		p.Total++
		if p.Total <= offset {
			continue
		}
		if limit > 0 && len(p.Data) >= limit {
			continue
		}
		p.Data = append(p.Data, *w)
	}
	return p
}

// Tickers returns the distinct underlyings in the view, sorted.
func (m *WhaleModel) Tickers(view domain.View) []string {
	page := m.Snapshot(Query{View: view}, 0, 0)
	set := make(map[string]struct{})
	for _, w := range page.Data {
		set[w.Underlying] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Counts returns the sizes of the all and 30-DTE views.
func (m *WhaleModel) Counts() (all, short int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.all), len(m.short)
}

// SeenCount returns the size of the dedup registry.
func (m *WhaleModel) SeenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

// LastMutation returns the instant of the most recent insertion.
func (m *WhaleModel) LastMutation() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMutation
}

// LastClear returns the instant of the most recent pre-market wipe.
func (m *WhaleModel) LastClear() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastClear
}

// Ready is closed once the model has data to serve: after the first
// insertion, the first completed scan, or a warm load that carried a
// mutation time.
func (m *WhaleModel) Ready() <-chan struct{} { return m.ready }

// Changes fires after state changes that should be persisted.
func (m *WhaleModel) Changes() <-chan struct{} { return m.changed }

func (m *WhaleModel) ageSeconds() float64 {
	last := m.LastMutation()
	if last.IsZero() {
		return 0
	}
	return m.clock.Now().Sub(last).Seconds()
}

// ---------------------------------------------------------------------------
// Pub/sub
// ---------------------------------------------------------------------------

// Subscription is a live event feed. C is closed when the subscriber is
// removed, either by Unsubscribe or because it fell behind.
type Subscription struct {
	ID string
	C  <-chan Event
}

// Subscribe registers a subscriber for events matching q and returns the
// current snapshot taken under the same lock, so no insertion is missed or
// seen twice.
func (m *WhaleModel) Subscribe(q Query) (*Subscription, Page) {
	now := m.clock.Now()
	s := &subscriber{
		id: uuid.NewString(),
		q:  q,
		ch: make(chan Event, m.bufSize),
	}

	m.mu.Lock()
	page := m.pageLocked(q, 0, 0, now)
	m.subs[s.id] = s
	n := len(m.subs)
	m.mu.Unlock()

	m.metrics.Subscribers.Set(float64(n))
	m.log.Debug("subscriber added", "id", s.id, "view", q.View, "lotto", q.LottoOnly)
	return &Subscription{ID: s.id, C: s.ch}, page
}

// Unsubscribe removes a subscriber and closes its channel. Unknown IDs are
// ignored.
func (m *WhaleModel) Unsubscribe(id string) {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		close(s.ch)
	}
	n := len(m.subs)
	m.mu.Unlock()

	if ok {
		m.metrics.Subscribers.Set(float64(n))
	}
}

// publishLocked hands ev to every matching subscriber. A full buffer
// unregisters the subscriber; its ID is queued for logDrops.
func (m *WhaleModel) publishLocked(ev Event) {
	dropped := 0
	for id, s := range m.subs {
		if ev.Kind == EventInsert && !s.q.Match(&ev.Whale) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			delete(m.subs, id)
			close(s.ch)
			dropped++
			m.drops = append(m.drops, id)
		}
	}
	if dropped > 0 {
		m.metrics.SlowSubscribersOut.Add(float64(dropped))
		m.metrics.Subscribers.Set(float64(len(m.subs)))
	}
}

func (m *WhaleModel) takeDropsLocked() []string {
	drops := m.drops
	m.drops = nil
	return drops
}

// logDrops runs after the write lock is released.
func (m *WhaleModel) logDrops(ids []string) {
	for _, id := range ids {
		m.log.Warn("slow subscriber dropped", "id", id)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// Dump copies the state for the snapshot file.
func (m *WhaleModel) Dump() store.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := store.Snapshot{
		ViewAll:       make([]domain.Whale, 0, len(m.all)),
		SchemaVersion: store.SchemaVersion,
	}
	for i := len(m.all) - 1; i >= 0; i-- {
		out.ViewAll = append(out.ViewAll, m.all[i])
	}
	if !m.lastMutation.IsZero() {
		out.LastMutationTS = m.lastMutation.Unix()
	}
	if !m.lastClear.IsZero() {
		out.LastClearTS = m.lastClear.Unix()
	}
	return out
}

// Load populates the model from a persisted snapshot. Records outside the
// 30-DTE window, rejected by the Admitter, or duplicated are dropped.
// Records from a prior trading day are dropped too, and the most recent
// such session is handed to OnWipe as if a wipe had cleared it. Returns
// the number kept and dropped.
func (m *WhaleModel) Load(snap store.Snapshot) (kept, dropped int) {
	now := m.clock.Now()
	today := m.cal.TradingDate(now)

	records := make([]domain.Whale, len(snap.ViewAll))
	copy(records, snap.ViewAll)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].IngestTS.Before(records[j].IngestTS)
	})

	var (
		staleSession util.Date
		stale        []domain.Whale
	)

	m.mu.Lock()
	for _, w := range records {
		if session := m.cal.TradingDate(w.TradeTS); session != today {
			dropped++
			if session.Before(today) {
				switch {
				case staleSession.Before(session):
					staleSession, stale = session, []domain.Whale{w}
				case session == staleSession:
					stale = append(stale, w)
				}
			}
			continue
		}
		w.DTE = m.cal.DTE(w.Expiry, now)
		if !inShortView(&w) {
			dropped++
			continue
		}
		if m.admit != nil && m.admit.Admit(w, now) != domain.RejectNone {
			dropped++
			continue
		}
		key := w.Key()
		if _, dup := m.seen[key]; dup {
			dropped++
			continue
		}
		m.seen[key] = w.IngestTS
		m.seenOrder = append(m.seenOrder, seenEntry{key: key, at: w.IngestTS})
		m.appendLocked(w)
		kept++
	}
	dropped += m.evictLocked()

	if snap.LastMutationTS > 0 {
		m.lastMutation = time.Unix(snap.LastMutationTS, 0)
		m.markReadyLocked()
	}
	if snap.LastClearTS > 0 {
		m.lastClear = time.Unix(snap.LastClearTS, 0)
	}
	size := len(m.all)
	m.mu.Unlock()

	m.metrics.CacheSize.Set(float64(size))
	m.log.Info("warm load", "kept", kept, "dropped", dropped)
	if len(stale) > 0 {
		m.log.Info("archiving prior session from snapshot", "session", staleSession.String(), "records", len(stale))
		if m.onWipe != nil {
			go m.onWipe(staleSession, stale)
		}
	}
	return kept, dropped
}
