package live

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalestream/internal/domain"
	"whalestream/internal/metrics"
	"whalestream/internal/store"
	"whalestream/internal/util"
)

func et(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, util.Eastern)
}

// whale builds a record traded at ts with the given DTE.
func whale(contract string, ts time.Time, dte int) domain.Whale {
	cal := util.NewTradingCalendar(nil)
	return domain.Whale{
		Underlying:   "SPY",
		ContractID:   contract,
		Strike:       decimal.NewFromInt(500),
		Expiry:       cal.TradingDate(ts).AddDays(dte),
		Side:         domain.Call,
		Volume:       1000,
		OpenInterest: 500,
		LastPrice:    decimal.RequireFromString("3"),
		Premium:      decimal.NewFromInt(300000),
		DTE:          dte,
		Moneyness:    domain.OTM,
		Flags:        []domain.Flag{},
		TradeTS:      ts,
		IngestTS:     ts,
		Source:       domain.SourcePolygon,
	}
}

type fixture struct {
	clock   *util.FixedClock
	metrics *metrics.Metrics
	model   *WhaleModel
}

func newFixture(t *testing.T, now time.Time, opts Options) *fixture {
	t.Helper()
	f := &fixture{clock: util.NewFixedClock(now), metrics: metrics.New()}
	opts.Clock = f.clock
	opts.Metrics = f.metrics
	opts.Logger = util.Discard()
	f.model = NewWhaleModel(opts)
	return f
}

func TestInsertDedup(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	w := whale("SPY250314C00500000", et(2025, 3, 10, 9, 55), 4)

	assert.True(t, f.model.Insert(w))

	dup := w
	dup.Source = domain.SourceMarketData
	dup.TradeTS = w.TradeTS.Add(400 * time.Millisecond)
	assert.False(t, f.model.Insert(dup), "same print from the other provider")

	page := f.model.Snapshot(Query{View: domain.ViewShortDTE}, 0, 0)
	require.Len(t, page.Data, 1)
	assert.Equal(t, domain.SourcePolygon, page.Data[0].Source, "first arrival wins")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DedupHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Inserts))
}

func TestSnapshotLoadingUntilFirstInsert(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})

	page := f.model.Snapshot(Query{}, 25, 0)
	assert.True(t, page.Loading)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)

	select {
	case <-f.model.Ready():
		t.Fatal("ready before any data")
	default:
	}

	f.model.Insert(whale("A", et(2025, 3, 10, 9, 55), 1))
	page = f.model.Snapshot(Query{}, 25, 0)
	assert.False(t, page.Loading)
	assert.Len(t, page.Data, 1)

	select {
	case <-f.model.Ready():
	default:
		t.Fatal("not ready after insert")
	}
}

func TestViewsAndOrdering(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	base := et(2025, 3, 10, 9, 30)

	f.model.Insert(whale("near", base, 2))
	f.clock.Advance(time.Second)
	f.model.Insert(whale("far", base.Add(time.Minute), 90))
	f.clock.Advance(time.Second)
	f.model.Insert(whale("zero", base.Add(2*time.Minute), 0))

	all := f.model.Snapshot(Query{View: domain.ViewAll}, 0, 0)
	require.Len(t, all.Data, 3)
	assert.Equal(t, []string{"zero", "far", "near"}, ids(all.Data), "newest first")

	short := f.model.Snapshot(Query{View: domain.ViewShortDTE}, 0, 0)
	assert.Equal(t, []string{"zero", "near"}, ids(short.Data))

	nAll, nShort := f.model.Counts()
	assert.Equal(t, 3, nAll)
	assert.Equal(t, 2, nShort)
}

func TestSnapshotPaginationAndFilters(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	base := et(2025, 3, 10, 9, 30)
	for i := 0; i < 10; i++ {
		w := whale(fmt.Sprintf("C%02d", i), base.Add(time.Duration(i)*time.Second), 5)
		if i%2 == 0 {
			w.Flags = []domain.Flag{domain.FlagLotto}
		}
		if i >= 8 {
			w.Underlying = "NVDA"
		}
		f.model.Insert(w)
	}

	page := f.model.Snapshot(Query{}, 3, 2)
	assert.Equal(t, []string{"C07", "C06", "C05"}, ids(page.Data))
	assert.Equal(t, 10, page.Total)

	lotto := f.model.Snapshot(Query{LottoOnly: true}, 0, 0)
	assert.Equal(t, []string{"C08", "C06", "C04", "C02", "C00"}, ids(lotto.Data))

	nvda := f.model.Snapshot(Query{Underlying: "nvda"}, 0, 0)
	assert.Equal(t, []string{"C09", "C08"}, ids(nvda.Data))

	assert.Equal(t, []string{"NVDA", "SPY"}, f.model.Tickers(domain.ViewShortDTE))
}

func TestEvictionKeepsNewest(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{Cap: 5})
	base := et(2025, 3, 10, 9, 30)
	for i := 0; i < 12; i++ {
		dte := 3
		if i%3 == 0 {
			dte = 60
		}
		f.model.Insert(whale(fmt.Sprintf("C%02d", i), base.Add(time.Duration(i)*time.Second), dte))
	}

	all := f.model.Snapshot(Query{View: domain.ViewAll}, 0, 0)
	assert.Equal(t, []string{"C11", "C10", "C09", "C08", "C07"}, ids(all.Data))

	short := f.model.Snapshot(Query{}, 0, 0)
	assert.Equal(t, []string{"C11", "C10", "C08", "C07"}, ids(short.Data))
	assert.Equal(t, 7.0, testutil.ToFloat64(f.metrics.Evictions))
	assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.CacheSize))

	// Evicted prints stay deduplicated.
	assert.False(t, f.model.Insert(whale("C00", base, 60)))
}

func TestBoundedUnderSustainedLoad(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{Cap: 100})
	base := et(2025, 3, 10, 9, 30)
	for i := 0; i < 5000; i++ {
		f.model.Insert(whale(fmt.Sprintf("C%05d", i), base.Add(time.Duration(i)*time.Millisecond*5), 7))
	}
	nAll, nShort := f.model.Counts()
	assert.Equal(t, 100, nAll)
	assert.Equal(t, 100, nShort)
}

func TestSeenKeysExpireAfterADay(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	f.model.Insert(whale("A", et(2025, 3, 10, 9, 55), 4))
	assert.Equal(t, 1, f.model.SeenCount())

	f.clock.Advance(25 * time.Hour)
	f.model.Insert(whale("B", f.clock.Now(), 4))
	assert.Equal(t, 1, f.model.SeenCount())
}

func TestPremarketWipe(t *testing.T) {
	var (
		mu       sync.Mutex
		archived []domain.Whale
		session  util.Date
	)
	done := make(chan struct{})
	f := newFixture(t, et(2025, 3, 7, 15, 0), Options{
		OnWipe: func(d util.Date, wiped []domain.Whale) {
			mu.Lock()
			session, archived = d, wiped
			mu.Unlock()
			close(done)
		},
	})

	for i := 0; i < 5; i++ {
		f.model.Insert(whale(fmt.Sprintf("F%d", i), et(2025, 3, 7, 14, i), 7))
	}

	// Monday pre-market: the first tick wipes, the second does not.
	f.clock.Set(et(2025, 3, 10, 4, 5))
	assert.True(t, f.model.Rollover())
	f.clock.Advance(15 * time.Second)
	assert.False(t, f.model.Rollover())

	nAll, _ := f.model.Counts()
	assert.Equal(t, 0, nAll)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Wipes))
	assert.Equal(t, et(2025, 3, 10, 4, 5), f.model.LastClear())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("archive hook not called")
	}
	mu.Lock()
	assert.Len(t, archived, 5)
	assert.Equal(t, "2025-03-07", session.String())
	mu.Unlock()

	assert.True(t, f.model.Insert(whale("M0", et(2025, 3, 10, 4, 5), 4)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Wipes))
}

func TestInsertTriggersWipe(t *testing.T) {
	f := newFixture(t, et(2025, 3, 7, 15, 0), Options{})
	f.model.Insert(whale("F", et(2025, 3, 7, 14, 0), 7))

	f.clock.Set(et(2025, 3, 10, 4, 1))
	assert.True(t, f.model.Insert(whale("M", et(2025, 3, 10, 4, 0), 4)))

	all := f.model.Snapshot(Query{View: domain.ViewAll}, 0, 0)
	assert.Equal(t, []string{"M"}, ids(all.Data))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Wipes))
}

func TestWeekendServesFriday(t *testing.T) {
	f := newFixture(t, et(2025, 3, 14, 15, 0), Options{})
	f.model.Insert(whale("FRI", et(2025, 3, 14, 14, 0), 7))

	f.clock.Set(et(2025, 3, 15, 10, 0))
	page := f.model.Snapshot(Query{}, 0, 0)
	assert.Equal(t, []string{"FRI"}, ids(page.Data))

	// No wipe happens on weekends; Monday's regular session with no
	// pre-market tick still hides Friday's tape.
	f.clock.Set(et(2025, 3, 17, 10, 0))
	page = f.model.Snapshot(Query{}, 0, 0)
	assert.Empty(t, page.Data)
}

func TestSubscribeReceivesInsertsInOrder(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	f.model.Insert(whale("pre", et(2025, 3, 10, 9, 31), 3))

	sub, first := f.model.Subscribe(Query{})
	assert.Equal(t, []string{"pre"}, ids(first.Data))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Subscribers))

	for i := 0; i < 3; i++ {
		f.model.Insert(whale(fmt.Sprintf("N%d", i), et(2025, 3, 10, 9, 40+i), 3))
	}
	f.model.Insert(whale("long", et(2025, 3, 10, 9, 50), 120)) // not in the 30-DTE view

	for i := 0; i < 3; i++ {
		ev := <-sub.C
		assert.Equal(t, EventInsert, ev.Kind)
		assert.Equal(t, fmt.Sprintf("N%d", i), ev.Whale.ContractID)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	f.model.Unsubscribe(sub.ID)
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Subscribers))
	f.model.Unsubscribe(sub.ID) // second call is a no-op
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	f.model.Insert(whale("first", et(2025, 3, 10, 9, 31), 3))

	// The subscriber takes its first event (the snapshot) and then stalls.
	stalled, first := f.model.Subscribe(Query{})
	require.Len(t, first.Data, 1)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.True(t, f.model.Insert(whale(fmt.Sprintf("W%03d", i), et(2025, 3, 10, 9, 32).Add(time.Duration(i)*time.Second), 3)))
	}
	assert.Less(t, time.Since(start), time.Second, "writer never blocks on a stalled reader")

	drained := 0
	for range stalled.C {
		drained++
	}
	assert.Equal(t, DefaultBufSize, drained, "buffer filled, then channel closed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SlowSubscribersOut))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Subscribers))

	// A reconnecting client starts over with a full snapshot.
	again, page := f.model.Subscribe(Query{})
	assert.Len(t, page.Data, 101)
	f.model.Unsubscribe(again.ID)
}

func TestWipePublishesReset(t *testing.T) {
	f := newFixture(t, et(2025, 3, 7, 15, 0), Options{})
	f.model.Insert(whale("F", et(2025, 3, 7, 14, 0), 7))
	sub, _ := f.model.Subscribe(Query{View: domain.ViewAll})

	f.clock.Set(et(2025, 3, 10, 4, 5))
	f.model.Rollover()

	ev := <-sub.C
	assert.Equal(t, EventReset, ev.Kind)
}

type rejectAll struct{}

func (rejectAll) Admit(domain.Whale, time.Time) domain.RejectReason { return domain.RejectPremiumLow }

func TestDumpAndLoad(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 11, 0), Options{})
	f.model.Insert(whale("A", et(2025, 3, 10, 10, 0), 3))
	f.clock.Advance(time.Minute)
	f.model.Insert(whale("B", et(2025, 3, 10, 10, 30), 10))
	f.clock.Advance(time.Minute)
	f.model.Insert(whale("LONG", et(2025, 3, 10, 10, 45), 60))

	snap := f.model.Dump()
	require.Len(t, snap.ViewAll, 3)
	assert.Equal(t, "LONG", snap.ViewAll[0].ContractID, "newest first on disk")
	assert.Equal(t, f.clock.Now().Unix(), snap.LastMutationTS)

	// Stale record from the previous session rides along on disk.
	snap.ViewAll = append(snap.ViewAll, whale("OLD", et(2025, 3, 7, 15, 0), 5))

	restarted := newFixture(t, et(2025, 3, 10, 12, 0), Options{})
	kept, dropped := restarted.model.Load(snap)
	assert.Equal(t, 2, kept)
	assert.Equal(t, 2, dropped)

	all := restarted.model.Snapshot(Query{View: domain.ViewAll}, 0, 0)
	assert.Equal(t, []string{"B", "A"}, ids(all.Data))
	assert.False(t, all.Loading)
	assert.Equal(t, snap.LastMutationTS, all.LastMutation.Unix())

	// Loaded keys still deduplicate.
	assert.False(t, restarted.model.Insert(whale("A", et(2025, 3, 10, 10, 0), 3)))

	rejecting := newFixture(t, et(2025, 3, 10, 12, 0), Options{Admit: rejectAll{}})
	kept, _ = rejecting.model.Load(snap)
	assert.Equal(t, 0, kept)
}

func TestLoadEmptySnapshotStaysLoading(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 12, 0), Options{})
	kept, dropped := f.model.Load(store.Snapshot{})
	assert.Zero(t, kept)
	assert.Zero(t, dropped)
	assert.True(t, f.model.Snapshot(Query{}, 0, 0).Loading)
}

func TestChangesSignalsPersistence(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{})
	f.model.Insert(whale("A", et(2025, 3, 10, 9, 55), 4))
	select {
	case <-f.model.Changes():
	default:
		t.Fatal("no change signal after insert")
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	f := newFixture(t, et(2025, 3, 10, 10, 0), Options{Cap: 200})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				f.model.Insert(whale(fmt.Sprintf("W%d-%d", w, i), et(2025, 3, 10, 9, 40).Add(time.Duration(i)*time.Second), 3))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				page := f.model.Snapshot(Query{}, 25, 0)
				assert.LessOrEqual(t, len(page.Data), 25)
			}
		}()
	}
	wg.Wait()

	nAll, _ := f.model.Counts()
	assert.Equal(t, 200, nAll)
	assert.Equal(t, 1000.0, testutil.ToFloat64(f.metrics.Inserts))
}

func TestInsertStampsIngestUnderLock(t *testing.T) {
	start := et(2025, 3, 10, 10, 0)
	f := newFixture(t, start, Options{})
	sub, _ := f.model.Subscribe(Query{})

	// Normalized in the opposite order to their arrival at the model.
	late := whale("LATE", et(2025, 3, 10, 9, 50), 3)
	late.IngestTS = start.Add(2 * time.Millisecond)
	early := whale("EARLY", et(2025, 3, 10, 9, 51), 3)
	early.IngestTS = start.Add(time.Millisecond)

	f.clock.Set(start.Add(3 * time.Millisecond))
	require.True(t, f.model.Insert(late))
	f.clock.Set(start.Add(4 * time.Millisecond))
	require.True(t, f.model.Insert(early))

	first, second := <-sub.C, <-sub.C
	assert.Equal(t, "LATE", first.Whale.ContractID)
	assert.Equal(t, "EARLY", second.Whale.ContractID)
	assert.True(t, first.Whale.IngestTS.Equal(start.Add(3*time.Millisecond)))
	assert.False(t, second.Whale.IngestTS.Before(first.Whale.IngestTS), "events ordered by ingest time")

	page := f.model.Snapshot(Query{}, 0, 0)
	require.Equal(t, []string{"EARLY", "LATE"}, ids(page.Data))
	assert.False(t, page.Data[0].IngestTS.Before(page.Data[1].IngestTS), "newest first by ingest time")
	assert.Equal(t, util.Eastern, page.Data[0].IngestTS.Location())
	f.model.Unsubscribe(sub.ID)
}

// lockCheckHandler records whether the model's write lock was free when a
// record was logged.
type lockCheckHandler struct {
	slog.Handler
	model   *WhaleModel
	mu      sync.Mutex
	entries []string
	locked  bool
}

func (h *lockCheckHandler) Handle(ctx context.Context, r slog.Record) error {
	free := h.model.mu.TryLock()
	if free {
		h.model.mu.Unlock()
	}
	h.mu.Lock()
	h.entries = append(h.entries, r.Message)
	if !free {
		h.locked = true
	}
	h.mu.Unlock()
	return nil
}

func (h *lockCheckHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func TestSlowSubscriberLoggedOutsideLock(t *testing.T) {
	clock := util.NewFixedClock(et(2025, 3, 10, 10, 0))
	h := &lockCheckHandler{Handler: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})}
	model := NewWhaleModel(Options{Clock: clock, Metrics: metrics.New(), Logger: slog.New(h), BufSize: 1})
	h.model = model

	stalled, _ := model.Subscribe(Query{})
	for i := 0; i < 3; i++ {
		require.True(t, model.Insert(whale(fmt.Sprintf("W%d", i), et(2025, 3, 10, 9, 40+i), 3)))
	}
	for range stalled.C {
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Contains(t, h.entries, "slow subscriber dropped")
	assert.False(t, h.locked, "no log line written while holding the write lock")
}

func TestLoadArchivesPriorSession(t *testing.T) {
	archived := make(chan []domain.Whale, 1)
	var session util.Date
	f := newFixture(t, et(2025, 3, 10, 12, 0), Options{
		OnWipe: func(d util.Date, wiped []domain.Whale) {
			session = d
			archived <- wiped
		},
	})

	snap := store.Snapshot{ViewAll: []domain.Whale{
		whale("TODAY", et(2025, 3, 10, 10, 0), 3),
		whale("FRI2", et(2025, 3, 7, 15, 30), 5),
		whale("FRI1", et(2025, 3, 7, 15, 0), 5),
		whale("THU", et(2025, 3, 6, 15, 0), 6),
	}}
	kept, dropped := f.model.Load(snap)
	assert.Equal(t, 1, kept)
	assert.Equal(t, 3, dropped)

	select {
	case wiped := <-archived:
		assert.Equal(t, "2025-03-07", session.String())
		assert.Equal(t, []string{"FRI1", "FRI2"}, ids(wiped), "oldest first, older sessions skipped")
	case <-time.After(time.Second):
		t.Fatal("prior session never reached the archive")
	}
}

func TestLoadWithoutPriorSessionSkipsArchive(t *testing.T) {
	called := make(chan struct{}, 1)
	f := newFixture(t, et(2025, 3, 10, 12, 0), Options{
		OnWipe: func(util.Date, []domain.Whale) { called <- struct{}{} },
	})
	f.model.Load(store.Snapshot{ViewAll: []domain.Whale{whale("TODAY", et(2025, 3, 10, 10, 0), 3)}})
	select {
	case <-called:
		t.Fatal("archive hook called without a prior session")
	case <-time.After(50 * time.Millisecond):
	}
}

func ids(ws []domain.Whale) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ContractID
	}
	return out
}
