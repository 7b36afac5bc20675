package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronostore/pkg/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func commit(t *testing.T, e *Edit) []domain.Change {
	t.Helper()
	changes := e.Plan()
	require.NoError(t, e.Apply(changes))
	return changes
}

func qty(t *testing.T, rec domain.Record) float64 {
	t.Helper()
	v, ok := rec.Attributes.Float("quantity")
	require.True(t, ok, "quantity missing on %s", rec)
	return v
}

// assertNoOverlap checks every pair of live records.
func assertNoOverlap(t *testing.T, c *Container) {
	t.Helper()
	recs := c.History()
	for i := range recs {
		for j := i + 1; j < len(recs); j++ {
			assert.False(t, recs[i].Overlaps(recs[j]), "%s overlaps %s", recs[i], recs[j])
		}
	}
}

func TestInsertUpdateTerminateScenario(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	t1, t2, t3 := day(2024, 1, 1), day(2024, 1, 2), day(2024, 1, 3)

	e := c.Edit(t1)
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 100})))
	commit(t, e)

	e = c.Edit(t2)
	require.NoError(t, e.Update(day(2020, 6, 1), domain.Attributes{"quantity": 150}))
	commit(t, e)

	e = c.Edit(t3)
	require.NoError(t, e.Terminate(day(2020, 12, 1)))
	commit(t, e)

	rec, ok := c.AsOf(day(2020, 3, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 100.0, qty(t, rec))

	rec, ok = c.AsOf(day(2020, 7, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 150.0, qty(t, rec))

	_, ok = c.AsOf(day(2021, 1, 1), domain.Infinity)
	assert.False(t, ok)

	// Before the termination was processed the entity was still live in 2021.
	rec, ok = c.AsOf(day(2021, 1, 1), t2)
	require.True(t, ok)
	assert.Equal(t, 150.0, qty(t, rec))

	// Before the update was processed the later business date read 100.
	rec, ok = c.AsOf(day(2020, 7, 1), t1)
	require.True(t, ok)
	assert.Equal(t, 100.0, qty(t, rec))

	assertNoOverlap(t, c)
}

func TestUpdateIsTerminatePlusInsert(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 100})))
	commit(t, e)

	at := day(2020, 6, 1)
	e = c.Edit(day(2024, 2, 1))
	require.NoError(t, e.Update(at, domain.Attributes{"quantity": 150}))
	changes := commit(t, e)

	var actions []domain.Action
	for _, ch := range changes {
		actions = append(actions, ch.Action)
	}
	assert.Equal(t, []domain.Action{domain.ActionUpdate, domain.ActionInsert, domain.ActionInsert}, actions)

	before, ok := c.AsOf(at.Add(-time.Microsecond), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 100.0, qty(t, before))
	after, ok := c.AsOf(at, domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 150.0, qty(t, after))
	assert.Len(t, c.Current(), 2)
	assert.Len(t, c.History(), 3)
	assertNoOverlap(t, c)
}

func TestNoGapBetweenInsertAndTerminate(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 1})))
	commit(t, e)

	for i, month := range []time.Month{time.March, time.May, time.July, time.September} {
		e = c.Edit(day(2024, 1, 2+i))
		require.NoError(t, e.Increment(day(2020, month, 1), "quantity", 1))
		commit(t, e)
	}

	for probe := day(2020, 1, 1); probe.Before(day(2021, 1, 1)); probe = probe.AddDate(0, 0, 7) {
		_, ok := c.AsOf(probe, domain.Infinity)
		assert.True(t, ok, "gap at %s", probe)
	}
	rec, ok := c.AsOf(day(2020, 10, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 5.0, qty(t, rec))
	assertNoOverlap(t, c)
}

func TestSameInstantUpdatesLeaveNoSliver(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 100})))
	commit(t, e)

	at := day(2020, 6, 1)
	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.Update(at, domain.Attributes{"quantity": 150}))
	require.NoError(t, e.Update(at, domain.Attributes{"quantity": 175}))
	commit(t, e)

	current := c.Current()
	require.Len(t, current, 2)
	assert.True(t, current[1].Business.From.Equal(at))
	assert.Equal(t, 175.0, qty(t, current[1]))
	for _, rec := range c.History() {
		assert.False(t, rec.Business.IsEmpty(), "empty business range %s", rec)
		assert.False(t, rec.Processing.IsEmpty(), "empty processing range %s", rec)
	}
}

func TestInsertOverlapAndBeforeTermination(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.InsertUntil(domain.NewDatedRecord("P1", day(2020, 6, 1), domain.Attributes{"quantity": 1}), day(2020, 9, 1)))
	commit(t, e)

	e = c.Edit(day(2024, 1, 2))
	err := e.Insert(domain.NewDatedRecord("P1", day(2020, 7, 1), nil))
	var overlap domain.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, "P1", overlap.Key)

	err = e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), nil))
	var before domain.InvalidInsertBeforeTerminationError
	require.ErrorAs(t, err, &before)

	require.NoError(t, e.InsertUntil(domain.NewDatedRecord("P1", day(2020, 1, 1), nil), day(2020, 6, 1)))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 9, 1), nil)))
	commit(t, e)
	assert.Len(t, c.Current(), 3)
	assertNoOverlap(t, c)
}

func TestInsertAllowedAfterTerminationInSameEdit(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 1})))
	commit(t, e)

	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.Terminate(day(2020, 3, 1)))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 3, 1), domain.Attributes{"quantity": 2})))
	commit(t, e)

	rec, ok := c.AsOf(day(2020, 4, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 2.0, qty(t, rec))
	assertNoOverlap(t, c)
}

func TestTerminateUntilKeepsBothEnds(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 7})))
	commit(t, e)

	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.TerminateUntil(day(2020, 3, 1), day(2020, 4, 1)))
	commit(t, e)

	_, ok := c.AsOf(day(2020, 3, 15), domain.Infinity)
	assert.False(t, ok)
	for _, probe := range []time.Time{day(2020, 2, 1), day(2020, 5, 1)} {
		rec, ok := c.AsOf(probe, domain.Infinity)
		require.True(t, ok)
		assert.Equal(t, 7.0, qty(t, rec))
	}
	got := c.InRange(domain.Range{From: day(2020, 1, 1), To: day(2021, 1, 1)}, domain.Infinity)
	assert.Len(t, got, 2)
}

func TestUpdateUntilAndIncrementUntil(t *testing.T) {
	c := NewContainer("Balance", "B1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("B1", day(2020, 1, 1), domain.Attributes{"quantity": 10, "desk": "a"})))
	commit(t, e)

	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.UpdateUntil(day(2020, 2, 1), day(2020, 3, 1), domain.Attributes{"desk": "b"}))
	require.NoError(t, e.IncrementUntil(day(2020, 2, 15), day(2020, 4, 1), "quantity", 2.5))
	commit(t, e)

	rec, _ := c.AsOf(day(2020, 2, 20), domain.Infinity)
	desk, _ := rec.Attributes.String("desk")
	assert.Equal(t, "b", desk)
	assert.Equal(t, 12.5, qty(t, rec))
	rec, _ = c.AsOf(day(2020, 3, 20), domain.Infinity)
	desk, _ = rec.Attributes.String("desk")
	assert.Equal(t, "a", desk)
	assert.Equal(t, 12.5, qty(t, rec))
	rec, _ = c.AsOf(day(2020, 5, 1), domain.Infinity)
	assert.Equal(t, 10.0, qty(t, rec))
	assertNoOverlap(t, c)
}

func TestInsertWithIncrement(t *testing.T) {
	c := NewContainer("Balance", "B1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("B1", day(2020, 6, 1), domain.Attributes{"quantity": 100})))
	commit(t, e)

	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.InsertWithIncrement(domain.NewDatedRecord("B1", day(2020, 1, 1), domain.Attributes{"quantity": 20})))
	commit(t, e)

	rec, ok := c.AsOf(day(2020, 2, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 20.0, qty(t, rec))
	assert.True(t, rec.Business.To.Equal(day(2020, 6, 1)))
	rec, ok = c.AsOf(day(2020, 7, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 120.0, qty(t, rec))
	assertNoOverlap(t, c)
}

func TestBusinessDatedKindDropsReplacedRecords(t *testing.T) {
	c := NewContainer("Price", "X", domain.KindBusinessDated)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("X", day(2020, 1, 1), domain.Attributes{"quantity": 1})))
	commit(t, e)

	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.Update(day(2020, 6, 1), domain.Attributes{"quantity": 2}))
	changes := commit(t, e)
	assert.Equal(t, domain.ActionDelete, changes[0].Action)

	assert.Len(t, c.History(), 2)
	for _, rec := range c.History() {
		assert.True(t, rec.Processing.Equal(domain.All))
	}
}

func TestPurgeRemovesHistory(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 1})))
	commit(t, e)
	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.Update(day(2020, 2, 1), domain.Attributes{"quantity": 2}))
	commit(t, e)

	e = c.Edit(day(2024, 1, 3))
	e.Purge()
	changes := commit(t, e)
	assert.Len(t, changes, 3)
	assert.Zero(t, c.Len())
	assert.True(t, c.IsEmpty())
}

func TestInactivateForArchiving(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 1})))
	commit(t, e)

	e = c.Edit(day(2024, 2, 1))
	require.NoError(t, e.InactivateForArchiving(day(2024, 2, 1), day(2023, 1, 1)))
	commit(t, e)

	assert.True(t, c.IsEmpty())
	hist := c.History()
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Processing.To.Equal(day(2024, 2, 1)))
	assert.True(t, hist[0].Business.To.Equal(day(2023, 1, 1)))
}

func TestInsertForRecoveryRejectsOverlappingRectangles(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	closed := domain.Record{
		Key:        "P1",
		Business:   domain.OpenFrom(day(2020, 1, 1)),
		Processing: domain.Range{From: day(2023, 1, 1), To: day(2024, 1, 1)},
		Attributes: domain.Attributes{"quantity": int64(1)},
	}
	require.NoError(t, c.InsertForRecovery(closed))
	current := closed.Clone()
	current.Processing = domain.OpenFrom(day(2024, 1, 1))
	require.NoError(t, c.InsertForRecovery(current))

	clash := closed.Clone()
	clash.Business = domain.Range{From: day(2021, 1, 1), To: day(2022, 1, 1)}
	clash.Processing = domain.Range{From: day(2023, 6, 1), To: day(2023, 7, 1)}
	err := c.InsertForRecovery(clash)
	assert.True(t, domain.IsOverlap(err))

	rec, ok := c.AsOf(day(2021, 1, 1), day(2023, 6, 1))
	require.True(t, ok)
	assert.True(t, rec.Processing.To.Equal(day(2024, 1, 1)))
	assert.Len(t, c.History(), 2)
}

func TestSnapshotRestore(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 1})))
	commit(t, e)

	snap := c.Snapshot()
	e = c.Edit(day(2024, 1, 2))
	require.NoError(t, e.Update(day(2020, 2, 1), domain.Attributes{"quantity": 2}))
	commit(t, e)
	require.Len(t, c.History(), 3)

	c.Restore(snap)
	assert.Len(t, c.History(), 1)
	assert.Equal(t, 1, c.Generations())
	rec, ok := c.AsOf(day(2020, 5, 1), domain.Infinity)
	require.True(t, ok)
	assert.Equal(t, 1.0, qty(t, rec))
}

func TestStaleEditIsRejected(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	first := c.Edit(day(2024, 1, 1))
	second := c.Edit(day(2024, 1, 1))
	require.NoError(t, first.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), nil)))
	require.NoError(t, second.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), nil)))
	commit(t, first)
	assert.ErrorIs(t, second.Apply(second.Plan()), ErrStaleEdit)
}

func TestModificationsRejectInfinityAndMissingData(t *testing.T) {
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	e := c.Edit(day(2024, 1, 1))
	assert.ErrorIs(t, e.Update(domain.Infinity, domain.Attributes{"quantity": 1}), ErrInfiniteBusinessDate)
	assert.True(t, domain.IsNotFound(e.Terminate(day(2020, 1, 1))))
	assert.False(t, e.Dirty())
}

// scanAsOf finds the record containing the point by visiting every live record.
func scanAsOf(c *Container, business, processing time.Time) (domain.Record, bool) {
	for _, rec := range c.History() {
		if rec.ContainsPoint(business, processing) {
			return rec, true
		}
	}
	return domain.Record{}, false
}

func assertAsOfMatchesScan(t *testing.T, c *Container, businesses, processings []time.Time) {
	t.Helper()
	for _, p := range processings {
		for _, b := range businesses {
			want, wantOK := scanAsOf(c, b, p)
			got, ok := c.AsOf(b, p)
			require.Equal(t, wantOK, ok, "as of %s / %s", b, p)
			if ok {
				assert.Equal(t, want, got, "as of %s / %s", b, p)
			}
		}
	}
}

func buildLongHistory(t *testing.T, edits int) (*Container, time.Time) {
	t.Helper()
	c := NewContainer("Position", "P1", domain.KindBitemporal)
	base := day(2024, 1, 1)
	e := c.Edit(base)
	require.NoError(t, e.Insert(domain.NewDatedRecord("P1", day(2020, 1, 1), domain.Attributes{"quantity": 0})))
	commit(t, e)
	for i := 1; i <= edits; i++ {
		e = c.Edit(base.Add(time.Duration(i) * time.Hour))
		require.NoError(t, e.Update(day(2020, 1, 1).AddDate(0, 0, i), domain.Attributes{"quantity": i}))
		commit(t, e)
	}
	return c, base
}

func TestHistoricalAsOfOnLongHistory(t *testing.T) {
	const edits = 300
	c, base := buildLongHistory(t, edits)
	assert.Equal(t, edits+1, c.planes.Len())

	for _, i := range []int{1, 17, 150, edits} {
		p := base.Add(time.Duration(i)*time.Hour + 30*time.Minute)
		rec, ok := c.AsOf(day(2020, 1, 1).AddDate(0, 0, i), p)
		require.True(t, ok)
		assert.Equal(t, float64(i), qty(t, rec))

		rec, ok = c.AsOf(day(2020, 1, 1), p)
		require.True(t, ok)
		assert.Equal(t, 0.0, qty(t, rec))
	}
	_, ok := c.AsOf(day(2020, 6, 1), base.Add(-time.Hour))
	assert.False(t, ok)

	var businesses, processings []time.Time
	for i := 0; i <= edits; i += 23 {
		businesses = append(businesses, day(2020, 1, 1).AddDate(0, 0, i))
		processings = append(processings, base.Add(time.Duration(i)*time.Hour), base.Add(time.Duration(i)*time.Hour+time.Minute))
	}
	businesses = append(businesses, day(2019, 1, 1))
	assertAsOfMatchesScan(t, c, businesses, processings)

	inRange := c.InRange(domain.Range{From: day(2020, 1, 1), To: day(2020, 1, 10)}, base.Add(5*time.Hour))
	require.Len(t, inRange, 6)
	for i, rec := range inRange {
		assert.Equal(t, float64(i), qty(t, rec))
	}
}

func TestHistoricalAsOfAfterOutOfOrderRecovery(t *testing.T) {
	src, base := buildLongHistory(t, 40)
	hist := src.History()

	c := NewContainer("Position", "P1", domain.KindBitemporal)
	for i := len(hist) - 1; i >= 0; i-- {
		require.NoError(t, c.InsertForRecovery(hist[i]))
	}
	assert.True(t, c.planesStale)

	var businesses, processings []time.Time
	for i := 0; i <= 40; i += 3 {
		businesses = append(businesses, day(2020, 1, 1).AddDate(0, 0, i))
		processings = append(processings, base.Add(time.Duration(i)*time.Hour+time.Minute))
	}
	assertAsOfMatchesScan(t, c, businesses, processings)
	assert.False(t, c.planesStale)
}

func TestSnapshotRestoreRewindsHistoricalReads(t *testing.T) {
	c, base := buildLongHistory(t, 3)
	snap := c.Snapshot()

	e := c.Edit(base.Add(10 * time.Hour))
	require.NoError(t, e.Update(day(2020, 1, 2), domain.Attributes{"quantity": 99}))
	commit(t, e)
	rec, ok := c.AsOf(day(2020, 1, 2), base.Add(11*time.Hour))
	require.True(t, ok)
	assert.Equal(t, 99.0, qty(t, rec))

	c.Restore(snap)
	rec, ok = c.AsOf(day(2020, 1, 2), base.Add(11*time.Hour))
	require.True(t, ok)
	assert.Equal(t, 1.0, qty(t, rec))
	assertAsOfMatchesScan(t, c,
		[]time.Time{day(2020, 1, 1), day(2020, 1, 2), day(2020, 1, 4)},
		[]time.Time{base, base.Add(2 * time.Hour), base.Add(11 * time.Hour)})
}
