package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/chronostore/chronostore/internal/cursor"
	"github.com/chronostore/chronostore/internal/storage"
)

// fakeClock returns a fixed time until advanced.
type fakeClock struct {
	now int64
}

func (c *fakeClock) Now() int64 { return c.now }

func setupEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: 1000}
	eng := New(storage.NewMemoryStore(), WithClock(clock))
	return eng, clock
}

func mustPut(t *testing.T, eng *Engine, key, value string) storage.Record {
	t.Helper()

	rec, err := eng.Put(context.Background(), key, json.RawMessage(value))
	if err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
	return rec
}

func TestPut_StampsClockTime(t *testing.T) {
	eng, clock := setupEngine(t)

	clock.now = 1700000000
	rec := mustPut(t, eng, "k", `{"a":1}`)

	if rec.CreatedAt != 1700000000 {
		t.Errorf("created_at = %d, want 1700000000", rec.CreatedAt)
	}
	if rec.ID < 1 {
		t.Errorf("id = %d", rec.ID)
	}
}

func TestPut_NeverDedups(t *testing.T) {
	eng, _ := setupEngine(t)

	r1 := mustPut(t, eng, "k", `{"same":true}`)
	r2 := mustPut(t, eng, "k", `{"same":true}`)

	if r2.ID <= r1.ID {
		t.Errorf("identical value did not create a new version: %d <= %d", r2.ID, r1.ID)
	}
}

func TestPut_RejectsBadInput(t *testing.T) {
	eng, _ := setupEngine(t)
	longKey := string(make([]byte, MaxKeyBytes+1))

	cases := []struct {
		name  string
		key   string
		value string
		field string
	}{
		{"empty key", "", `{"a":1}`, "key"},
		{"oversized key", longKey, `{"a":1}`, "key"},
		{"missing value", "k", "", "value"},
		{"null value", "k", "null", "value"},
		{"invalid json value", "k", `{broken`, "value"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Put(context.Background(), tc.key, json.RawMessage(tc.value))
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			var inputErr *InputError
			if !errors.As(err, &inputErr) || inputErr.Field != tc.field {
				t.Errorf("err = %v, want field %q", err, tc.field)
			}
		})
	}
}

func TestPut_AcceptsAnyNonNullJSON(t *testing.T) {
	eng, _ := setupEngine(t)

	for _, value := range []string{`{"a":1}`, `[1,2,3]`, `"text"`, `42`, `false`} {
		if _, err := eng.Put(context.Background(), "k", json.RawMessage(value)); err != nil {
			t.Errorf("Put(%s): %v", value, err)
		}
	}
}

func TestFindLatestByKey_MonotonicVersioning(t *testing.T) {
	eng, clock := setupEngine(t)

	v1 := mustPut(t, eng, "k", `"v1"`)
	clock.now++
	v2 := mustPut(t, eng, "k", `"v2"`)

	got, err := eng.FindLatestByKey(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != v2.ID {
		t.Errorf("latest id = %d, want %d", got.ID, v2.ID)
	}
	if v2.ID <= v1.ID {
		t.Errorf("v2.id %d not greater than v1.id %d", v2.ID, v1.ID)
	}
	if string(got.Value) != `"v2"` {
		t.Errorf("value = %s", got.Value)
	}
}

func TestFindLatestByKey_IdempotentReads(t *testing.T) {
	eng, _ := setupEngine(t)
	mustPut(t, eng, "k", `{"a":1}`)

	first, err := eng.FindLatestByKey(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.FindLatestByKey(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reads differ: %+v vs %+v", first, second)
	}
}

func TestFindLatestByKey_TieBreakOnID(t *testing.T) {
	eng, _ := setupEngine(t)

	// Same clock second for both writes: id decides.
	mustPut(t, eng, "k", `"older"`)
	newer := mustPut(t, eng, "k", `"newer"`)

	got, err := eng.FindLatestByKey(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != newer.ID {
		t.Errorf("latest id = %d, want %d", got.ID, newer.ID)
	}
}

func TestFindLatestByKey_NotFound(t *testing.T) {
	eng, _ := setupEngine(t)

	_, err := eng.FindLatestByKey(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetValueAt_AsOfCorrectness(t *testing.T) {
	eng, clock := setupEngine(t)

	clock.now = 100
	mustPut(t, eng, "k", `"A"`)
	clock.now = 200
	mustPut(t, eng, "k", `"B"`)

	cases := []struct {
		name      string
		timestamp int64
		want      string
		notFound  bool
	}{
		{"between versions", 150, `"A"`, false},
		{"exactly at write", 200, `"B"`, false},
		{"exactly at first write", 100, `"A"`, false},
		{"after all writes", 999, `"B"`, false},
		{"before first write", 50, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eng.GetValueAt(context.Background(), "k", tc.timestamp)
			if tc.notFound {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("err = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got.Value) != tc.want {
				t.Errorf("value = %s, want %s", got.Value, tc.want)
			}
		})
	}
}

func TestGetValueAt_RejectsNonPositiveTimestamp(t *testing.T) {
	eng, _ := setupEngine(t)
	mustPut(t, eng, "k", `1`)

	for _, ts := range []int64{0, -1} {
		_, err := eng.GetValueAt(context.Background(), "k", ts)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("GetValueAt(k, %d) err = %v, want ErrInvalidInput", ts, err)
		}
	}
}

func TestGetValueAt_TieBreakOnID(t *testing.T) {
	eng, clock := setupEngine(t)

	clock.now = 100
	mustPut(t, eng, "k", `"first"`)
	second := mustPut(t, eng, "k", `"second"`)

	got, err := eng.GetValueAt(context.Background(), "k", 100)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != second.ID {
		t.Errorf("id = %d, want %d", got.ID, second.ID)
	}
}

func TestListLatest_OnePerKey(t *testing.T) {
	eng, clock := setupEngine(t)

	for i := 0; i < 3; i++ {
		clock.now++
		mustPut(t, eng, "k1", fmt.Sprintf(`{"v":%d}`, i))
	}
	for i := 0; i < 2; i++ {
		clock.now++
		mustPut(t, eng, "k2", fmt.Sprintf(`{"v":%d}`, i))
	}

	page, err := eng.ListLatest(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}

	byKey := make(map[string]storage.Record)
	for _, rec := range page.Items {
		if _, dup := byKey[rec.Key]; dup {
			t.Fatalf("duplicate key %q in listing", rec.Key)
		}
		byKey[rec.Key] = rec
	}
	if string(byKey["k1"].Value) != `{"v":2}` {
		t.Errorf("k1 value = %s", byKey["k1"].Value)
	}
	if string(byKey["k2"].Value) != `{"v":1}` {
		t.Errorf("k2 value = %s", byKey["k2"].Value)
	}
}

func TestListLatest_OnePerKeyWithEqualTimestamps(t *testing.T) {
	eng, _ := setupEngine(t)

	// All writes share one clock second; max id must decide membership.
	mustPut(t, eng, "k1", `1`)
	mustPut(t, eng, "k1", `2`)
	latest := mustPut(t, eng, "k1", `3`)
	mustPut(t, eng, "k2", `4`)

	page, err := eng.ListLatest(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	for _, rec := range page.Items {
		if rec.Key == "k1" && rec.ID != latest.ID {
			t.Errorf("k1 id = %d, want %d", rec.ID, latest.ID)
		}
	}
}

func TestListLatest_DescendingOrder(t *testing.T) {
	eng, clock := setupEngine(t)

	for i := 0; i < 10; i++ {
		clock.now = int64(100 + i%3) // clustered timestamps force id tie-breaks
		mustPut(t, eng, fmt.Sprintf("k%d", i), `1`)
	}

	page, err := eng.ListLatest(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(page.Items); i++ {
		prev, cur := page.Items[i-1], page.Items[i]
		if cur.CreatedAt > prev.CreatedAt ||
			(cur.CreatedAt == prev.CreatedAt && cur.ID >= prev.ID) {
			t.Errorf("order violated at %d: (%d,%d) then (%d,%d)",
				i, prev.CreatedAt, prev.ID, cur.CreatedAt, cur.ID)
		}
	}
}

func TestListLatest_PaginationRoundTrip(t *testing.T) {
	eng, clock := setupEngine(t)

	// 25 keys, several with multiple versions.
	for i := 0; i < 25; i++ {
		clock.now = int64(1000 + i)
		key := fmt.Sprintf("k%02d", i)
		mustPut(t, eng, key, `{"v":0}`)
		if i%3 == 0 {
			mustPut(t, eng, key, `{"v":1}`)
		}
	}

	full, err := eng.ListLatest(context.Background(), "", 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Items) != 25 {
		t.Fatalf("full listing = %d items, want 25", len(full.Items))
	}
	if full.NextCursor != "" {
		t.Errorf("full listing has next cursor %q", full.NextCursor)
	}

	first, err := eng.ListLatest(context.Background(), "", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Items) != 20 {
		t.Fatalf("first page = %d items, want 20", len(first.Items))
	}
	if first.NextCursor == "" {
		t.Fatal("first page missing next cursor")
	}
	if first.PrevCursor != "" {
		t.Errorf("first page has prev cursor %q", first.PrevCursor)
	}

	second, err := eng.ListLatest(context.Background(), first.NextCursor, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Items) != 5 {
		t.Fatalf("second page = %d items, want 5", len(second.Items))
	}
	if second.NextCursor != "" {
		t.Errorf("final page has next cursor %q", second.NextCursor)
	}
	if second.PrevCursor == "" {
		t.Error("second page missing prev cursor")
	}

	paged := append(append([]storage.Record{}, first.Items...), second.Items...)
	if !reflect.DeepEqual(paged, full.Items) {
		t.Error("paged concatenation differs from single fetch")
	}
}

func TestListLatest_PageBoundaryWithEqualTimestamps(t *testing.T) {
	eng, _ := setupEngine(t)

	// Five keys, one shared clock second: the cursor falls between
	// records that differ only by id.
	for i := 0; i < 5; i++ {
		mustPut(t, eng, fmt.Sprintf("k%d", i), `1`)
	}

	var items []storage.Record
	cur := ""
	for {
		page, err := eng.ListLatest(context.Background(), cur, 2)
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, page.Items...)
		if page.NextCursor == "" {
			break
		}
		cur = page.NextCursor
	}

	if len(items) != 5 {
		t.Fatalf("items = %d, want 5", len(items))
	}
	seen := make(map[string]bool)
	for _, rec := range items {
		if seen[rec.Key] {
			t.Fatalf("key %q paged twice", rec.Key)
		}
		seen[rec.Key] = true
	}
}

func TestListLatest_EmptyStore(t *testing.T) {
	eng, _ := setupEngine(t)

	page, err := eng.ListLatest(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 0 || page.NextCursor != "" || page.PrevCursor != "" {
		t.Errorf("page = %+v, want empty", page)
	}
}

func TestListLatest_InvalidCursor(t *testing.T) {
	eng, _ := setupEngine(t)
	mustPut(t, eng, "k", `1`)

	_, err := eng.ListLatest(context.Background(), "not-a-cursor", 0)
	if !errors.Is(err, cursor.ErrInvalidCursor) {
		t.Errorf("err = %v, want ErrInvalidCursor", err)
	}
}

func TestListLatest_DefaultPageSize(t *testing.T) {
	eng, clock := setupEngine(t)

	for i := 0; i < DefaultPageSize+5; i++ {
		clock.now = int64(100 + i)
		mustPut(t, eng, fmt.Sprintf("k%d", i), `1`)
	}

	page, err := eng.ListLatest(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != DefaultPageSize {
		t.Errorf("items = %d, want %d", len(page.Items), DefaultPageSize)
	}
	if page.NextCursor == "" {
		t.Error("missing next cursor")
	}
}

func TestListLatest_AgainstSQLite(t *testing.T) {
	// The listing semantics must hold on the real backend, not just the
	// in-memory double.
	store, err := storage.NewSQLiteStore(t.TempDir() + "/engine.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: 500}
	eng := New(store, WithClock(clock))

	mustPut(t, eng, "a", `1`)
	mustPut(t, eng, "a", `2`)
	clock.now = 600
	mustPut(t, eng, "b", `3`)

	page, err := eng.ListLatest(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	if page.Items[0].Key != "b" || page.Items[1].Key != "a" {
		t.Errorf("order = %q, %q", page.Items[0].Key, page.Items[1].Key)
	}
	if string(page.Items[1].Value) != `2` {
		t.Errorf("a value = %s", page.Items[1].Value)
	}
}
