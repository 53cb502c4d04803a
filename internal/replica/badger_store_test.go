package replica

import (
	"testing"

	"ordersync/internal/model"
)

func TestBadgerStore_ReplaceAndCount(t *testing.T) {
	st, err := NewBadgerStore[int64, model.Account](t.TempDir(), Int64Keys{})
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	_ = st.Upsert(1, model.Account{ID: 1, Email: "ann@example.com", FirstName: "Ann"})
	_ = st.Upsert(1, model.Account{ID: 1, Email: "ann@example.com", FirstName: "Anne"})
	_ = st.Upsert(2, model.Account{ID: 2, Email: "bob@example.com"})

	got, ok, err := st.Get(1)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.FirstName != "Anne" {
		t.Fatalf("want replaced record, got %+v", got)
	}
	if n, err := st.Count(); err != nil || n != 2 {
		t.Fatalf("count=%d err=%v want 2", n, err)
	}

	if err := st.Delete(3); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if err := st.LoadAll(map[int64]model.Account{9: {ID: 9}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n, _ := st.Count(); n != 1 {
		t.Fatalf("count after load=%d want 1", n)
	}
}

func TestBadgerStore_CountTracksWritesAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewBadgerStore[int64, model.Account](dir, Int64Keys{})
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	_ = st.Upsert(1, model.Account{ID: 1})
	_ = st.Upsert(2, model.Account{ID: 2})
	_ = st.Upsert(2, model.Account{ID: 2, FirstName: "Bo"})
	_ = st.Delete(1)
	_ = st.Delete(1)
	if n, _ := st.Count(); n != 1 {
		t.Fatalf("count=%d want 1", n)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = NewBadgerStore[int64, model.Account](dir, Int64Keys{})
	if err != nil {
		t.Fatalf("badger reopen: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if n, _ := st.Count(); n != 1 {
		t.Fatalf("count after reopen=%d want 1", n)
	}
}
