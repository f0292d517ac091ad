package kvstore

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/edgemart/internal/testutil/testlog"
)

func TestUpdateViewRoundTrip(t *testing.T) {
	testlog.Start(t)
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Update(ctx, func(txn *Txn) error {
		return txn.Set([]byte("A:1"), []byte("one"))
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err = s.View(ctx, func(txn *Txn) error {
		val, ok, err := txn.Get([]byte("A:1"))
		if err != nil || !ok || string(val) != "one" {
			t.Fatalf("get = (%q,%v,%v)", val, ok, err)
		}
		_, ok, err = txn.Get([]byte("A:2"))
		if err != nil || ok {
			t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	testlog.Start(t)
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	boom := errors.New("boom")
	ctx := context.Background()
	err = s.Update(ctx, func(txn *Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = s.View(ctx, func(txn *Txn) error {
		if ok, _ := txn.Has([]byte("k")); ok {
			t.Fatalf("write should not be visible after failed update")
		}
		return nil
	})
}

func TestScanSeeksPastCursor(t *testing.T) {
	testlog.Start(t)
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Update(ctx, func(txn *Txn) error {
		for _, k := range []string{"P:a", "P:b", "P:c", "Q:a"} {
			if err := txn.Set([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return nil
	})

	var got []string
	_ = s.View(ctx, func(txn *Txn) error {
		return txn.Scan([]byte("P:"), []byte("P:a"), func(key, _ []byte) (bool, error) {
			got = append(got, string(key))
			return true, nil
		})
	})
	if len(got) != 2 || got[0] != "P:b" || got[1] != "P:c" {
		t.Fatalf("unexpected scan result: %v", got)
	}

	var keys []string
	_ = s.View(ctx, func(txn *Txn) error {
		return txn.ScanKeys([]byte("P:"), func(key []byte) (bool, error) {
			keys = append(keys, string(key))
			return len(keys) < 1, nil
		})
	})
	if len(keys) != 1 || keys[0] != "P:a" {
		t.Fatalf("expected scan to stop after first key, got %v", keys)
	}
}

func TestPersistentStoreSurvivesReopen(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Update(ctx, func(txn *Txn) error { return txn.Set([]byte("k"), []byte("v")) }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	s, err = Open(Options{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	_ = s.View(ctx, func(txn *Txn) error {
		val, ok, _ := txn.Get([]byte("k"))
		if !ok || string(val) != "v" {
			t.Fatalf("value lost across reopen: %q %v", val, ok)
		}
		return nil
	})
}
