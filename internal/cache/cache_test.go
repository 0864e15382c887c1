package cache

import (
	"errors"
	"net/http"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func htmlEntry(body string) Entry {
	return Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:   []byte(body),
	}
}

func TestCache_PutMatch(t *testing.T) {
	s := newTestStorage(t)
	c, err := s.Cache("soil-snap-static-v3")
	if err != nil {
		t.Fatalf("Cache failed: %v", err)
	}

	if _, ok := c.Match("http://origin/index.html"); ok {
		t.Fatal("expected miss before Put")
	}

	if err := c.Put("http://origin/index.html", htmlEntry("<html></html>")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := c.Match("http://origin/index.html")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got.Body) != "<html></html>" {
		t.Errorf("Body = %q", got.Body)
	}
	if got.ContentType() != "text/html; charset=utf-8" {
		t.Errorf("ContentType() = %q", got.ContentType())
	}
	if !got.OK() {
		t.Error("OK() = false, want true")
	}
}

func TestCache_PutAllAndKeys(t *testing.T) {
	s := newTestStorage(t)
	c, _ := s.Cache("static")

	items := []Item{
		{Key: "http://o/b", Entry: htmlEntry("b")},
		{Key: "http://o/a", Entry: htmlEntry("a")},
	}
	if err := c.PutAll(items); err != nil {
		t.Fatalf("PutAll failed: %v", err)
	}

	keys, err := c.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "http://o/a" || keys[1] != "http://o/b" {
		t.Errorf("Keys = %v", keys)
	}

	if err := c.Delete("http://o/a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := c.Match("http://o/a"); ok {
		t.Error("expected miss after Delete")
	}
}

func TestStorage_CachesArePartitioned(t *testing.T) {
	s := newTestStorage(t)
	static, _ := s.Cache("static")
	images, _ := s.Cache("images")

	if err := static.Put("k", htmlEntry("static")); err != nil {
		t.Fatal(err)
	}
	if _, ok := images.Match("k"); ok {
		t.Error("entry leaked across caches")
	}
}

func TestStorage_NamesAndDelete(t *testing.T) {
	s := newTestStorage(t)
	for _, n := range []string{"soil-snap-static-v2", "soil-snap-static-v3", "soil-snap-runtime-v3"} {
		c, err := s.Cache(n)
		if err != nil {
			t.Fatalf("Cache(%q) failed: %v", n, err)
		}
		if err := c.Put("k", htmlEntry(n)); err != nil {
			t.Fatal(err)
		}
	}

	names, err := s.Names()
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("Names = %v, want 3 names", names)
	}

	existed, err := s.Delete("soil-snap-static-v2")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !existed {
		t.Error("Delete reported cache missing")
	}
	if s.Has("soil-snap-static-v2") {
		t.Error("Has reports deleted cache")
	}

	// Entries of the deleted cache are gone even if the name is recreated.
	c, _ := s.Cache("soil-snap-static-v2")
	if _, ok := c.Match("k"); ok {
		t.Error("entries survived cache deletion")
	}

	existed, err = s.Delete("never-existed")
	if err != nil || existed {
		t.Errorf("Delete(unknown) = %v, %v; want false, nil", existed, err)
	}
}

func TestStorage_MatchSearchesAllCaches(t *testing.T) {
	s := newTestStorage(t)
	runtime, _ := s.Cache("runtime")
	if err := runtime.Put("http://o/page", htmlEntry("runtime copy")); err != nil {
		t.Fatal(err)
	}

	got, ok := s.Match("http://o/page")
	if !ok {
		t.Fatal("expected storage-wide match")
	}
	if string(got.Body) != "runtime copy" {
		t.Errorf("Body = %q", got.Body)
	}
	if _, ok := s.Match("http://o/missing"); ok {
		t.Error("expected miss")
	}
}

func TestStorage_InvalidName(t *testing.T) {
	s := newTestStorage(t)
	for _, name := range []string{"", "bad\x00name"} {
		if _, err := s.Cache(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Cache(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestStorage_Stats(t *testing.T) {
	s := newTestStorage(t)
	c, _ := s.Cache("images")
	_ = c.Put("a", Entry{Status: 200, Body: []byte("123")})
	_ = c.Put("b", Entry{Status: 200, Body: []byte("456")})
	_, _ = s.Cache("empty")

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	byName := map[string]Stats{}
	for _, st := range stats {
		byName[st.Name] = st
	}
	if byName["images"].Entries != 2 {
		t.Errorf("images entries = %d, want 2", byName["images"].Entries)
	}
	if byName["images"].Bytes <= 0 {
		t.Errorf("images bytes = %d, want > 0", byName["images"].Bytes)
	}
	if byName["empty"].Entries != 0 {
		t.Errorf("empty entries = %d, want 0", byName["empty"].Entries)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caches")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	c, _ := s.Cache("static")
	if err := c.Put("k", htmlEntry("persisted")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, ok := s2.Match("k")
	if !ok || string(got.Body) != "persisted" {
		t.Errorf("Match after reopen = %q, %v", got.Body, ok)
	}
}
