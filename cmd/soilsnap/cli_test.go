package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/soilsnap/edge/internal/cache"
	"github.com/soilsnap/edge/internal/types"
)

type cliEnv struct {
	dir       string
	cachePath string
}

// setupEnv points every path at a temp dir and the edge at an address
// that refuses connections.
func setupEnv(t *testing.T, origin string) cliEnv {
	t.Helper()
	dir := t.TempDir()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	env := cliEnv{dir: dir, cachePath: filepath.Join(dir, "cache")}
	t.Setenv("SOILSNAP_CONFIG_PATH", filepath.Join(dir, "absent.yaml"))
	t.Setenv("SOILSNAP_DB_PATH", filepath.Join(dir, "soilsnap.db"))
	t.Setenv("SOILSNAP_CACHE_PATH", env.cachePath)
	t.Setenv("SOILSNAP_WORKER_URL", deadURL)
	if origin == "" {
		origin = deadURL
	}
	t.Setenv("SOILSNAP_ORIGIN", origin)
	return env
}

// executeCmd runs the root command with captured output.
func executeCmd(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()

	// Cobra parses into package-level variables; reset them so values do not
	// leak between tests.
	configPath = ""
	jsonOutput = false
	addMethod = types.DefaultMethod
	addURL = ""
	addBody = ""
	addMeta = ""
	addOffline = false
	purgeStale = false
	watchProbe = 0

	outBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return outBuf.String(), err
}

type recordingOrigin struct {
	mu     sync.Mutex
	paths  []string
	status int
}

func newRecordingOrigin(t *testing.T, status int) (*recordingOrigin, string) {
	t.Helper()
	o := &recordingOrigin{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.paths = append(o.paths, r.Method+" "+r.URL.Path)
		o.mu.Unlock()
		w.WriteHeader(o.status)
	}))
	t.Cleanup(srv.Close)
	return o, srv.URL
}

func (o *recordingOrigin) seen(entry string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.paths {
		if p == entry {
			return true
		}
	}
	return false
}

func TestQueueList_Empty(t *testing.T) {
	setupEnv(t, "")

	out, err := executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "Queue is empty.") {
		t.Errorf("output = %q", out)
	}
}

func TestQueueAdd_OfflineThenList(t *testing.T) {
	setupEnv(t, "")

	out, err := executeCmd(t, "queue", "add", "--offline",
		"--url", "/api/soil", "--body", `{"ph":6.5}`, "--meta", "field-1")
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if !strings.Contains(out, "Queued POST /api/soil as #1.") {
		t.Errorf("add output = %q", out)
	}

	out, err = executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	for _, want := range []string{"METHOD", "POST", "/api/soil", "field-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCmd(t, "queue", "list", "--json")
	if err != nil {
		t.Fatalf("queue list --json: %v", err)
	}
	var resp types.PendingListResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.Total != 1 || resp.Pending[0].Op.Meta != "field-1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestQueueAdd_OnlineSends(t *testing.T) {
	origin, url := newRecordingOrigin(t, http.StatusCreated)
	setupEnv(t, url)

	out, err := executeCmd(t, "queue", "add", "--method", "put", "--url", "/api/soil/7", "--body", `{}`)
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if !strings.Contains(out, "Sent PUT /api/soil/7 (status 201).") {
		t.Errorf("output = %q", out)
	}
	if !origin.seen("PUT /api/soil/7") {
		t.Errorf("origin saw %v", origin.paths)
	}

	out, _ = executeCmd(t, "queue", "list")
	if !strings.Contains(out, "Queue is empty.") {
		t.Errorf("queue not empty after send: %q", out)
	}
}

func TestQueueAdd_RejectsInvalidOperation(t *testing.T) {
	setupEnv(t, "")

	if _, err := executeCmd(t, "queue", "add", "--url", "/api/soil", "--body", "{not json"); err == nil {
		t.Error("expected error for malformed body")
	}
	if _, err := executeCmd(t, "queue", "add", "--url", "/api/soil", "--method", "TRACE"); err == nil {
		t.Error("expected error for unsupported method")
	}
}

func TestQueueFlush_ReplaysLocallyWithoutEdge(t *testing.T) {
	setupEnv(t, "")
	if _, err := executeCmd(t, "queue", "add", "--offline", "--url", "/api/soil"); err != nil {
		t.Fatalf("queue add: %v", err)
	}

	origin, url := newRecordingOrigin(t, http.StatusOK)
	t.Setenv("SOILSNAP_ORIGIN", url)

	out, err := executeCmd(t, "queue", "flush")
	if err != nil {
		t.Fatalf("queue flush: %v", err)
	}
	if !strings.Contains(out, "Replayed locally: 1 sent, 0 rejected, 1 total.") {
		t.Errorf("output = %q", out)
	}
	if !origin.seen("POST /api/soil") {
		t.Errorf("origin saw %v", origin.paths)
	}
}

func TestSeed_SkippedWhenOriginDown(t *testing.T) {
	setupEnv(t, "")

	out, err := executeCmd(t, "seed", "--json")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	var report struct {
		Skipped bool `json:"skipped"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !report.Skipped {
		t.Errorf("report = %s", out)
	}
}

func TestCacheList_Empty(t *testing.T) {
	setupEnv(t, "")

	out, err := executeCmd(t, "cache", "list")
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	if !strings.Contains(out, "No caches.") {
		t.Errorf("output = %q", out)
	}
}

func seedCaches(t *testing.T, path string, names ...string) {
	t.Helper()
	s, err := cache.Open(path)
	if err != nil {
		t.Fatalf("open caches: %v", err)
	}
	defer s.Close()
	for _, name := range names {
		c, err := s.Cache(name)
		if err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
		if err := c.Put("/index.html", cache.Entry{Status: 200, Body: []byte("<html></html>")}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
}

func TestCacheList_ShowsCurrentAndStale(t *testing.T) {
	env := setupEnv(t, "")
	seedCaches(t, env.cachePath, "soil-snap-static-v3", "soil-snap-static-v2")

	out, err := executeCmd(t, "cache", "list", "--json")
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	var rows []cacheRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	current := map[string]bool{}
	for _, r := range rows {
		current[r.Name] = r.Current
		if r.Entries != 1 {
			t.Errorf("%s entries = %d", r.Name, r.Entries)
		}
	}
	if len(current) != 2 || !current["soil-snap-static-v3"] || current["soil-snap-static-v2"] {
		t.Errorf("rows = %+v", rows)
	}
}

func TestCachePurge_Stale(t *testing.T) {
	env := setupEnv(t, "")
	seedCaches(t, env.cachePath, "soil-snap-static-v3", "soil-snap-static-v2", "old-runtime")

	out, err := executeCmd(t, "cache", "purge", "--stale")
	if err != nil {
		t.Fatalf("cache purge: %v", err)
	}
	for _, want := range []string{"Deleted cache soil-snap-static-v2", "Deleted cache old-runtime"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "soil-snap-static-v3") {
		t.Errorf("current cache purged:\n%s", out)
	}
}

func TestCachePurge_NamedAndAll(t *testing.T) {
	env := setupEnv(t, "")
	seedCaches(t, env.cachePath, "a", "b", "c")

	out, err := executeCmd(t, "cache", "purge", "a", "missing")
	if err != nil {
		t.Fatalf("cache purge: %v", err)
	}
	if !strings.Contains(out, "Deleted cache a") || strings.Contains(out, "missing") {
		t.Errorf("output = %q", out)
	}

	out, err = executeCmd(t, "cache", "purge", "--json")
	if err != nil {
		t.Fatalf("cache purge all: %v", err)
	}
	var resp struct {
		Deleted []string `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(resp.Deleted) != 2 {
		t.Errorf("deleted = %v", resp.Deleted)
	}

	if _, err := executeCmd(t, "cache", "purge", "--stale", "b"); err == nil {
		t.Error("expected error combining --stale with names")
	}
}
