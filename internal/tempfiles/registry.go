/**
 * Temp-File Registry — component C.
 *
 * Per-session ledger of temp files and directories with TTL, size cap,
 * count cap, and best-effort recursive cleanup. The registry never
 * propagates deletion failures to callers; it logs and counts them
 * instead, as spec'd.
 *
 * Grounded in the teacher's "coordinate state across collaborators
 * under one mutex" shape (internal/storage/storage_manager.go), adapted
 * here to track filesystem entries rather than cross-store records.
 */
package tempfiles

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/corvid-labs/extractcore/internal/logging"
)

// Kind is the closed set of entry kinds the registry tracks.
type Kind string

const (
	KindImage Kind = "image"
	KindDir   Kind = "dir"
	KindOther Kind = "other"
)

// Entry is the data model's TempFileEntry (§3).
type Entry struct {
	ID        string
	Path      string
	Kind      Kind
	SessionID string
	CreatedAt time.Time
	SizeBytes int64
}

// Config mirrors config.TempFileConfig without importing it directly,
// keeping this package's public surface dependency-free for testing.
type Config struct {
	Root         string
	MaxAge       time.Duration
	MaxCount     int
	MaxSizeBytes int64
}

// Registry is component C. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry // id -> entry
	byPath  map[string]string // path -> id, enforces the uniqueness invariant

	cfg Config
	log *logging.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}

	evictedCount int64
	failedCount  int64
}

// New constructs a Registry and starts its background sweep loop.
func New(cfg Config) *Registry {
	r := &Registry{
		entries:   make(map[string]*Entry),
		byPath:    make(map[string]string),
		cfg:       cfg,
		log:       logging.NewLogger("tempfiles"),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// generate produces a conflict-free name: base_<unixMillis>_<pid>_<rand36-6>.
func generate(base string) string {
	millis := time.Now().UnixNano() / int64(time.Millisecond)
	pid := os.Getpid()
	return fmt.Sprintf("%s_%d_%d_%s", base, millis, pid, randBase36(6))
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36Alphabet[rand.Intn(len(base36Alphabet))]
	}
	return string(b)
}

// CreateDir allocates a unique directory under root for base/sessionId
// and registers it. On a name collision (statistically negligible) it
// retries with a fresh random suffix.
func (r *Registry) CreateDir(root, base, sessionID string) (string, error) {
	if root == "" {
		root = r.cfg.Root
	}

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		name := generate(base)
		path := filepath.Join(root, name)
		if err := os.Mkdir(path, 0o755); err != nil {
			if os.IsExist(err) {
				lastErr = err
				continue
			}
			return "", fmt.Errorf("create temp dir: %w", err)
		}
		if _, err := r.Register(path, KindDir, sessionID, 0); err != nil {
			os.RemoveAll(path)
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("create temp dir: exhausted retries: %w", lastErr)
}

// Register records an existing path under the given session. Returns
// an error if path is already tracked, enforcing the uniqueness
// invariant over live entries.
func (r *Registry) Register(path string, kind Kind, sessionID string, sizeBytes int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPath[path]; exists {
		return "", fmt.Errorf("path already registered: %s", path)
	}

	id := generate("entry")
	r.entries[id] = &Entry{
		ID:        id,
		Path:      path,
		Kind:      kind,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		SizeBytes: sizeBytes,
	}
	r.byPath[path] = id
	return id, nil
}

// LiveCountForSession returns the number of live entries owned by a
// session; used by the testable-property harness (spec §8.1).
func (r *Registry) LiveCountForSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			count++
		}
	}
	return count
}

// ReleaseBySession removes every live entry for sessionID, deleting
// directory entries recursively. Deletions run in parallel with
// per-entry error isolation: one failure never blocks the others.
// Idempotent: a session with no live entries issues zero filesystem
// operations.
func (r *Registry) ReleaseBySession(ctx context.Context, sessionID string) {
	r.mu.Lock()
	var toRelease []*Entry
	for id, e := range r.entries {
		if e.SessionID == sessionID {
			toRelease = append(toRelease, e)
			delete(r.entries, id)
			delete(r.byPath, e.Path)
		}
	}
	r.mu.Unlock()

	if len(toRelease) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, e := range toRelease {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			r.remove(e)
		}(e)
	}
	wg.Wait()
}

// ReleaseByID removes a single entry by id.
func (r *Registry) ReleaseByID(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		delete(r.byPath, e.Path)
	}
	r.mu.Unlock()

	if ok {
		r.remove(e)
	}
}

func (r *Registry) remove(e *Entry) {
	var err error
	if e.Kind == KindDir {
		err = os.RemoveAll(e.Path)
	} else {
		err = os.Remove(e.Path)
	}
	if err != nil && !os.IsNotExist(err) {
		r.mu.Lock()
		r.failedCount++
		r.mu.Unlock()
		r.log.Warn("failed to remove temp entry", "path", e.Path, "sessionId", e.SessionID, "error", err)
	}
}

// Sweep evicts entries older than MaxAge, then — if count or total size
// still exceed the configured caps — evicts the oldest remaining
// entries until both caps are satisfied.
func (r *Registry) Sweep() {
	r.mu.Lock()
	now := time.Now()
	var expired []*Entry
	var live []*Entry
	for id, e := range r.entries {
		if r.cfg.MaxAge > 0 && now.Sub(e.CreatedAt) > r.cfg.MaxAge {
			expired = append(expired, e)
			delete(r.entries, id)
			delete(r.byPath, e.Path)
			continue
		}
		live = append(live, e)
	}

	var overflow []*Entry
	totalSize := int64(0)
	for _, e := range live {
		totalSize += e.SizeBytes
	}
	if (r.cfg.MaxCount > 0 && len(live) > r.cfg.MaxCount) || (r.cfg.MaxSizeBytes > 0 && totalSize > r.cfg.MaxSizeBytes) {
		sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
		for _, e := range live {
			if (r.cfg.MaxCount <= 0 || len(live)-len(overflow) <= r.cfg.MaxCount) &&
				(r.cfg.MaxSizeBytes <= 0 || totalSize <= r.cfg.MaxSizeBytes) {
				break
			}
			overflow = append(overflow, e)
			totalSize -= e.SizeBytes
			delete(r.entries, e.ID)
			delete(r.byPath, e.Path)
		}
	}
	r.mu.Unlock()

	all := append(expired, overflow...)
	for _, e := range all {
		r.remove(e)
	}
	if len(all) > 0 {
		r.mu.Lock()
		r.evictedCount += int64(len(all))
		r.mu.Unlock()
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.sweepStop:
			return
		}
	}
}

// Close sweeps all live entries (regardless of age/cap) and halts the
// background sweep loop.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*Entry
	for id, e := range r.entries {
		all = append(all, e)
		delete(r.entries, id)
		delete(r.byPath, e.Path)
	}
	r.mu.Unlock()

	for _, e := range all {
		r.remove(e)
	}

	close(r.sweepStop)
	<-r.sweepDone
}

// Stats reports counters useful for the metrics component.
func (r *Registry) Stats() (count int, totalBytes int64, evicted, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		count++
		totalBytes += e.SizeBytes
	}
	return count, totalBytes, r.evictedCount, r.failedCount
}
