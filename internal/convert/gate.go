/**
 * PDF Conversion Gate — component E.
 *
 * Bounded-concurrency FIFO queue serializing calls into the
 * rasterization library. Admission follows the same
 * mutex-plus-waiter-channel shape as internal/ocrpool, generalized here
 * to a semaphore with a single admitted "slot" per request rather than
 * a reusable worker.
 */
package convert

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/corvid-labs/extractcore/internal/corerrors"
	"github.com/corvid-labs/extractcore/internal/logging"
)

// Request is the data model's ConversionRequest (§3).
type Request struct {
	ID        string
	PDFPath   string
	PageRange []int
	SessionID string
	Deadline  time.Time
}

// PageImage is one entry of the gate's output contract.
type PageImage struct {
	PagePath   string
	PageNumber int
	SizeBytes  int64
}

// Gate is component E. Safe for concurrent Submit.
type Gate struct {
	mu            sync.Mutex
	active        int
	maxConcurrent int
	queue         []chan struct{}
	closed        bool

	rasterizer Rasterizer
	log        *logging.Logger
}

// New creates a Gate with the given maxConcurrent ceiling.
func New(maxConcurrent int, rasterizer Rasterizer) *Gate {
	return &Gate{
		maxConcurrent: maxConcurrent,
		rasterizer:    rasterizer,
		log:           logging.NewLogger("convert"),
	}
}

// Submit enqueues req, waits for admission (FIFO among waiters), then
// rasterizes and returns the produced pages in page-ascending order.
// req.Deadline bounds the wait for admission; once admitted, Submit
// returns ConversionTimeout without calling the rasterizer if the
// deadline has already passed. A rasterization that has started is not
// interrupted and runs to completion even past req.Deadline.
func (g *Gate) Submit(ctx context.Context, req Request, opts BackendOptions, outDir string) ([]PageImage, error) {
	if !req.Deadline.IsZero() && !time.Now().Before(req.Deadline) {
		return nil, corerrors.NewConversionTimeout(req.SessionID, req.Deadline)
	}

	if err := g.admit(ctx, req); err != nil {
		return nil, err
	}
	defer g.release()

	deadlineCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		deadlineCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	select {
	case <-deadlineCtx.Done():
		if deadlineCtx.Err() == context.DeadlineExceeded {
			return nil, corerrors.NewConversionTimeout(req.SessionID, req.Deadline)
		}
		return nil, corerrors.NewCancelled(req.SessionID)
	default:
	}

	paths, err := g.rasterizer.Rasterize(req.PDFPath, req.PageRange, opts, outDir)
	if err != nil {
		return nil, corerrors.NewConversionBackendFailure(req.SessionID, err.Error(), err)
	}

	return verifyOutput(req.SessionID, req.PageRange, paths)
}

func (g *Gate) admit(ctx context.Context, req Request) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return corerrors.NewCancelled(req.SessionID)
	}
	if g.active < g.maxConcurrent {
		g.active++
		g.mu.Unlock()
		return nil
	}

	ch := make(chan struct{}, 1)
	g.queue = append(g.queue, ch)
	g.mu.Unlock()

	waitCtx := ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		waitCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	select {
	case <-ch:
		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return corerrors.NewCancelled(req.SessionID)
		}
		return nil
	case <-waitCtx.Done():
		g.dropWaiter(ch)
		if waitCtx.Err() == context.DeadlineExceeded {
			return corerrors.NewQueueTimeout(req.SessionID)
		}
		return corerrors.NewCancelled(req.SessionID)
	}
}

func (g *Gate) dropWaiter(ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, w := range g.queue {
		if w == ch {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		next <- struct{}{}
		return
	}
	g.active--
}

func verifyOutput(sessionID string, pageNumbers []int, paths []string) ([]PageImage, error) {
	var missing []string
	images := make([]PageImage, 0, len(paths))

	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			missing = append(missing, path)
			continue
		}
		pageNumber := i + 1
		if i < len(pageNumbers) {
			pageNumber = pageNumbers[i]
		}
		images = append(images, PageImage{
			PagePath:   path,
			PageNumber: pageNumber,
			SizeBytes:  info.Size(),
		})
	}

	if len(paths) == 0 || len(missing) > 0 {
		return nil, corerrors.NewConversionInvalidOutput(sessionID, missing)
	}

	sort.Slice(images, func(i, j int) bool { return images[i].PageNumber < images[j].PageNumber })
	return images, nil
}

// Stats reports the gate's current admission state.
type Stats struct {
	Active        int
	Queued        int
	MaxConcurrent int
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Active: g.active, Queued: len(g.queue), MaxConcurrent: g.maxConcurrent}
}

// Close marks the gate closed; in-flight Submits still finish their
// rasterization, but no new admissions are granted to already-queued
// waiters — they observe Cancelled instead.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for _, w := range g.queue {
		close(w)
	}
	g.queue = nil
}

