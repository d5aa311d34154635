package convert

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corvid-labs/extractcore/internal/corerrors"
)

type fakeRasterizer struct {
	mu       sync.Mutex
	delay    time.Duration
	calls    int
	failWith error
	empty    bool
}

func (f *fakeRasterizer) Rasterize(pdfPath string, pageNumbers []int, opts BackendOptions, outDir string) ([]string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failWith != nil {
		return nil, f.failWith
	}

	paths := make([]string, 0, len(pageNumbers))
	for _, n := range pageNumbers {
		path := filepath.Join(outDir, "page_"+itoa(n)+".png")
		if !f.empty {
			if err := os.WriteFile(path, []byte("fake-image-bytes"), 0o644); err != nil {
				return nil, err
			}
		} else {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, err
			}
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestSubmitAdmitsImmediatelyUnderCapacity(t *testing.T) {
	g := New(2, &fakeRasterizer{})
	images, err := g.Submit(context.Background(), Request{SessionID: "s1", PageRange: []int{1, 2}}, BackendOptions{Format: "png"}, t.TempDir())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("len(images) = %d, want 2", len(images))
	}
	if images[0].PageNumber != 1 || images[1].PageNumber != 2 {
		t.Errorf("images not in page-ascending order: %+v", images)
	}
}

func TestSubmitEnforcesMaxConcurrentInvariant(t *testing.T) {
	raster := &fakeRasterizer{delay: 50 * time.Millisecond}
	g := New(1, raster)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Submit(context.Background(), Request{SessionID: "s", PageRange: []int{1}}, BackendOptions{Format: "png"}, t.TempDir())
		}()
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				stats := g.Stats()
				mu.Lock()
				if stats.Active > maxObserved {
					maxObserved = stats.Active
				}
				mu.Unlock()
				if stats.Active > 1 {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	wg.Wait()
	close(stop)

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 1 {
		t.Errorf("observed active=%d exceeding maxConcurrent=1", maxObserved)
	}
}

func TestSubmitRejectsAlreadyExpiredDeadline(t *testing.T) {
	g := New(1, &fakeRasterizer{})
	req := Request{SessionID: "s", PageRange: []int{1}, Deadline: time.Now().Add(-time.Second)}

	start := time.Now()
	_, err := g.Submit(context.Background(), req, BackendOptions{Format: "png"}, t.TempDir())
	if err == nil {
		t.Fatal("expected QueueTimeout/ConversionTimeout for already-expired deadline")
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Error("expired-deadline requests should be rejected before backend invocation")
	}
}

func TestSubmitQueueTimeoutWhenOverCapacity(t *testing.T) {
	raster := &fakeRasterizer{delay: 200 * time.Millisecond}
	g := New(1, raster)

	go g.Submit(context.Background(), Request{SessionID: "occupant", PageRange: []int{1}}, BackendOptions{Format: "png"}, t.TempDir())
	time.Sleep(20 * time.Millisecond) // let the occupant take the only slot

	req := Request{SessionID: "waiter", PageRange: []int{1}, Deadline: time.Now().Add(30 * time.Millisecond)}
	_, err := g.Submit(context.Background(), req, BackendOptions{Format: "png"}, t.TempDir())
	if !corerrors.IsKind(err, corerrors.QueueTimeout) {
		t.Errorf("Submit() error = %v, want QueueTimeout", err)
	}
}

func TestSubmitRaisesInvalidOutputOnEmptyFile(t *testing.T) {
	g := New(1, &fakeRasterizer{empty: true})
	_, err := g.Submit(context.Background(), Request{SessionID: "s", PageRange: []int{1}}, BackendOptions{Format: "png"}, t.TempDir())
	if !corerrors.IsKind(err, corerrors.ConversionInvalidOutput) {
		t.Errorf("Submit() error = %v, want ConversionInvalidOutput", err)
	}
}

func TestSubmitFIFOAdmissionOrder(t *testing.T) {
	raster := &fakeRasterizer{delay: 30 * time.Millisecond}
	g := New(1, raster)

	occupantDone := make(chan struct{})
	go func() {
		g.Submit(context.Background(), Request{SessionID: "occupant", PageRange: []int{1}}, BackendOptions{Format: "png"}, t.TempDir())
		close(occupantDone)
	}()
	time.Sleep(5 * time.Millisecond)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Submit(context.Background(), Request{SessionID: "w", PageRange: []int{1}}, BackendOptions{Format: "png"}, t.TempDir())
			if err == nil {
				order <- i
			}
		}(i)
		time.Sleep(10 * time.Millisecond)
	}

	<-occupantDone
	wg.Wait()
	close(order)

	first := <-order
	if first != 0 {
		t.Errorf("first admitted queued waiter = %d, want 0 (FIFO order)", first)
	}
}
