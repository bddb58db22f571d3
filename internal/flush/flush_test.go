package flush

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coredevice/cacheengine/internal/engine"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/volume"
)

// pausingVolume wraps a volume.Volume and blocks its Nth Write call until
// signaled. This models spec.md §8 S7's "after >=1 portion call
// cache_flush_interrupt": the block lands on the first write of the
// flush's second portion, giving the test a deterministic window to call
// Interrupt before the rest of that portion -- and so the whole flush --
// can complete, rather than racing a real clock against PortionSize writes.
type pausingVolume struct {
	volume.Volume
	pauseAt int
	mu      sync.Mutex
	count   int
	reached chan struct{}
	resume  chan struct{}
}

func (p *pausingVolume) SubmitIO(ctx context.Context, offset, length int64, dir volume.IODirection, data []byte) error {
	if dir == volume.Write {
		p.mu.Lock()
		p.count++
		n := p.count
		p.mu.Unlock()
		if n == p.pauseAt {
			close(p.reached)
			<-p.resume
		}
	}
	return p.Volume.SubmitIO(ctx, offset, length, dir, data)
}

// submitSync drives one request through engine.Submit synchronously, since
// every engine handler calls finish() (and so the request's completion
// callback) exactly once before Submit's caller regains control.
func submitSync(ctx context.Context, c *engine.Cache, core *engine.Core, bytePos, byteLen int64, dir request.Direction, data []byte) error {
	done := make(chan error, 1)
	req := engine.NewRequest(c, core.ID, bytePos, byteLen, dir, data, func(_ *request.Request, err error) {
		done <- err
	})
	engine.Submit(ctx, c, core, req)
	return <-done
}

// TestScenarioS7FlushInterruptibility is spec.md §8 S7: dirty more lines
// than fit in one flush portion, interrupt mid-run, and expect the flush to
// stop with ErrFlushingInterrupted while some dirty lines remain.
func TestScenarioS7FlushInterruptibility(t *testing.T) {
	ctx := context.Background()
	const numLines = 300
	const lineSizeKiB = 4
	lineBytes := int64(lineSizeKiB) * 1024

	cacheVol := volume.NewMemory(int64(numLines) * lineBytes)
	coreVol := volume.NewMemory(int64(numLines) * lineBytes)

	c, err := engine.NewCache(engine.Config{
		NumLines:    numLines,
		LineSizeKiB: lineSizeKiB,
		DefaultMode: engine.ModeWB,
		CacheVolume: cacheVol,
	})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	core, err := c.AddCore("core0", coreVol, engine.SeqCutoffNever, 0)
	if err != nil {
		t.Fatalf("AddCore: %v", err)
	}

	for i := 0; i < numLines; i++ {
		payload := make([]byte, lineBytes)
		for j := range payload {
			payload[j] = byte(i)
		}
		if err := submitSync(ctx, c, core, int64(i)*lineBytes, lineBytes, request.Write, payload); err != nil {
			t.Fatalf("dirty write %d: %v", i, err)
		}
	}

	pv := &pausingVolume{
		Volume:  coreVol,
		pauseAt: PortionSize + 1, // first write of the second portion
		reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	core.Volume = pv

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := FlushPartition(ctx, c, 0)
		done <- outcome{res, err}
	}()

	select {
	case <-pv.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never reached the second portion's first write")
	}
	Interrupt(c)
	close(pv.resume)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed after being interrupted")
	}

	if !got.res.Interrupted {
		t.Fatal("expected Result.Interrupted to be true")
	}
	if got.err == nil {
		t.Fatal("expected FlushPartition to return an error on interruption")
	}
	if got.res.Flushed >= numLines {
		t.Fatalf("expected some lines to remain dirty, but all %d were flushed", got.res.Flushed)
	}

	p := c.Partition(0)
	if p.Dirty.Len() == 0 {
		t.Fatal("expected some dirty lines to remain after an interrupted flush")
	}
}
