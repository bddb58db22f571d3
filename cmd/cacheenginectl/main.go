// cmd/cacheenginectl/main.go
// cacheenginectl wires up a standalone cache-engine instance and drives it
// through a handful of requests, for local experimentation and as a smoke
// test of the engine against in-memory volumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/coredevice/cacheengine/internal/engine"
	"github.com/coredevice/cacheengine/internal/flush"
	"github.com/coredevice/cacheengine/internal/request"
	"github.com/coredevice/cacheengine/internal/stats"
	"github.com/coredevice/cacheengine/internal/tracing"
	"github.com/coredevice/cacheengine/internal/volume"
)

func main() {
	var (
		lineSizeKiB = flag.Int("line-size-kib", 4, "cache line size in KiB (4, 8, 16, 32, or 64)")
		numLines    = flag.Int("num-lines", 4096, "number of cache lines in the arena")
		cacheMB     = flag.Int64("cache-mb", 256, "backing size of the simulated cache device, MiB")
		coreMB      = flag.Int64("core-mb", 1024, "backing size of the simulated core device, MiB")
		mode        = flag.String("mode", "wt", "default cache mode: wt, wb, wa, wi, wo, pt")
		demo        = flag.Bool("demo", false, "drive a handful of read/write requests through the engine and print stats")
		demoOps     = flag.Int("demo-ops", 2000, "number of requests to issue in -demo mode")
		jaegerAddr  = flag.String("jaeger-endpoint", "", "Jaeger collector endpoint; tracing is disabled if empty")
	)
	flag.Parse()

	runtime.GOMAXPROCS(runtime.NumCPU())
	os.Setenv("GOGC", "50")

	if *jaegerAddr != "" {
		if err := tracing.InitTracing(*jaegerAddr); err != nil {
			log.Printf("warning: tracing init failed: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(ctx); err != nil {
				log.Printf("tracing shutdown error: %v", err)
			}
		}()
	}

	defaultMode, err := parseMode(*mode)
	if err != nil {
		log.Fatalf("%v", err)
	}

	counters := stats.NewCounters()
	cacheVol := volume.NewMemory(*cacheMB * 1024 * 1024)
	c, err := engine.NewCache(engine.Config{
		NumLines:            *numLines,
		LineSizeKiB:         *lineSizeKiB,
		DefaultMode:         defaultMode,
		FallbackPTThreshold: 32,
		UseSubmitIOFast:     true,
		CacheVolume:         cacheVol,
		Stats:               counters,
		Backfill: engine.BackfillConfig{
			MaxQueueSize:     512,
			QueueUnblockSize: 256,
		},
	})
	if err != nil {
		log.Fatalf("failed to create cache: %v", err)
	}

	coreVol := volume.NewMemory(*coreMB * 1024 * 1024)
	core, err := c.AddCore("core0", coreVol, engine.SeqCutoffFull, 4*1024*1024)
	if err != nil {
		log.Fatalf("failed to attach core: %v", err)
	}

	fmt.Printf("cache engine ready: %d lines x %dKiB, mode=%s, core0=%dMiB\n",
		*numLines, *lineSizeKiB, defaultMode, *coreMB)

	if *demo {
		runDemo(c, core, *demoOps)
		printStats(counters)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if !*demo {
		fmt.Println("idle; send SIGINT/SIGTERM to exit")
		<-sigCh
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := flush.FlushCache(ctx, c)
	if err != nil {
		log.Printf("flush error: %v", err)
	}
	fmt.Printf("final flush: %d lines written back, interrupted=%v\n", result.Flushed, result.Interrupted)
}

func parseMode(s string) (engine.Mode, error) {
	switch s {
	case "wt":
		return engine.ModeWT, nil
	case "wb":
		return engine.ModeWB, nil
	case "wa":
		return engine.ModeWA, nil
	case "wi":
		return engine.ModeWI, nil
	case "wo":
		return engine.ModeWO, nil
	case "pt":
		return engine.ModePT, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// runDemo issues n requests against core, 70% reads / 30% writes, at
// line-aligned offsets drawn uniformly from a 64MiB working set, so
// repeated offsets produce cache hits. Submit runs each request to completion before
// returning, so this loop is sequential rather than fanned out.
func runDemo(c *engine.Cache, core *engine.Core, n int) {
	const workingSetBytes = 64 * 1024 * 1024
	lineBytes := int64(c.LineSizeKiB()) * 1024
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < n; i++ {
		offset := (rng.Int63n(workingSetBytes / lineBytes)) * lineBytes
		dir := request.Read
		if rng.Intn(10) < 3 {
			dir = request.Write
		}
		data := make([]byte, lineBytes)
		if dir == request.Write {
			rng.Read(data)
		}

		req := engine.NewRequest(c, core.ID, offset, lineBytes, dir, data, func(r *request.Request, err error) {
			if err != nil {
				log.Printf("request error: %v", err)
			}
		})
		engine.Submit(context.Background(), c, core, req)
	}
}

func printStats(s *stats.Counters) {
	hits := s.CacheHits.Load()
	misses := s.CacheMisses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	fmt.Printf("cache hits=%d misses=%d hit_rate=%.1f%% inserts=%d invalidates=%d\n",
		hits, misses, hitRate, s.Inserts.Load(), s.Invalidates.Load())
}
