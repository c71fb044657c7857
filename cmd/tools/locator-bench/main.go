// Command locator-bench runs every pupil locator strategy over the same
// frames and reports per-strategy timing and how far each strategy's
// centre lands from the exact search.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/locate"
)

// Config holds the command line settings.
type Config struct {
	Source     string
	Path       string
	Frames     int
	OutputJSON string
}

// StrategyStats summarises one strategy over the run.
type StrategyStats struct {
	Strategy       string  `json:"strategy"`
	Located        int     `json:"located"`
	Failed         int     `json:"failed"`
	MeanUs         float64 `json:"mean_us"`
	StdUs          float64 `json:"std_us"`
	P95Us          float64 `json:"p95_us"`
	MeanOffsetPx   float64 `json:"mean_offset_px"`
	MaxOffsetPx    float64 `json:"max_offset_px"`
	WithinKernelPc float64 `json:"within_kernel_pct"`
}

// Result is the full benchmark output.
type Result struct {
	Source     string          `json:"source"`
	Frames     int             `json:"frames"`
	Strategies []StrategyStats `json:"strategies"`
}

func main() {
	cfg := parseFlags()

	ctx := context.Background()
	src, err := capture.Open(ctx, capture.OpenConfig{
		Kind:       capture.Kind(cfg.Source),
		Path:       cfg.Path,
		Preprocess: capture.DefaultPreprocessor(),
	})
	if err != nil {
		log.Fatalf("failed to open source: %v", err)
	}
	defer src.Close()

	locators, err := allLocators(locate.DefaultParams())
	if err != nil {
		log.Fatalf("failed to build locators: %v", err)
	}

	res, err := run(ctx, src, locators, cfg.Frames, locate.DefaultParams().Kernel)
	if err != nil {
		log.Fatalf("benchmark failed: %v", err)
	}
	res.Source = cfg.Source
	if cfg.Path != "" {
		res.Source += ":" + cfg.Path
	}
	printResults(os.Stdout, res)

	if cfg.OutputJSON != "" {
		if err := exportJSON(res, cfg.OutputJSON); err != nil {
			log.Printf("Warning: failed to export JSON: %v", err)
		} else {
			log.Printf("Results exported to: %s", cfg.OutputJSON)
		}
	}
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Source, "source", "synthetic", "Frame source kind: synthetic, dir, video or camera")
	flag.StringVar(&cfg.Path, "path", "", "Path for dir and video sources")
	flag.IntVar(&cfg.Frames, "frames", 240, "Number of frames to process")
	flag.StringVar(&cfg.OutputJSON, "json", "", "Output JSON filename (e.g., bench.json)")
	flag.Parse()
	return cfg
}

// allLocators builds one locator per strategy, exact first.
func allLocators(p locate.Params) ([]locate.Locator, error) {
	var out []locate.Locator
	for _, s := range []locate.Strategy{locate.Exact, locate.Batched, locate.Estimated} {
		l, err := locate.New(s, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// run feeds up to maxFrames frames to every locator. The first locator is
// the reference the others' offsets are measured against.
func run(ctx context.Context, src capture.Source, locators []locate.Locator, maxFrames, kernel int) (*Result, error) {
	if len(locators) == 0 {
		return nil, errors.New("no locators")
	}
	timings := make([][]float64, len(locators))
	offsets := make([][]float64, len(locators))
	failed := make([]int, len(locators))

	frames := 0
	for maxFrames <= 0 || frames < maxFrames {
		f, err := src.Next(ctx)
		if errors.Is(err, capture.ErrStreamExhausted) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", frames, err)
		}
		frames++

		var ref *pupil.Point2D
		for i, l := range locators {
			start := time.Now()
			p, err := l.Locate(f, f.Bounds())
			timings[i] = append(timings[i], float64(time.Since(start).Nanoseconds())/1e3)
			if err != nil {
				failed[i]++
				continue
			}
			if i == 0 {
				ref = &p
			}
			if ref != nil {
				offsets[i] = append(offsets[i], math.Hypot(p.X-ref.X, p.Y-ref.Y))
			}
		}
	}

	res := &Result{Frames: frames}
	for i, l := range locators {
		res.Strategies = append(res.Strategies, summarise(string(l.Strategy()), timings[i], offsets[i], failed[i], float64(kernel)))
	}
	return res, nil
}

func summarise(name string, timings, offsets []float64, failed int, kernel float64) StrategyStats {
	s := StrategyStats{
		Strategy: name,
		Located:  len(timings) - failed,
		Failed:   failed,
	}
	if len(timings) > 0 {
		s.MeanUs, s.StdUs = stat.MeanStdDev(timings, nil)
		if len(timings) < 2 {
			s.StdUs = 0
		}
		sorted := append([]float64(nil), timings...)
		sort.Float64s(sorted)
		s.P95Us = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	}
	if len(offsets) > 0 {
		s.MeanOffsetPx = stat.Mean(offsets, nil)
		within := 0
		for _, o := range offsets {
			s.MaxOffsetPx = max(s.MaxOffsetPx, o)
			if o <= kernel/2 {
				within++
			}
		}
		s.WithinKernelPc = 100 * float64(within) / float64(len(offsets))
	}
	return s
}

func printResults(w io.Writer, r *Result) {
	fmt.Fprintf(w, "Source: %s\n", r.Source)
	fmt.Fprintf(w, "Frames: %d\n\n", r.Frames)
	fmt.Fprintf(w, "%-10s %8s %8s %10s %10s %10s %12s %12s %10s\n",
		"strategy", "located", "failed", "mean µs", "std µs", "p95 µs", "mean off px", "max off px", "in kernel")
	for _, s := range r.Strategies {
		fmt.Fprintf(w, "%-10s %8d %8d %10.1f %10.1f %10.1f %12.2f %12.2f %9.1f%%\n",
			s.Strategy, s.Located, s.Failed, s.MeanUs, s.StdUs, s.P95Us, s.MeanOffsetPx, s.MaxOffsetPx, s.WithinKernelPc)
	}
}

func exportJSON(r *Result, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}
