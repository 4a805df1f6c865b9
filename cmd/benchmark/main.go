package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	targetURL   string
	concurrency int
	duration    time.Duration
	accounts    int
	reuseRatio  float64
	model       string
	output      string
}

// counters of submit outcomes
type counters struct {
	total        atomic.Uint64
	accepted     atomic.Uint64
	replayed     atomic.Uint64
	paymentReq   atomic.Uint64
	conflicts    atomic.Uint64
	mismatches   atomic.Uint64
	providerDown atomic.Uint64
	other        atomic.Uint64
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Drive concurrent video submissions against the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.targetURL, "url", "http://localhost:8080", "API base URL")
	f.IntVar(&opts.concurrency, "workers", 10, "Number of concurrent workers")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	f.IntVar(&opts.accounts, "accounts", 1000, "Seeded account ids 1..N to draw callers from")
	f.Float64Var(&opts.reuseRatio, "reuse", 0.2, "Fraction of submissions that reuse a recent idempotency key")
	f.StringVar(&opts.model, "model", "clip-fast", "Model to request")
	f.StringVar(&opts.output, "out", "", "Also write the results JSON to this file")
	return cmd
}

type submission struct {
	account int64
	key     string
}

// recentKeys is a small ring of keys handed out for reuse.
type recentKeys struct {
	mu   sync.Mutex
	keys []submission
	next int
}

func (r *recentKeys) add(s submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) < 64 {
		r.keys = append(r.keys, s)
		return
	}
	r.keys[r.next] = s
	r.next = (r.next + 1) % len(r.keys)
}

func (r *recentKeys) pick(rng *rand.Rand) (submission, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return submission{}, false
	}
	return r.keys[rng.Intn(len(r.keys))], true
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	if opts.concurrency <= 0 || opts.accounts <= 0 {
		return fmt.Errorf("workers and accounts must be positive")
	}
	fmt.Fprintf(os.Stderr, "Starting Benchmark: workers=%d duration=%s reuse=%.2f\n", opts.concurrency, opts.duration, opts.reuseRatio)

	var (
		c      counters
		recent recentKeys
		jobsMu sync.Mutex
		jobs   = make(map[string]int64)
	)
	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.concurrency; w++ {
		seed := time.Now().UnixNano() + int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			client := &http.Client{Timeout: 10 * time.Second}
			for gctx.Err() == nil {
				sub, ok := recent.pick(rng)
				if !ok || rng.Float64() >= opts.reuseRatio {
					sub = submission{
						account: int64(rng.Intn(opts.accounts) + 1),
						key:     fmt.Sprintf("bench-%d-%d", seed, time.Now().UnixNano()),
					}
					recent.add(sub)
				}
				jobID, err := submit(gctx, client, opts, sub, &c)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					c.other.Add(1)
					continue
				}
				if jobID != "" {
					jobsMu.Lock()
					jobs[jobID] = sub.account
					jobsMu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	statuses := pollAll(context.Background(), opts, jobs)

	total := c.total.Load()
	results := map[string]any{
		"duration_sec":         elapsed.Seconds(),
		"total_requests":       total,
		"throughput_rps":       float64(total) / elapsed.Seconds(),
		"accepted":             c.accepted.Load(),
		"replayed":             c.replayed.Load(),
		"payment_required":     c.paymentReq.Load(),
		"conflicts":            c.conflicts.Load(),
		"mismatches":           c.mismatches.Load(),
		"provider_unavailable": c.providerDown.Load(),
		"errors":               c.other.Load(),
		"jobs_by_status":       statuses,
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	if opts.output != "" {
		file, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer file.Close()
		return json.NewEncoder(file).Encode(results)
	}
	return nil
}

func submit(ctx context.Context, client *http.Client, opts *options, sub submission, c *counters) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"model":  opts.model,
		"prompt": "benchmark clip",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.targetURL+"/api/v1/videos", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", fmt.Sprint(sub.account))
	req.Header.Set("Idempotency-Key", sub.key)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	c.total.Add(1)
	switch resp.StatusCode {
	case http.StatusAccepted:
		if resp.Header.Get("Idempotent-Replayed") == "true" {
			c.replayed.Add(1)
			return "", nil
		}
		c.accepted.Add(1)
		var accepted struct {
			JobID string `json:"job_id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&accepted)
		return accepted.JobID, nil
	case http.StatusPaymentRequired:
		c.paymentReq.Add(1)
	case http.StatusConflict:
		c.conflicts.Add(1)
	case http.StatusUnprocessableEntity:
		c.mismatches.Add(1)
	case http.StatusBadGateway:
		c.providerDown.Add(1)
	default:
		c.other.Add(1)
	}
	return "", nil
}

// pollAll polls every accepted job once and tallies the reported statuses.
func pollAll(ctx context.Context, opts *options, jobs map[string]int64) map[string]int {
	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	client := &http.Client{Timeout: 10 * time.Second}
	for jobID, account := range jobs {
		jobID, account := jobID, account
		g.Go(func() error {
			status := "unreachable"
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, opts.targetURL+"/api/v1/videos/"+jobID, nil)
			if err == nil {
				req.Header.Set("X-Account-ID", fmt.Sprint(account))
				if resp, err := client.Do(req); err == nil {
					var snap struct {
						Status string `json:"status"`
					}
					if json.NewDecoder(resp.Body).Decode(&snap) == nil && snap.Status != "" {
						status = snap.Status
					}
					resp.Body.Close()
				}
			}
			mu.Lock()
			counts[status]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return counts
}
