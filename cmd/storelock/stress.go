package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	"github.com/mirkobrombin/go-storelock/v1/lock"
)

var (
	stressContexts int
	stressDuration time.Duration
	stressKey      string

	stressCmd = &cobra.Command{
		Use:   "stress",
		Short: "Increment a shared counter from several contexts under one lock",
		Long: `stress starts several independent lockers that increment a counter kept
in the shared store, each only while holding the lock. Without mutual
exclusion increments get lost and the counter ends below the sum of the
increments every context made.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(cmd, runStress)
		},
	}
)

func init() {
	stressCmd.Flags().IntVar(&stressContexts, "contexts", 4, "number of competing contexts")
	stressCmd.Flags().DurationVar(&stressDuration, "duration", 5*time.Second, "how long to run")
	stressCmd.Flags().StringVar(&stressKey, "key", "stress", "lock key guarding the counter")
}

func counterKey() string { return "storelock-stress-counter-" + stressKey }

func runStress(ctx context.Context, b *backend) error {
	if stressContexts < 1 {
		return errors.New("need at least one context")
	}
	if err := b.store.Set(ctx, counterKey(), "0"); err != nil {
		return err
	}

	lockers := make([]*lock.Locker, stressContexts)
	for i := range lockers {
		l, err := b.newLocker()
		if err != nil {
			return err
		}
		defer l.Close()
		lockers[i] = l
	}

	runCtx, cancel := context.WithTimeout(ctx, stressDuration)
	defer cancel()
	counts := make([]int, len(lockers))
	g, gctx := errgroup.WithContext(runCtx)
	for i, l := range lockers {
		g.Go(func() error {
			for gctx.Err() == nil {
				ok, err := l.Acquire(gctx, stressKey, 0)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return err
				}
				if !ok {
					slog.Warn("storelock: stress acquire timed out", "context", i)
					continue
				}
				err = increment(context.Background(), b.store)
				if rerr := l.Release(context.Background(), stressKey); err == nil {
					err = rerr
				}
				if err != nil {
					return err
				}
				counts[i]++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for i, n := range counts {
		fmt.Printf("context %d (%s): %d\n", i, lockers[i].OwnerID(), n)
		total += n
	}
	raw, _, err := b.store.Get(ctx, counterKey())
	if err != nil {
		return err
	}
	global, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("counter: %w", err)
	}
	fmt.Printf("sum of contexts: %d, shared counter: %d\n", total, global)
	if total != global {
		return fmt.Errorf("mutual exclusion violated: %d increments, counter at %d", total, global)
	}
	return nil
}

func increment(ctx context.Context, s adapter.Store) error {
	raw, _, err := s.Get(ctx, counterKey())
	if err != nil {
		return err
	}
	n, _ := strconv.Atoi(raw)
	return s.Set(ctx, counterKey(), strconv.Itoa(n+1))
}
