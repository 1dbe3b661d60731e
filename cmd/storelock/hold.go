package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	holdFor time.Duration

	holdCmd = &cobra.Command{
		Use:   "hold [key]",
		Short: "Acquire a lock, keep it renewed for a while and release it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, func(ctx context.Context, b *backend) error {
				return runHold(ctx, b, args[0])
			})
		},
	}
)

func init() {
	holdCmd.Flags().DurationVar(&holdFor, "for", 10*time.Second, "how long to hold the lock")
}

func runHold(ctx context.Context, b *backend, key string) error {
	l, err := b.newLocker()
	if err != nil {
		return err
	}
	defer l.Close()

	start := time.Now()
	ok, err := l.Acquire(ctx, key, 0)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("acquired=false key=%s waited=%s\n", key, time.Since(start).Round(time.Millisecond))
		return nil
	}
	fmt.Printf("acquired=true key=%s owner=%s waited=%s\n", key, l.OwnerID(), time.Since(start).Round(time.Millisecond))

	select {
	case <-time.After(holdFor):
	case <-ctx.Done():
	}
	if err := l.Release(context.Background(), key); err != nil {
		return err
	}
	fmt.Printf("released key=%s held=%s\n", key, time.Since(start).Round(time.Millisecond))
	return nil
}
