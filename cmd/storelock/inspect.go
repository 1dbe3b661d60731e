package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	"github.com/mirkobrombin/go-storelock/v1/lock"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List lock records and the age of their last renewal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd, runInspect)
	},
}

func runInspect(ctx context.Context, b *backend) error {
	prefix := viper.GetString("prefix") + "-"
	keys, err := adapter.KeysWithPrefix(ctx, b.store, prefix)
	if err != nil {
		return err
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tOWNER\tTOKEN\tAGE\tSTATE")
	now := time.Now()
	for _, k := range keys {
		raw, ok, err := b.store.Get(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		rec, err := lock.ParseRecord(raw)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\tcorrupt\n", name)
			continue
		}
		state := "acquired"
		if rec.TimeRefreshed != nil {
			state = "renewed"
		}
		age := now.Sub(rec.LastProof())
		if age > lock.DefaultStaleAfter {
			state = "stale"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, rec.ID, rec.Token, age.Round(time.Millisecond), state)
	}
	return w.Flush()
}
