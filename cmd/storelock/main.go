package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-storelock/v1/signal"
)

var rootCmd = &cobra.Command{
	Use:   "storelock",
	Short: "Exercise and inspect locks built on a shared key-value store",
	Long: `storelock drives the lock protocol against a real backend.

Every flag can also be set through the environment with the STORELOCK_
prefix, for example STORELOCK_REDIS_ADDR=localhost:6379. Values in .env
and .env.local are loaded first.`,
	SilenceUsage:      true,
	PersistentPreRunE: bindFlags,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("backend", "memory", "shared store: memory, redis or sqlite")
	f.String("redis-addr", "localhost:6379", "redis address for the redis backend or signal")
	f.String("sqlite-path", "storelock.db", "database file for the sqlite backend")
	f.String("signal", "memory", "change signal: memory, redis, nats, kafka, mesh or none")
	f.String("nats-url", "nats://127.0.0.1:4222", "nats server for the nats signal")
	f.StringSlice("kafka-brokers", []string{"localhost:9092"}, "brokers of the kafka signal")
	f.String("kafka-topic", signal.DefaultKafkaTopic, "topic of the kafka signal")
	f.Int("mesh-port", 7946, "udp port of the mesh signal")
	f.StringSlice("mesh-peers", nil, "unicast seeds of the mesh signal")
	f.String("prefix", "storelock-key", "namespace of lock records")
	f.Duration("timeout", 5*time.Second, "acquire timeout")
	f.String("metrics-addr", "", "serve /metrics and /events on this address")
	f.Bool("trace", false, "print spans to stdout")
	f.Bool("verbose", false, "log debug messages")

	rootCmd.AddCommand(stressCmd, holdCmd, inspectCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("storelock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
