// Command rewardsync runs the client-side batch submitter: it drains
// locally collected items, submits them to a reward engine endpoint, and
// applies the per-item credit acknowledgements.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aria-network/reward-engine/internal/app/config"
	"github.com/aria-network/reward-engine/internal/app/domain/record"
	"github.com/aria-network/reward-engine/internal/app/services/syncer"
	"github.com/aria-network/reward-engine/internal/app/storage/memory"
	"github.com/aria-network/reward-engine/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rewardsync:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		endpoint   string
		token      string
		itemsPath  string
		once       bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("REWARD_CONFIG"), "path to YAML config")
	flag.StringVar(&endpoint, "endpoint", os.Getenv("REWARD_ENDPOINT"), "reward engine base URL")
	flag.StringVar(&token, "token", os.Getenv("REWARD_TOKEN"), "bearer token")
	flag.StringVar(&itemsPath, "items", "", "JSON-lines file of items to enqueue before syncing")
	flag.BoolVar(&once, "once", false, "run a single sync cycle and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	log := logger.New("rewardsync", logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	store := memory.New()
	if itemsPath != "" {
		n, err := loadItems(store, itemsPath)
		if err != nil {
			return err
		}
		log.WithField("count", n).Info("items enqueued")
	}

	client := syncer.NewHTTPSubmitClient(endpoint, token)
	submitter := syncer.NewSubmitter(store, client, log).
		WithBatchSize(cfg.Sync.BatchSize).
		WithStatsClient(client)

	if once {
		result, err := submitter.SyncOnce(context.Background())
		if err != nil {
			return err
		}
		summary, err := submitter.TotalRewards(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("submitted=%d credited=%d rewarded=%.2f total=%.2f (%s)\n",
			result.Submitted, result.Credited, result.Rewarded, summary.Total, summary.Source)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := syncer.NewRunner(submitter, cfg.Sync.Interval, log)
	if err := runner.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return runner.Stop(shutdownCtx)
}

// loadItems enqueues one item per JSON line: {"type": "...", "content": "..."}.
func loadItems(store *memory.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()

	ctx := context.Background()
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(line, &in); err != nil {
			return count, fmt.Errorf("parse item line %d: %w", count+1, err)
		}
		if _, err := store.SaveItem(ctx, record.Item{
			Type:        in.Type,
			Content:     in.Content,
			CollectedAt: time.Now().UTC(),
		}); err != nil {
			return count, fmt.Errorf("save item: %w", err)
		}
		count++
	}
	return count, scanner.Err()
}
