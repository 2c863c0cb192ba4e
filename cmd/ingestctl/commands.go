package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/bootstrap"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/indexing"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/internal/trigger"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/redis"
)

const pollQueue = "indexing-polls"

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if addr := c.String("redis"); addr != "" {
		cfg.Redis.Addr = addr
	}
	return cfg, nil
}

func openRedis(c *cli.Context) (*redis.Client, *config.Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return rdb, cfg, nil
}

func statusCommand(c *cli.Context) error {
	rdb, cfg, err := openRedis(c)
	if err != nil {
		return err
	}
	defer rdb.Close()

	service := trigger.NewService(rdb, nil, nil, bootstrap.Topics(cfg.Kafka.Topics), nil, indexing.NewStateReader(rdb))
	status, err := service.Status(c.Context, c.String("id"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func runsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !cfg.Postgres.Enabled {
		return errors.New("the run ledger is disabled (postgres.enabled is false)")
	}
	runs, pg, err := bootstrap.OpenLedger(c.Context, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()

	list, err := runs.Recent(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDOCUMENTS\tINDEXER\tUPDATED")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Status, r.DocumentCount, r.IndexerName, r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

// purgePatterns match every state-store key a document stages while it is
// being enriched and merged.
func purgePatterns(docID string) []string {
	return []string{
		"*-output-" + docID + "-batch-*",
		"merge-claim-" + docID + "-batch-*",
		"completed-batches-" + docID,
	}
}

func purge(ctx context.Context, rdb *redis.Client, docID string) (int64, error) {
	var total int64
	for _, pattern := range purgePatterns(docID) {
		n, err := rdb.FlushByPattern(ctx, pattern)
		if err != nil {
			return total, fmt.Errorf("purging %s: %w", pattern, err)
		}
		total += n
	}
	return total, nil
}

func purgeCommand(c *cli.Context) error {
	rdb, _, err := openRedis(c)
	if err != nil {
		return err
	}
	defer rdb.Close()

	n, err := purge(c.Context, rdb, c.String("doc"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %d keys for document %s\n", n, c.String("doc"))
	return nil
}

func pollsCommand(c *cli.Context) error {
	rdb, _, err := openRedis(c)
	if err != nil {
		return err
	}
	defer rdb.Close()

	n, err := rdb.Pending(c.Context, pollQueue)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d indexing polls scheduled\n", n)
	return nil
}
