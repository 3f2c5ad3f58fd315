package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"

	"knowledge-agent/internal/app"
	"knowledge-agent/internal/config"
	"knowledge-agent/internal/integrations/openai"
	"knowledge-agent/internal/integrations/paramstore"
	"knowledge-agent/internal/integrations/qdrant"
	"knowledge-agent/internal/repository"
	"knowledge-agent/internal/usecase"
)

const (
	storeSQLite   = "sqlite"
	storeDynamoDB = "dynamodb"
)

// backendFlags selects where state lives and how models are reached.
type backendFlags struct {
	settingsPath     string
	promptPath       string
	store            string
	sqlitePath       string
	table            string
	paramPrefix      string
	qdrantURL        string
	qdrantCollection string
	qdrantTimeout    time.Duration
}

func (f *backendFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.settingsPath, "settings", envOr("SETTINGS_PATH", "config/settings.yaml"), "Path to the settings YAML")
	cmd.Flags().StringVar(&f.promptPath, "prompt", envOr("PROMPT_PATH", "config/prompt.txt"), "Path to the synthesis prompt preamble")
	cmd.Flags().StringVar(&f.store, "store", envOr("STATE_STORE", storeSQLite), "Durable state backend: sqlite or dynamodb")
	cmd.Flags().StringVar(&f.sqlitePath, "sqlite", envOr("SQLITE_PATH", "knowledge-agent.db"), "SQLite database path")
	cmd.Flags().StringVar(&f.table, "table", os.Getenv("STATE_TABLE"), "DynamoDB state table")
	cmd.Flags().StringVar(&f.paramPrefix, "param-prefix", os.Getenv("PARAM_PREFIX"), "SSM parameter prefix holding the OpenAI token")
	cmd.Flags().StringVar(&f.qdrantURL, "qdrant-url", envOr("QDRANT_URL", "http://localhost:6333"), "Qdrant base URL")
	cmd.Flags().StringVar(&f.qdrantCollection, "qdrant-collection", envOr("QDRANT_COLLECTION", "knowledge"), "Qdrant collection")
	cmd.Flags().DurationVar(&f.qdrantTimeout, "qdrant-timeout", 15*time.Second, "Qdrant request timeout")
}

// backend is an opened set of dependencies. close releases them.
type backend struct {
	source  *config.Source
	service *usecase.AskService
	sqlite  *repository.SQLite
	close   func()
}

func (f *backendFlags) open(ctx context.Context, logger *slog.Logger) (*backend, error) {
	settings, prompt, err := config.LoadFiles(f.settingsPath, f.promptPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	source := config.NewSource(settings, prompt)
	b := &backend{source: source, close: func() {}}

	deps := app.Backends{Config: source, Logger: logger}
	var ssmClient *paramstore.Client

	switch f.store {
	case storeSQLite:
		repo, err := repository.NewSQLite(f.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := repo.Ping(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("ping sqlite: %w", err)
		}
		b.sqlite = repo
		b.close = func() {
			if err := repo.Close(); err != nil {
				logger.Error("failed to close repository", "err", err)
			}
		}
		deps.Durable, deps.Turns = repo, repo
	case storeDynamoDB:
		if f.table == "" {
			return nil, errors.New("--table is required for the dynamodb store")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), f.table)
		if err != nil {
			return nil, err
		}
		deps.Durable, deps.Turns = repo, repo
		if f.paramPrefix != "" {
			if ssmClient, err = paramstore.New(awsssm.NewFromConfig(awsCfg)); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown store %q", f.store)
	}

	var opts []openai.Option
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, openai.WithAPIKey(key))
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	var getter openai.Getter
	if ssmClient != nil {
		getter = ssmClient
	}
	model, err := openai.NewClient(getter, f.paramPrefix, opts...)
	if err != nil {
		b.close()
		return nil, err
	}

	index, err := qdrant.NewClient(qdrant.Config{
		URL:        f.qdrantURL,
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		Collection: f.qdrantCollection,
		Timeout:    f.qdrantTimeout,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	if err := index.Ping(ctx); err != nil {
		logger.Warn("qdrant not reachable, retrieval will fall back until it is", "url", f.qdrantURL, "err", err)
	}

	deps.Model, deps.Index = model, index
	if b.service, err = app.Build(deps); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

// purgeExpired drops expired cache rows from SQLite every interval.
func (b *backend) purgeExpired(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if b.sqlite == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.sqlite.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("failed to purge expired cache entries", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("purged expired cache entries", "count", n)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
