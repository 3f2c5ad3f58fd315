package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"knowledge-agent/handler"
	"knowledge-agent/internal/app"
	agentconfig "knowledge-agent/internal/config"
	"knowledge-agent/internal/integrations/openai"
	"knowledge-agent/internal/integrations/paramstore"
	"knowledge-agent/internal/integrations/qdrant"
	"knowledge-agent/internal/repository"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	qdrantURL := mustEnv("QDRANT_URL")
	qdrantCollection := mustEnv("QDRANT_COLLECTION")
	qdrantTimeoutSec := envInt("QDRANT_TIMEOUT_SECONDS", 15)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	settings, prompt, err := agentconfig.LoadFromParams(ctx, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to load settings", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	qdrantAPIKey, err := ssmClient.GetParameter(ctx, paramstore.Path(paramPrefix, "qdrant-api-key"))
	if err != nil && !errors.Is(err, paramstore.ErrNotFound) {
		slog.Error("failed to read Qdrant API key", "err", err)
		os.Exit(1)
	}
	qdrantClient, err := qdrant.NewClient(qdrant.Config{
		URL:        qdrantURL,
		APIKey:     qdrantAPIKey,
		Collection: qdrantCollection,
		Timeout:    time.Duration(qdrantTimeoutSec) * time.Second,
	})
	if err != nil {
		slog.Error("failed to create Qdrant client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	askService, err := app.Build(app.Backends{
		Config:  agentconfig.NewSource(settings, prompt),
		Durable: stateClient,
		Turns:   stateClient,
		Model:   openaiClient,
		Index:   qdrantClient,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("failed to create ask service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(askService, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
