// Command arbor-purge is an AWS Lambda function that consumes the DynamoDB
// stream of an arbor table and purges the derived entries of removed records.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"

	"github.com/jacentio/arbor/codec"
	"github.com/jacentio/arbor/kv/dynamo"
	"github.com/jacentio/arbor/resource"
	"github.com/jacentio/arbor/stream"
)

type env struct {
	Table       string `env:"ARBOR_TABLE, default=arbor_kv"`
	Namespace   string `env:"ARBOR_NAMESPACE, default=arbor"`
	SchemaFile  string `env:"ARBOR_SCHEMA_FILE, required"`
	Codec       string `env:"ARBOR_CODEC, default=json"`
	IndexLayout string `env:"ARBOR_INDEX_LAYOUT, default=string"`
	LogLevel    string `env:"ARBOR_LOG_LEVEL, default=info"`
}

func main() {
	ctx := context.Background()

	var cfg env
	if err := envconfig.Process(ctx, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "arbor-purge: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arbor-purge: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	handler, err := setup(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("setup failed", zap.Error(err))
	}
	lambda.Start(handler.HandleRecordRemoval)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	config := zap.NewProductionConfig()
	config.Level = lvl
	return config.Build()
}

func setup(ctx context.Context, cfg env, logger *zap.Logger) (*stream.Handler, error) {
	registry, err := loadRegistry(cfg.SchemaFile)
	if err != nil {
		return nil, err
	}

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	layout, err := resource.ParseIndexLayout(cfg.IndexLayout)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	store := dynamo.New(dynamodb.NewFromConfig(awsCfg), dynamo.Config{TableName: cfg.Table})

	engine := resource.New(store, resource.Config{
		Namespace:   cfg.Namespace,
		IndexLayout: layout,
		Codec:       c,
		Logger:      logger,
	})

	logger.Info("arbor-purge ready",
		zap.String("table", cfg.Table),
		zap.String("namespace", cfg.Namespace),
		zap.Int("schemas", len(registry.Schemas())),
	)
	return stream.NewHandler(engine, registry, logger), nil
}

func loadRegistry(path string) (*resource.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	schemas, err := resource.LoadDefinitions(data, nil)
	if err != nil {
		return nil, err
	}

	registry := resource.NewRegistry()
	if err := registry.Register(schemas...); err != nil {
		return nil, err
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}
