package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"lecture-chat/handler"
	"lecture-chat/internal/config"
	"lecture-chat/internal/conversation"
	"lecture-chat/internal/integrations/openai"
	"lecture-chat/internal/integrations/paramstore"
	"lecture-chat/internal/repository"
	"lecture-chat/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		fatal("invalid configuration", err)
	}

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}

	var persister conversation.Persister
	switch cfg.StorageBackend {
	case config.BackendBolt:
		db, err := repository.OpenBolt(cfg.BoltPath)
		if err != nil {
			fatal("failed to open bolt store", err)
		}
		defer db.Close()
		persister = db
	default:
		persister, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.HistoryRetention)
		if err != nil {
			fatal("failed to create state client", err)
		}
	}

	store, err := conversation.New(persister, conversation.Config{
		MaxContentLength: cfg.MaxContentLength,
		MaxHistoryBytes:  cfg.MaxHistoryBytes,
		IdleTimeout:      cfg.ActorIdleTimeout,
		Logger:           logger,
	})
	if err != nil {
		fatal("failed to create conversation store", err)
	}

	var openaiOpts []openai.Option
	if cfg.Temperature != nil {
		openaiOpts = append(openaiOpts, openai.WithTemperature(*cfg.Temperature))
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Handler ----
	service, err := usecase.NewLectureService(ssmClient, openaiClient, store, cfg.ParamPrefix, usecase.Limits{
		MaxContextItems: cfg.MaxContextItems,
		MaxQuestionLen:  cfg.MaxQuestionLength,
		MaxLectureLen:   cfg.MaxLectureLength,
	}, logger)
	if err != nil {
		fatal("failed to create lecture service", err)
	}

	h, err := handler.NewHandler(service)
	if err != nil {
		fatal("failed to create handler", err)
	}

	slog.Info("lecture chat starting", "backend", cfg.StorageBackend)
	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
