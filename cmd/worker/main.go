package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/fabric/internal/queue"
	"github.com/OFFIS-RIT/fabric/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/fabric/pkg/diff"
	"github.com/OFFIS-RIT/fabric/pkg/graph"
	"github.com/OFFIS-RIT/fabric/pkg/leaselock"
	"github.com/OFFIS-RIT/fabric/pkg/logger"
	"github.com/OFFIS-RIT/fabric/pkg/logger/console"
	"github.com/OFFIS-RIT/fabric/pkg/match"
	"github.com/OFFIS-RIT/fabric/pkg/resolve"
	pgxstore "github.com/OFFIS-RIT/fabric/pkg/store/pgx"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/OFFIS-RIT/fabric/pkg/common"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	databaseURL := util.GetEnv("DATABASE_URL")
	runMigrations(databaseURL)

	// Init pgx client
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Invalid database URL", "err", err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	fabricStore := pgxstore.NewStoreWithConnection(pgConn)

	matcher := match.NewNameMatcher(match.NewNameMatcherParams{
		Store:          fabricStore,
		CandidateLimit: int(util.GetEnvNumeric("MATCH_CANDIDATE_LIMIT", 0)),
	})

	// Source types ordered highest trust first, e.g.
	// SOURCE_PRIORITY=regulatory,exchange,vendor,internal
	policy := common.NewMergePolicy(util.GetEnvList("SOURCE_PRIORITY"))

	engine := resolve.NewEngine(resolve.NewEngineParams{
		Store:   fabricStore,
		Matcher: matcher,
		Policy:  policy,
		Options: resolve.Options{
			AutoMergeThreshold: util.GetEnvNumeric("AUTO_MERGE_THRESHOLD", 0),
			ReviewThreshold:    util.GetEnvNumeric("REVIEW_THRESHOLD", 0),
			TopK:               int(util.GetEnvNumeric("MATCH_TOP_K", 0)),
			MatchTimeout:       time.Duration(util.GetEnvNumeric("MATCH_TIMEOUT_MS", 0)) * time.Millisecond,
		},
	})

	builder := graph.NewBuilder(graph.NewBuilderParams{
		Store:    fabricStore,
		Resolver: engine,
	})
	tracker := diff.NewTracker(fabricStore)
	locks := leaselock.New(pgConn)

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	// Init rabbitmq queues if not exist
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	queues := []string{queue.IngestQueue, queue.ReviewQueue}
	if err := queue.SetupQueues(ch, queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	logger.Info("Listening for messages")

	// Single consumer channel with prefetch=1 so only one batch is in
	// flight at a time; per-source ordering is handled by the lease.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.IngestQueue,
		queue.IngestQueue+"_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.IngestQueue, "err", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed", "queue", queue.IngestQueue)
					return
				}

				startTime := time.Now()
				logger.Info("Received message", "queue", queue.IngestQueue)

				processingErr := queue.ProcessBatchMessage(
					ctx, engine, builder, tracker, locks, ch, string(msg.Body),
				)

				// If there was an error send to retry or dead-letter,
				// otherwise ack the message
				if processingErr != nil {
					logger.Error("Error processing message", "queue", queue.IngestQueue, "err", processingErr)
					handleProcessingError(consumerCh, msg, queue.IngestQueue)
				} else {
					if err := msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", queue.IngestQueue)
				}

				logger.Info("Processing time", "duration", time.Since(startTime).Round(time.Millisecond).String())
				logger.Info("Waiting for next message")
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func runMigrations(databaseURL string) {
	migrationsPath := util.GetEnvString("MIGRATIONS_PATH", "file://migrations")
	m, err := migrate.New(migrationsPath, databaseURL)
	if err != nil {
		logger.Fatal("Failed to init migrations", "err", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to run migrations", "err", err)
	}
}

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	// If message has been retried 10 times, send to dead-letter
	if retries >= 10 {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = retries + 1

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
