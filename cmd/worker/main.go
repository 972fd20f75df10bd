package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"presence/internal/config"
	"presence/internal/directory"
	"presence/internal/ledger"
	"presence/internal/logging"
	"presence/internal/queue"
	"presence/internal/store"
)

// Worker consumes ledger-write announcements, enriches them from the
// directory, and logs the marks for downstream consumers.
func main() {
	cfg := config.Load()

	logg, err := logging.Init(os.Getenv("LOG_LEVEL"), cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logg.Closer()
	log := logg.Base

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:marks")
	}

	var dir directory.Resolver
	if cfg.DirectoryURL != "" {
		dir = directory.NewHTTP(cfg.DirectoryURL, cfg.ProviderTimeout)
	} else {
		dir = directory.NewStatic()
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal("queue consume init failed", zap.Error(err))
	}

	log.Info("worker started, waiting for messages")
	for msg := range messages {
		if msg.Type != "attendance" {
			continue
		}

		var rec ledger.Record
		if err := json.Unmarshal(msg.Body, &rec); err != nil {
			log.Warn("bad message body", zap.Error(err))
			continue
		}

		name := rec.StudentName
		if name == "" {
			if student, err := dir.Student(ctx, rec.StudentID); err == nil {
				name = student.Name
			}
		}

		path := "pipeline"
		if rec.ByTeacher {
			path = "override"
		}
		log.Info("attendance recorded",
			zap.String("record_id", rec.ID),
			zap.String("student_id", rec.StudentID),
			zap.String("student_name", name),
			zap.String("subject", rec.Subject),
			zap.String("class_date", rec.ClassDate),
			zap.String("path", path))
	}

	log.Info("worker stopped")
}
