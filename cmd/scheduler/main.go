// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command scheduler runs the orchestrator core (spec component C7): the
// cooperative multiplex loop plus its background tasks, health
// endpoints, and wiring to every collaborator the core depends on.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/profiler"
	"cloud.google.com/go/spanner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/buttercup-go/pkg/app"
	"github.com/trailofbits/buttercup-go/pkg/audit"
	"github.com/trailofbits/buttercup-go/pkg/blob"
	"github.com/trailofbits/buttercup-go/pkg/buildmap"
	"github.com/trailofbits/buttercup-go/pkg/competition"
	"github.com/trailofbits/buttercup-go/pkg/health"
	"github.com/trailofbits/buttercup-go/pkg/povstatus"
	"github.com/trailofbits/buttercup-go/pkg/queue"
	"github.com/trailofbits/buttercup-go/pkg/scheduler"
	"github.com/trailofbits/buttercup-go/pkg/store"
	"github.com/trailofbits/buttercup-go/pkg/submission"
	"github.com/trailofbits/buttercup-go/pkg/task"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config overlaying BUTTERCUP_* env vars")
	flag.Parse()

	ctx := context.Background()
	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		app.Fatalf("load config: %v", err)
	}

	var cloudLogger *app.CloudLogger
	if cfg.GCPProject != "" {
		if err := profiler.Start(profiler.Config{Service: "scheduler", ProjectID: cfg.GCPProject}); err != nil {
			app.Errorf("profiler: start: %v", err)
		}
		cloudLogger, err = app.NewCloudLogger(ctx, cfg.GCPProject, "scheduler")
		if err != nil {
			app.Errorf("cloud logging: %v", err)
		} else {
			defer cloudLogger.Close()
		}
	}
	logErrorf := func(format string, args ...any) {
		app.Errorf(format, args...)
		if cloudLogger != nil {
			cloudLogger.Errorf(format, args...)
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	s := store.NewRedisStore(rdb)

	queues, err := buildQueues(s, cfg.TaskTimeout.Milliseconds())
	if err != nil {
		app.Fatalf("build queues: %v", err)
	}

	registry := task.NewRegistry(s)
	buildMap := buildmap.NewBuildMap(s)
	harnessWeights := buildmap.NewHarnessWeights(s)
	povTracker := povstatus.NewTracker(s)

	var auditSink submission.AuditSink
	if cfg.SpannerDatabase != "" {
		spannerClient, err := spanner.NewClient(ctx, cfg.SpannerDatabase)
		if err != nil {
			app.Fatalf("spanner: new client: %v", err)
		}
		defer spannerClient.Close()
		auditSink = audit.NewLog(spannerClient)
	}
	subTracker := submission.NewTracker(s, auditSink)

	secrets, err := newSecretManager(ctx, cfg)
	if err != nil {
		app.Fatalf("secrets: %v", err)
	}
	clientID, err := secrets.Get(ctx, app.SecretCompetitionClientID)
	if err != nil {
		logErrorf("secrets: competition client id: %v", err)
	}
	clientSecret, err := secrets.Get(ctx, app.SecretCompetitionToken)
	if err != nil {
		logErrorf("secrets: competition client secret: %v", err)
	}

	competitionClient := competition.New(competition.Config{
		BaseURL:      cfg.CompetitionBaseURL,
		TokenURL:     cfg.CompetitionTokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Timeout:      30 * time.Second,
	})

	shouldStop := func(ctx context.Context, taskID string) (bool, error) {
		return registry.ShouldStopProcessing(ctx, taskID, nil, time.Now())
	}
	bundles := submission.NewBundles(subTracker, shouldStop, competitionClient)

	promRegistry := prometheus.NewRegistry()
	healthTracker := health.NewTracker(promRegistry)

	sched := scheduler.New(s, *queues, registry, buildMap, harnessWeights, subTracker, bundles,
		competitionClient, competitionClient, healthTracker).
		WithCoverageMap(buildmap.NewCoverageMap(s))

	var storage blob.Storage // nil: archival is best-effort, see pkg/blob/corpusmerger/scratchcleaner

	tasks := []scheduler.BackgroundTask{
		scheduler.NewPOVReproducer(povTracker, registry, buildMap, cfg.TaskTimeout, 3),
		scheduler.NewCorpusMerger(harnessWeights, s, registry, storage, cfg.CorpusRoot, cfg.MergeBinary, cfg.TaskTimeout),
		scheduler.NewScratchCleaner(registry, storage, cfg.ScratchDir),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Loop(gctx, cfg.SchedulerSleep)
	})
	g.Go(func() error {
		return scheduler.RunBackgroundTasks(gctx, healthTracker, tasks...)
	})
	g.Go(func() error {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HealthPort),
			Handler: healthTracker.HTTPHandler(promRegistry),
		}
		go func() {
			<-gctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Fatalf("scheduler: %v", err)
	}
}

// newSecretManager resolves Competition API credentials from Secret
// Manager when GCPProject is configured, falling back to plain
// BUTTERCUP_*-prefixed env vars for local/dev runs.
func newSecretManager(ctx context.Context, cfg *app.Config) (app.SecretManager, error) {
	if cfg.GCPProject != "" {
		return app.NewGCPSecretManager(ctx, cfg.GCPProject)
	}
	return app.StaticSecretManager{
		app.SecretCompetitionClientID: envOrEmpty("COMPETITION_CLIENT_ID"),
		app.SecretCompetitionToken:    envOrEmpty("COMPETITION_CLIENT_SECRET"),
	}, nil
}

func envOrEmpty(suffix string) string {
	return os.Getenv(app.EnvPrefix + suffix)
}

// buildQueues wires every queue the scheduler's cooperative multiplex
// loop reads from, each popped in NonBlocking mode so one empty queue
// never stalls the rest of the tick. reclaimIdleMs bounds how long an
// unacked entry sits before another consumer may reclaim it.
func buildQueues(s store.Store, reclaimIdleMs int64) (*scheduler.Queues, error) {
	type spec struct {
		dst   **queue.Queue
		name  string
		group string
	}
	var q scheduler.Queues
	specs := []spec{
		{&q.ReadyTasks, queue.QueueReadyTasks, queue.GroupSchedulerReadyTasks},
		{&q.Build, queue.QueueBuild, queue.GroupBuildBotConsumers},
		{&q.BuildOutput, queue.QueueBuildOutput, queue.GroupSchedulerBuildOutput},
		{&q.Crash, queue.QueueCrash, queue.GroupSchedulerCrash},
		{&q.UniqueVulnerabilities, queue.QueueUniqueVulnerabilities, queue.GroupSchedulerUniqueVulns},
		{&q.ConfirmedVulnerabilities, queue.QueueConfirmedVulnerabilities, queue.GroupPatcher},
		{&q.Patches, queue.QueuePatches, queue.GroupSchedulerPatches},
		{&q.DeleteTask, queue.QueueDeleteTask, queue.GroupSchedulerDeleteTask},
	}
	for _, sp := range specs {
		qq, err := queue.New(s, sp.name, sp.group, reclaimIdleMs, queue.NonBlocking)
		if err != nil {
			return nil, err
		}
		*sp.dst = qq
	}
	return &q, nil
}
