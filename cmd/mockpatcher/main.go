// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command mockpatcher is a dev-mode stand-in for the (opaque, out of
// scope per spec §4.6 Non-goals) patch-generation agent: it drains the
// confirmed-vulnerabilities queue and asks a generative model for a
// best-effort unified diff, pushing whatever comes back onto the patches
// queue for the scheduler to validate and submit. Never run this in a
// competition environment; it exists so the rest of the pipeline has
// something to submit during local development.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/trailofbits/buttercup-go/pkg/app"
	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/queue"
	"github.com/trailofbits/buttercup-go/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config overlaying BUTTERCUP_* env vars")
	flag.Parse()

	ctx := context.Background()
	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		app.Fatalf("load config: %v", err)
	}

	secrets, err := newSecretManager(ctx, cfg)
	if err != nil {
		app.Fatalf("secrets: %v", err)
	}
	apiKey, err := secrets.Get(ctx, app.SecretGenAIAPIKey)
	if err != nil {
		app.Fatalf("secrets: generative ai api key: %v", err)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		app.Fatalf("genai: new client: %v", err)
	}
	defer client.Close()
	model := client.GenerativeModel("gemini-1.5-flash")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	s := store.NewRedisStore(rdb)

	confirmed, err := queue.New(s, queue.QueueConfirmedVulnerabilities, queue.GroupPatcher, cfg.TaskTimeout.Milliseconds(), (5 * time.Second).Milliseconds())
	if err != nil {
		app.Fatalf("queue: confirmed vulnerabilities: %v", err)
	}
	patches, err := queue.New(s, queue.QueuePatches, queue.GroupSchedulerPatches, cfg.TaskTimeout.Milliseconds(), queue.NonBlocking)
	if err != nil {
		app.Fatalf("queue: patches: %v", err)
	}

	p := &patcher{model: model, confirmed: confirmed, patches: patches}
	for {
		if err := p.runOnce(ctx); err != nil {
			app.Errorf("mockpatcher: %v", err)
		}
	}
}

type patcher struct {
	model     *genai.GenerativeModel
	confirmed *queue.Queue
	patches   *queue.Queue
}

func (p *patcher) runOnce(ctx context.Context) error {
	item, err := p.confirmed.Pop(ctx)
	if err != nil {
		return fmt.Errorf("pop confirmed vulnerability: %w", err)
	}
	if item == nil {
		return nil
	}
	vuln, ok := item.Deserialized.(*msg.ConfirmedVulnerability)
	if !ok {
		// Not our problem to resolve: ack and move on, the scheduler's
		// own consumers are the ones with a poison-message policy.
		return p.confirmed.Ack(ctx, item.ItemID)
	}

	diff, err := p.generateDiff(ctx, *vuln)
	if err != nil {
		return fmt.Errorf("generate diff for %s: %w", vuln.VulnID, err)
	}
	if diff != "" {
		patch := msg.Patch{
			PatchID: uuid.NewString(),
			VulnID:  vuln.VulnID,
			TaskID:  vuln.TaskID,
			Diff:    diff,
		}
		if _, err := p.patches.Push(ctx, msg.TypePatch, patch); err != nil {
			return fmt.Errorf("push patch for %s: %w", vuln.VulnID, err)
		}
	}
	return p.confirmed.Ack(ctx, item.ItemID)
}

func (p *patcher) generateDiff(ctx context.Context, vuln msg.ConfirmedVulnerability) (string, error) {
	prompt := fmt.Sprintf(
		"Given the following crash in package %q (sanitizer %s), propose a minimal unified diff fix.\n\nStacktrace:\n%s\n",
		vuln.Target.PackageName, vuln.Target.Sanitizer, vuln.Stacktrace)
	resp, err := p.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("genai: generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out += string(text)
		}
	}
	return out, nil
}

func newSecretManager(ctx context.Context, cfg *app.Config) (app.SecretManager, error) {
	if cfg.GCPProject != "" {
		return app.NewGCPSecretManager(ctx, cfg.GCPProject)
	}
	return app.StaticSecretManager{
		app.SecretGenAIAPIKey: envOrEmpty("GENERATIVE_AI_API_KEY"),
	}, nil
}

func envOrEmpty(suffix string) string {
	return os.Getenv(app.EnvPrefix + suffix)
}
