// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package competition is the client for the Competition API external
// collaborator (spec §6): submit crash, submit patch, submit bundle.
package competition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/trailofbits/buttercup-go/pkg/msg"
	"github.com/trailofbits/buttercup-go/pkg/submission"
)

// Client calls the Competition API over HTTP, authenticating via OAuth2
// client-credentials and guarding the round trip with a circuit breaker
// so a degraded API doesn't cascade into the scheduler's loop.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	var httpClient *http.Client
	if cfg.TokenURL != "" {
		oauthCfg := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = oauthCfg.Client(context.Background())
	} else {
		httpClient = &http.Client{}
	}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "competition-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{baseURL: cfg.BaseURL, http: httpClient, cb: cb}
}

type submitResponse struct {
	Status msg.SubmissionResult `json:"status"`
	ID     string               `json:"id"`
}

func (c *Client) post(ctx context.Context, path string, body any) (submitResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return submitResponse{}, fmt.Errorf("competition: marshal %s: %w", path, err)
	}
	result, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("competition: %s: server error %d", path, resp.StatusCode)
		}
		var sr submitResponse
		if err := json.Unmarshal(respBody, &sr); err != nil {
			return nil, fmt.Errorf("competition: %s: decode response: %w", path, err)
		}
		return sr, nil
	})
	if err != nil {
		return submitResponse{}, err
	}
	return result.(submitResponse), nil
}

// SubmitCrash reports a deduplicated crash to the Competition API.
func (c *Client) SubmitCrash(ctx context.Context, vuln msg.ConfirmedVulnerability) (msg.SubmissionResult, string, error) {
	resp, err := c.post(ctx, "/v1/crash", vuln)
	if err != nil {
		return "", "", err
	}
	return resp.Status, resp.ID, nil
}

// SubmitPatch reports a candidate patch to the Competition API.
func (c *Client) SubmitPatch(ctx context.Context, patch msg.Patch) (msg.SubmissionResult, string, error) {
	resp, err := c.post(ctx, "/v1/patch", patch)
	if err != nil {
		return "", "", err
	}
	return resp.Status, resp.ID, nil
}

// SubmitBundle implements submission.Submitter by posting a validated
// vuln/patch pairing. Satisfies pkg/submission.Submitter.
func (c *Client) SubmitBundle(ctx context.Context, b submission.Bundle) (msg.SubmissionResult, error) {
	resp, err := c.post(ctx, "/v1/bundle", b)
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}
