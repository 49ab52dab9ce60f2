// Package uploader drains the agent's offline run queue to the hub's
// ingest endpoint (spec §4.8) whenever the hub is reachable, independent
// of whether the agent's live WebSocket connection happens to be up at
// the same moment — a run finished while disconnected should upload as
// soon as the network allows, not wait for the next successful Hello.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"bastionhq.dev/bastion/agent/internal/offline"
)

// pollInterval is how often the uploader checks the run store for work.
const pollInterval = 30 * time.Second

// Uploader periodically POSTs queued offline runs to the hub and removes
// them from local storage once ingested.
type Uploader struct {
	serverURL string
	agentKey  string
	store     *offline.RunStore
	client    *http.Client
	logger    *zap.Logger
}

// New builds an Uploader rooted at runDir, the same directory the
// offline scheduler writes completed runs to.
func New(serverURL, agentKey, runDir string, logger *zap.Logger) (*Uploader, error) {
	store, err := offline.NewRunStore(runDir)
	if err != nil {
		return nil, err
	}
	return &Uploader{
		serverURL: serverURL,
		agentKey:  agentKey,
		store:     store,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.Named("uploader"),
	}, nil
}

// Run polls the run store on a timer until ctx is canceled.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	u.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.drain(ctx)
		}
	}
}

func (u *Uploader) drain(ctx context.Context) {
	ids, err := u.store.PendingRuns()
	if err != nil {
		u.logger.Error("listing pending offline runs", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := u.uploadOne(ctx, id); err != nil {
			u.logger.Warn("uploading offline run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if err := u.store.Remove(id); err != nil {
			u.logger.Warn("removing uploaded offline run", zap.String("run_id", id), zap.Error(err))
		}
	}
}

func (u *Uploader) uploadOne(ctx context.Context, runID string) error {
	payload, err := u.store.Load(runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	if payload.Run.Status == "running" {
		return fmt.Errorf("run still in progress, skipping")
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	endpoint, err := u.endpoint()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+u.agentKey)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting run: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("hub returned %s", resp.Status)
	}
	return nil
}

func (u *Uploader) endpoint() (string, error) {
	base, err := url.Parse(u.serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/v1/offline-runs"
	return base.String(), nil
}
