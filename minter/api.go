package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/barnettlynn/sdmprov/internal/config"
	"github.com/barnettlynn/sdmprov/pkg/keystore"
)

// TagRegistration is posted to the registration endpoint for every tag
// that reaches the provisioned state. Keys are never sent.
type TagRegistration struct {
	UID         string `json:"uid"`
	RunID       string `json:"run_id"`
	URL         string `json:"url"`
	KeyVersion  int    `json:"key_version"`
	BatchID     string `json:"batch_id,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Provisioned string `json:"provisioned_at"`
}

func newRegistration(rec *keystore.Record, url, batchID, notes string) TagRegistration {
	return TagRegistration{
		UID:         rec.UIDHex(),
		RunID:       rec.RunID,
		URL:         url,
		KeyVersion:  int(rec.Keys[0].Version),
		BatchID:     batchID,
		Notes:       notes,
		Provisioned: rec.LastModified.UTC().Format(time.RFC3339),
	}
}

type registrar struct {
	api    config.APIConfig
	client *http.Client
}

func newRegistrar(api config.APIConfig) *registrar {
	return &registrar{api: api, client: &http.Client{Timeout: 30 * time.Second}}
}

func (r *registrar) enabled() bool { return r != nil && r.api.Endpoint != "" }

func (r *registrar) register(ctx context.Context, reg TagRegistration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.api.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.api.CFClientID != "" {
		req.Header.Set("CF-Access-Client-Id", r.api.CFClientID)
		req.Header.Set("CF-Access-Client-Secret", r.api.CFClientSecret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API returned non-2xx status: %d %s", resp.StatusCode, resp.Status)
	}

	return nil
}
