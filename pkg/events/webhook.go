// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookTimeout bounds the outbound POST. One attempt, no retries.
const webhookTimeout = 3 * time.Second

// WebhookHook returns a post-hook that POSTs each event as JSON to endpoint.
// Delivery is best-effort: a failed POST is an error for the hook runner to
// log, never a rollback of the emitting operation.
func WebhookHook(client *http.Client, endpoint, bearer string) PostHook {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return func(ctx context.Context, evt *Event) error {
		body, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", evt.EventID, err)
		}

		ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("posting event %s: %w", evt.EventID, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook %s returned status %d", endpoint, resp.StatusCode)
		}
		return nil
	}
}
