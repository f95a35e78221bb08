// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// fetchBodyCap bounds how much of a fetched page is returned to the model.
const fetchBodyCap = 16 * 1024

// RegisterBuiltins adds the stock tool set. Deployments register their own
// tools alongside or instead of these.
func RegisterBuiltins(r *Registry) error {
	builtins := []Definition{
		{
			Name:        "current_time",
			Description: "Returns the current date and time in UTC.",
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
			Risk:        RiskReadOnly,
			Handler:     HandlerFunc(currentTime),
		},
		{
			Name:        "fetch_url",
			Description: "Fetches a web page over HTTP GET and returns its body as text.",
			Schema: json.RawMessage(`{"type":"object","properties":{` +
				`"url":{"type":"string","description":"The http(s) URL to fetch"}},` +
				`"required":["url"]}`),
			Risk:    RiskReadOnly,
			Handler: HandlerFunc(fetchURL),
		},
	}
	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func currentTime(context.Context, map[string]any) (any, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

func fetchURL(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", ErrValidation)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return nil, fmt.Errorf("%w: url must be http or https", ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, raw)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, raw)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyCap))
	if err != nil {
		return nil, err
	}
	return string(body), nil
}
