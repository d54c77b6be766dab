package main

import (
	"context"
	"encoding/json"
	"time"
)

// Health is served by every dotrpc serve process.
type Health struct {
	started time.Time
}

type healthStatus struct {
	OK     bool   `json:"ok"`
	Uptime string `json:"uptime"`
}

func (h *Health) Ping(ctx context.Context, _ json.RawMessage) (*healthStatus, error) {
	return &healthStatus{OK: true, Uptime: time.Since(h.started).Round(time.Second).String()}, nil
}
