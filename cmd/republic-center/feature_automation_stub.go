//go:build no_automation

package main

import (
	"log/slog"

	"republic-center/internal/center"
	"republic-center/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *center.Center, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
