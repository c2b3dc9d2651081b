//go:build no_mqtt

package main

import (
	"log/slog"

	"republic-center/internal/center"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *center.Center, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
