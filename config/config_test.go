// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Type != "badger" {
		t.Errorf("expected default storage badger, got %s", cfg.Storage.Type)
	}
	if cfg.Lock.Type != "local" {
		t.Errorf("expected default lock local, got %s", cfg.Lock.Type)
	}
	if cfg.Workers.PollInterval != 50*time.Millisecond {
		t.Errorf("expected poll interval 50ms, got %v", cfg.Workers.PollInterval)
	}
	if cfg.Consumer.BatchSize != 1 {
		t.Errorf("expected batch size 1, got %d", cfg.Consumer.BatchSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unknown storage type",
			modify: func(c *Config) {
				c.Storage.Type = "memory"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name: "in-memory badger without dir",
			modify: func(c *Config) {
				c.Storage.Badger.Dir = ""
				c.Storage.Badger.InMemory = true
			},
			wantErr: false,
		},
		{
			name: "unknown compression",
			modify: func(c *Config) {
				c.Storage.Badger.Compression = "lz4"
			},
			wantErr: true,
		},
		{
			name: "local lock over redis storage",
			modify: func(c *Config) {
				c.Storage.Type = "redis"
			},
			wantErr: true,
		},
		{
			name: "redis lock over redis storage",
			modify: func(c *Config) {
				c.Storage.Type = "redis"
				c.Lock.Type = "redis"
			},
			wantErr: false,
		},
		{
			name: "redis lock without address",
			modify: func(c *Config) {
				c.Lock.Type = "redis"
			},
			wantErr: true,
		},
		{
			name: "etcd lock without endpoints",
			modify: func(c *Config) {
				c.Lock.Type = "etcd"
				c.Lock.Etcd.Endpoints = nil
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 2
			},
			wantErr: true,
		},
		{
			name: "telemetry over tls with ca file",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.Insecure = false
				c.Telemetry.CAFile = "/etc/ssl/collector.pem"
			},
			wantErr: false,
		},
		{
			name: "ca file on insecure telemetry",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.CAFile = "/etc/ssl/collector.pem"
			},
			wantErr: true,
		},
		{
			name: "zero metric interval",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.MetricInterval = 0
			},
			wantErr: true,
		},
		{
			name: "router without sources",
			modify: func(c *Config) {
				c.Pipelines.Routers = []RouterConfig{{Name: "r", Targets: []string{"t"}}}
			},
			wantErr: true,
		},
		{
			name: "duplicate pipeline names",
			modify: func(c *Config) {
				c.Pipelines.Fanouts = []FanoutConfig{{Name: "p", Source: "s", Targets: []string{"t"}}}
				c.Pipelines.Routers = []RouterConfig{{Name: "p", Sources: []string{"s"}, Targets: []string{"t"}}}
			},
			wantErr: true,
		},
		{
			name: "join source without key",
			modify: func(c *Config) {
				c.Pipelines.Joins = []JoinConfig{{Name: "j", Target: "t", Sources: []JoinSourceConfig{{Queue: "a"}}}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Storage.Badger.Dir != "/tmp/fluxflow/data" {
		t.Errorf("expected default config, got badger dir %s", cfg.Storage.Badger.Dir)
	}
}

func TestLoadPipelines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
pipelines:
  accumulations:
    - name: orders
      source: order-items
      group_key: data.orderId
      target: orders-complete
      expected_items: 3
      timeout: 10s
  joins:
    - name: shipment
      target: shipments
      sources:
        - queue: payments
          join_key: data.orderId
        - queue: packing
          join_key: data.order.id
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Pipelines.Accumulations) != 1 {
		t.Fatalf("expected 1 accumulation, got %d", len(cfg.Pipelines.Accumulations))
	}
	acc := cfg.Pipelines.Accumulations[0]
	if acc.ExpectedItems != 3 || acc.Timeout != 10*time.Second {
		t.Errorf("unexpected accumulation %+v", acc)
	}
	if len(cfg.Pipelines.Joins[0].Sources) != 2 {
		t.Errorf("expected 2 join sources, got %d", len(cfg.Pipelines.Joins[0].Sources))
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Storage.Badger.Compression = "s2"
	cfg.Workers.Lease = 10 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Storage.Badger.Compression != "s2" {
		t.Errorf("expected compression s2, got %s", loaded.Storage.Badger.Compression)
	}
	if loaded.Workers.Lease != 10*time.Second {
		t.Errorf("expected lease 10s, got %v", loaded.Workers.Lease)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
