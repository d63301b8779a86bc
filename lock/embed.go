// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

// EmbeddedConfig configures a single-node embedded etcd server.
type EmbeddedConfig struct {
	Name         string
	DataDir      string
	ClientAddr   string
	PeerAddr     string
	StartTimeout time.Duration
}

// Embedded is a single-node etcd server with a client connected to it.
// It serves development deployments that run without an etcd cluster.
type Embedded struct {
	etcd   *embed.Etcd
	client *clientv3.Client
}

// StartEmbedded starts an embedded etcd server and waits until it is ready.
func StartEmbedded(cfg EmbeddedConfig, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "fluxflow"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	eCfg.ClusterState = embed.ClusterStateFlagNew
	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd ready", slog.String("client_addr", cfg.ClientAddr))
	case <-time.After(cfg.StartTimeout):
		e.Server.Stop()
		e.Close()
		return nil, fmt.Errorf("etcd server took too long to start")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.ClientAddr},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	return &Embedded{etcd: e, client: client}, nil
}

// Client returns a client connected to the embedded server.
func (e *Embedded) Client() *clientv3.Client {
	return e.client
}

// Close stops the client and the server.
func (e *Embedded) Close() error {
	err := e.client.Close()
	e.etcd.Close()
	return err
}
