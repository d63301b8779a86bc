// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/fluxflow/lock"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func allocateUniquePort(t *testing.T, used map[int]struct{}) int {
	t.Helper()

	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		if _, exists := used[port]; exists {
			continue
		}
		used[port] = struct{}{}
		return port
	}
}

// StartEtcd runs a single-node embedded etcd for the duration of the test.
func StartEtcd(t *testing.T) *lock.Embedded {
	t.Helper()

	used := make(map[int]struct{})
	e, err := lock.StartEmbedded(lock.EmbeddedConfig{
		Name:       "test",
		DataDir:    filepath.Join(t.TempDir(), "etcd"),
		ClientAddr: fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(t, used)),
		PeerAddr:   fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(t, used)),
	}, Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// NewEtcdScheduler connects a new client and session to e, the way a
// separate process would.
func NewEtcdScheduler(t *testing.T, e *lock.Embedded) *lock.Etcd {
	t.Helper()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   e.Client().Endpoints(),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	s, err := lock.NewEtcd(client, lock.EtcdConfig{SessionTTL: 5 * time.Second}, Logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = client.Close()
	})
	return s
}
