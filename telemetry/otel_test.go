// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/fluxflow/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportCredentials(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	cases := []struct {
		desc    string
		cfg     config.TelemetryConfig
		tls     bool
		wantErr error
		anyErr  bool
	}{
		{desc: "insecure", cfg: config.TelemetryConfig{Insecure: true}},
		{desc: "tls with system roots", cfg: config.TelemetryConfig{}, tls: true},
		{desc: "missing ca file", cfg: config.TelemetryConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}, anyErr: true},
		{desc: "ca file without certificates", cfg: config.TelemetryConfig{CAFile: garbage}, wantErr: ErrInvalidCA},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			creds, err := transportCredentials(tc.cfg)
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				if tc.tls {
					require.NotNil(t, creds)
					assert.Equal(t, "tls", creds.Info().SecurityProtocol)
				} else {
					assert.Nil(t, creds)
				}
			}
		})
	}
}

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	shutdown, err := InitProvider(cfg, "node-1")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	cfg.Insecure = false
	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = InitProvider(cfg, "node-1")
	assert.Error(t, err)
}
