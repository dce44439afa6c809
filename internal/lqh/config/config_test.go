// Copyright 2024 The lqhd Authors
// This file is part of the lqhd library.
//
// The lqhd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lqhd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lqhd library. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
[node]
own_node_id = 3
data_dir = "/var/lib/lqhd"
metrics_addr = ":9100"

[db]
no_redolog_files = 6
diskless = true

[lqh]
frag_pool_size = 512
op_pool_size = 4096
`

func writeSample(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "lqhd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeSample(t, sample)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, uint32(3), cfg.Node.OwnNodeID)
	require.Equal(t, "/var/lib/lqhd", cfg.Node.DataDir)
	require.Equal(t, ":9100", cfg.Node.MetricsAddr)
	require.Equal(t, uint32(6), cfg.DB.NoRedologFiles)
	require.True(t, cfg.DB.Diskless)
	require.Equal(t, 512, cfg.LQH.FragPoolSize)
	require.Equal(t, 4096, cfg.LQH.OpPoolSize)

	// Fields absent from the file keep Default()'s values.
	require.Equal(t, 256, cfg.DB.PagePoolCapacity)
	require.Equal(t, 256, cfg.LQH.MarkerPoolSize)
}

func TestValidateRejectsZeroPools(t *testing.T) {
	cfg := Default()
	cfg.LQH.FragPoolSize = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsTooFewRedologFiles(t *testing.T) {
	cfg := Default()
	cfg.DB.NoRedologFiles = 1
	require.Error(t, cfg.Validate())
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}
