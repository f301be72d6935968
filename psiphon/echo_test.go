/*
 * Copyright (c) 2025, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package psiphon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-sockets/psiphon/common/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, configJson string) *Config {
	config, err := LoadConfig([]byte(configJson))
	require.NoError(t, err)
	return config
}

func TestUDPEcho(t *testing.T) {

	config := loadTestConfig(t, `{"Port": 0}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo, err := RunUDPEcho(ctx, config, nil, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), echo)

	config = loadTestConfig(t, `{"Domain": "unix", "Host": "unused.sock"}`)
	_, err = RunUDPEcho(ctx, config, nil, []byte("hello"))
	assert.Error(t, err)
}

func TestTCPEcho(t *testing.T) {

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, configJson := range []string{
		`{"Port": 0}`,
		`{"Domain": "unix", "Host": "` + filepath.Join(t.TempDir(), "echo.sock") + `"}`,
	} {
		config := loadTestConfig(t, configJson)
		echo, err := RunTCPEcho(ctx, config, nil, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), echo)
	}
}

func TestTCPEchoDefaultAddress(t *testing.T) {

	config := loadTestConfig(t, `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	echo, err := RunTCPEcho(ctx, config, nil, []byte("hello"))
	if errors.IsKind(err, errors.KindBind) {
		t.Skipf("default address unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), echo)
}

func TestEchoCanceled(t *testing.T) {

	config := loadTestConfig(t, `{"Port": 0}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunTCPEcho(ctx, config, nil, []byte("hello"))
	assert.Error(t, err)
}
