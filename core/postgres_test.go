// Copyright 2023-2024 The avlbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"testing"

	"github.com/alwitt/avlbroker/common"
	"github.com/stretchr/testify/assert"
)

func TestPostgresURL(t *testing.T) {
	assert := assert.New(t)

	cfg := common.PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		Database: "avlbroker",
		User:     "broker",
		Password: "p@ss/word",
		SSLMode:  "require",
	}

	// Case 0: pool URL
	{
		connURL := PostgresURL("postgres", cfg)
		assert.Equal("postgres", connURL.Scheme)
		assert.Equal("db.internal:5433", connURL.Host)
		assert.Equal("/avlbroker", connURL.Path)
		assert.Equal("require", connURL.Query().Get("sslmode"))
		password, ok := connURL.User.Password()
		assert.True(ok)
		assert.Equal("p@ss/word", password)
	}

	// Case 1: migration driver URL
	{
		connURL := PostgresURL("pgx5", cfg)
		assert.Equal("pgx5", connURL.Scheme)
		assert.Contains(connURL.String(), "pgx5://broker:")
	}
}
