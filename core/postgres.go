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
	"context"
	"fmt"
	"net/url"

	"github.com/alwitt/avlbroker/common"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresURL build the connection URL for the subscription database
//
// The scheme is replaceable so the same parameters can be handed to the migration driver.
func PostgresURL(scheme string, cfg common.PostgresConfig) *url.URL {
	query := url.Values{}
	query.Set("sslmode", cfg.SSLMode)
	return &url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: query.Encode(),
	}
}

// GetPostgresPool define a new concurrency safe pool of database connections
func GetPostgresPool(ctxt context.Context, cfg common.PostgresConfig) (*pgxpool.Pool, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "postgres-backend",
		"instance":  fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database),
	}

	poolConfig, err := pgxpool.ParseConfig(PostgresURL("postgres", cfg).String())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse pool config")
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections

	pool, err := pgxpool.NewWithConfig(ctxt, poolConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to create connection pool")
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctxt); err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithFields(logTags).Info("Database connection pool established")
	return pool, nil
}
