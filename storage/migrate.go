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

package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/core"
	"github.com/apex/log"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationLogger routes golang-migrate logging into apex/log
type migrationLogger struct {
	logTags log.Fields
}

// Printf is the implementation of migrate lib's logger interface
func (l migrationLogger) Printf(format string, v ...interface{}) {
	log.WithFields(l.logTags).Debugf(format, v...)
}

// Verbose is the implementation of migrate lib's logger interface
func (l migrationLogger) Verbose() bool {
	return true
}

// migrationURL build the golang-migrate connection URL
func migrationURL(cfg common.PostgresConfig) string {
	connURL := core.PostgresURL("pgx5", cfg)
	query := connURL.Query()
	query.Set("x-migrations-table", cfg.MigrationsTable)
	connURL.RawQuery = query.Encode()
	return connURL.String()
}

// RunMigrations bring the subscription database schema up to date
func RunMigrations(cfg common.PostgresConfig) error {
	logTags := log.Fields{
		"module": "storage", "component": "migration", "instance": cfg.Database,
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load embedded migrations")
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(cfg))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to create migrate instance")
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{logTags: logTags}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.WithFields(logTags).Errorf("Migration close errors: %v / %v", srcErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.WithError(err).WithFields(logTags).Error("Schema migration failed")
		return fmt.Errorf("failed up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.WithError(err).WithFields(logTags).Error("Unable to read schema version")
		return err
	}
	log.WithFields(logTags).Infof("Schema at version %d (dirty: %v)", version, dirty)
	return nil
}
