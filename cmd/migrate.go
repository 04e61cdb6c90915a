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

package cmd

import (
	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/storage"
	"github.com/apex/log"
)

// RunMigrations apply the subscription database migrations
func RunMigrations(config *common.SystemConfig, instance string) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "migrate",
		"instance":  instance,
	}
	if err := storage.RunMigrations(config.Postgres); err != nil {
		log.WithError(err).WithFields(logTags).Error("Database migration failed")
		return err
	}
	log.WithFields(logTags).Info("Database schema is up to date")
	return nil
}
