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
	"context"
	"errors"

	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
)

// ProducerDirectory read-only lookup of upstream producer subscriptions
type ProducerDirectory interface {
	// Get fetch a producer subscription by ID. Returns nil if there is none.
	Get(ctxt context.Context, id string) (*models.ProducerSubscription, error)
}

const getProducerQuery = `SELECT subscription_id, status, url, publisher_id, api_key
	FROM producer_subscriptions
	WHERE subscription_id = $1`

// pgProducerDirectory ProducerDirectory backed by Postgres
type pgProducerDirectory struct {
	goutils.Component
	db DB
}

// GetPGProducerDirectory define a new Postgres backed ProducerDirectory
func GetPGProducerDirectory(db DB) ProducerDirectory {
	logTags := log.Fields{
		"module": "storage", "component": "producer-directory", "instance": "postgres",
	}
	return &pgProducerDirectory{
		Component: goutils.Component{LogTags: logTags}, db: db,
	}
}

// Get fetch a producer subscription by ID
func (d *pgProducerDirectory) Get(
	ctxt context.Context, id string,
) (*models.ProducerSubscription, error) {
	logTags := d.GetLogTagsForContext(ctxt)
	var producer models.ProducerSubscription
	var status string
	err := d.db.QueryRow(ctxt, getProducerQuery, id).Scan(
		&producer.ID, &status, &producer.URL, &producer.PublisherID, &producer.APIKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		log.WithError(err).WithFields(logTags).Errorf("Failed to read producer subscription '%s'", id)
		return nil, classifyError(err, "read producer subscription '%s'", id)
	}
	producer.Status = models.SubscriptionStatus(status)
	return &producer, nil
}
