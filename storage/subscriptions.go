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
	"encoding/json"
	"errors"
	"time"

	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
)

// SubscriptionStore persistence of consumer subscription records
type SubscriptionStore interface {
	/*
		FindByExternalID find the subscription a consumer registered under an external subscription ID

		 @param ctxt context.Context - execution context
		 @param externalID string - the external subscription ID set by the consumer
		 @param apiKey string - the consumer's API key
		 @return the record, or nil if there is none
	*/
	FindByExternalID(
		ctxt context.Context, externalID, apiKey string,
	) (*models.ConsumerSubscription, error)

	/*
		FindByID find a subscription by its internal subscription ID

		 @param ctxt context.Context - execution context
		 @param id string - the internal subscription ID
		 @param apiKey string - the consumer's API key
		 @return the record, or nil if there is none
	*/
	FindByID(ctxt context.Context, id, apiKey string) (*models.ConsumerSubscription, error)

	/*
		Upsert replace the full record keyed by (internal subscription ID, API key)

		 @param ctxt context.Context - execution context
		 @param subscription models.ConsumerSubscription - the record
	*/
	Upsert(ctxt context.Context, subscription models.ConsumerSubscription) error
}

const consumerSubscriptionColumns = `subscription_id, api_key, name, external_subscription_id,
	status, url, requestor_ref, update_interval, heartbeat_interval, initial_termination_time,
	request_timestamp, heartbeat_attempts, last_retrieved_at, queue_locator, alarm_name,
	consumer_wiring_id, schedule_name, query_filters`

const findByExternalIDQuery = `SELECT ` + consumerSubscriptionColumns + `
	FROM consumer_subscriptions
	WHERE external_subscription_id = $1 AND api_key = $2
	ORDER BY request_timestamp DESC
	LIMIT 1`

const findByIDQuery = `SELECT ` + consumerSubscriptionColumns + `
	FROM consumer_subscriptions
	WHERE subscription_id = $1 AND api_key = $2`

const upsertQuery = `INSERT INTO consumer_subscriptions (` + consumerSubscriptionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (subscription_id, api_key) DO UPDATE SET
		name = EXCLUDED.name,
		external_subscription_id = EXCLUDED.external_subscription_id,
		status = EXCLUDED.status,
		url = EXCLUDED.url,
		requestor_ref = EXCLUDED.requestor_ref,
		update_interval = EXCLUDED.update_interval,
		heartbeat_interval = EXCLUDED.heartbeat_interval,
		initial_termination_time = EXCLUDED.initial_termination_time,
		request_timestamp = EXCLUDED.request_timestamp,
		heartbeat_attempts = EXCLUDED.heartbeat_attempts,
		last_retrieved_at = EXCLUDED.last_retrieved_at,
		queue_locator = EXCLUDED.queue_locator,
		alarm_name = EXCLUDED.alarm_name,
		consumer_wiring_id = EXCLUDED.consumer_wiring_id,
		schedule_name = EXCLUDED.schedule_name,
		query_filters = EXCLUDED.query_filters`

// pgSubscriptionStore SubscriptionStore backed by Postgres
type pgSubscriptionStore struct {
	goutils.Component
	db DB
}

// GetPGSubscriptionStore define a new Postgres backed SubscriptionStore
func GetPGSubscriptionStore(db DB) SubscriptionStore {
	logTags := log.Fields{
		"module": "storage", "component": "subscription-store", "instance": "postgres",
	}
	return &pgSubscriptionStore{
		Component: goutils.Component{LogTags: logTags}, db: db,
	}
}

// FindByExternalID find the subscription a consumer registered under an external subscription ID
func (s *pgSubscriptionStore) FindByExternalID(
	ctxt context.Context, externalID, apiKey string,
) (*models.ConsumerSubscription, error) {
	logTags := s.GetLogTagsForContext(ctxt)
	record, err := scanConsumerSubscription(
		s.db.QueryRow(ctxt, findByExternalIDQuery, externalID, apiKey),
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to look up consumer subscription by external ID '%s'", externalID,
		)
		return nil, classifyError(err, "find consumer subscription '%s'", externalID)
	}
	return record, nil
}

// FindByID find a subscription by its internal subscription ID
func (s *pgSubscriptionStore) FindByID(
	ctxt context.Context, id, apiKey string,
) (*models.ConsumerSubscription, error) {
	logTags := s.GetLogTagsForContext(ctxt)
	record, err := scanConsumerSubscription(s.db.QueryRow(ctxt, findByIDQuery, id, apiKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to read consumer subscription '%s'", id,
		)
		return nil, classifyError(err, "read consumer subscription '%s'", id)
	}
	return record, nil
}

// Upsert replace the full record keyed by (internal subscription ID, API key)
func (s *pgSubscriptionStore) Upsert(
	ctxt context.Context, subscription models.ConsumerSubscription,
) error {
	logTags := s.GetLogTagsForContext(ctxt)
	filters, err := json.Marshal(subscription.QueryFilters)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to serialize query filters of consumer subscription '%s'", subscription.ID,
		)
		return err
	}
	_, err = s.db.Exec(
		ctxt,
		upsertQuery,
		subscription.ID,
		subscription.APIKey,
		subscription.Name,
		subscription.SubscriptionID,
		string(subscription.Status),
		subscription.URL,
		subscription.RequestorRef,
		string(subscription.UpdateInterval),
		subscription.HeartbeatInterval,
		subscription.InitialTerminationTime,
		subscription.RequestTimestamp,
		subscription.HeartbeatAttempts,
		subscription.LastRetrievedAt,
		subscription.QueueLocator,
		subscription.AlarmName,
		subscription.ConsumerWiringID,
		subscription.ScheduleName,
		filters,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to write consumer subscription '%s'", subscription.ID,
		)
		return classifyError(err, "write consumer subscription '%s'", subscription.ID)
	}
	log.WithFields(logTags).Debugf(
		"Wrote consumer subscription '%s' as %s", subscription.ID, subscription.Status,
	)
	return nil
}

// scanConsumerSubscription read one consumer_subscriptions row
func scanConsumerSubscription(row pgx.Row) (*models.ConsumerSubscription, error) {
	var record models.ConsumerSubscription
	var status, updateInterval string
	var lastRetrievedAt *time.Time
	var queueLocator, alarmName, consumerWiringID, scheduleName *string
	var filters []byte
	if err := row.Scan(
		&record.ID,
		&record.APIKey,
		&record.Name,
		&record.SubscriptionID,
		&status,
		&record.URL,
		&record.RequestorRef,
		&updateInterval,
		&record.HeartbeatInterval,
		&record.InitialTerminationTime,
		&record.RequestTimestamp,
		&record.HeartbeatAttempts,
		&lastRetrievedAt,
		&queueLocator,
		&alarmName,
		&consumerWiringID,
		&scheduleName,
		&filters,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filters, &record.QueryFilters); err != nil {
		return nil, err
	}
	record.Status = models.SubscriptionStatus(status)
	record.UpdateInterval = models.UpdateInterval(updateInterval)
	record.LastRetrievedAt = lastRetrievedAt
	record.QueueLocator = queueLocator
	record.AlarmName = alarmName
	record.ConsumerWiringID = consumerWiringID
	record.ScheduleName = scheduleName
	return &record, nil
}
