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

package broker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/avlbroker/storage"
	"github.com/alwitt/avlbroker/validation"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// SubscriptionBroker drives the consumer subscription lifecycle
type SubscriptionBroker interface {
	/*
		Subscribe register a consumer's interest in a filtered slice of the vehicle-location feed

		A new subscription, or one previously in error, is provisioned and persisted as live. A
		live subscription is left untouched and reported with a ConflictError.

		 @param ctxt context.Context - execution context
		 @param headers http.Header - request headers
		 @param query url.Values - request query parameters
		 @param body string - the subscription request document
	*/
	Subscribe(ctxt context.Context, headers http.Header, query url.Values, body string) error

	/*
		GetSubscription read back a consumer subscription by its internal subscription ID

		 @param ctxt context.Context - execution context
		 @param headers http.Header - request headers
		 @param id string - the internal subscription ID
		 @return the persisted record
	*/
	GetSubscription(
		ctxt context.Context, headers http.Header, id string,
	) (models.ConsumerSubscription, error)
}

// subscriptionBrokerImpl implements SubscriptionBroker
type subscriptionBrokerImpl struct {
	goutils.Component
	validator      validation.SubscribeRequestValidator
	store          storage.SubscriptionStore
	resolver       ProducerResolver
	provisioner    ResourceProvisioner
	idGen          common.IDGenerator
	clock          common.Clock
	allowedAPIKeys map[string]bool
}

// GetSubscriptionBroker define a new SubscriptionBroker
//
// An empty allowedAPIKeys accepts any well-formed API key.
func GetSubscriptionBroker(
	validator validation.SubscribeRequestValidator,
	store storage.SubscriptionStore,
	resolver ProducerResolver,
	provisioner ResourceProvisioner,
	idGen common.IDGenerator,
	clock common.Clock,
	allowedAPIKeys []string,
) SubscriptionBroker {
	logTags := log.Fields{"module": "broker", "component": "subscription-broker"}
	allowed := map[string]bool{}
	for _, key := range allowedAPIKeys {
		allowed[key] = true
	}
	return &subscriptionBrokerImpl{
		Component:      goutils.Component{LogTags: logTags},
		validator:      validator,
		store:          store,
		resolver:       resolver,
		provisioner:    provisioner,
		idGen:          idGen,
		clock:          clock,
		allowedAPIKeys: allowed,
	}
}

// authorize apply the static API key check
func (b *subscriptionBrokerImpl) authorize(apiKey string) error {
	if len(b.allowedAPIKeys) > 0 && !b.allowedAPIKeys[apiKey] {
		return NewUnauthorizedError(nil, "Invalid API key")
	}
	return nil
}

// Subscribe register a consumer's interest in a filtered slice of the vehicle-location feed
func (b *subscriptionBrokerImpl) Subscribe(
	ctxt context.Context, headers http.Header, query url.Values, body string,
) error {
	logTags := b.GetLogTagsForContext(ctxt)

	intent, errs := b.validator.Validate(headers, query, body)
	if len(errs) > 0 {
		log.WithFields(logTags).Infof("Rejected invalid subscribe request: %v", errs)
		return NewValidationError(errs)
	}
	if err := b.authorize(intent.APIKey); err != nil {
		log.WithFields(logTags).Info("Rejected subscribe request with unknown API key")
		return err
	}

	existing, err := b.store.FindByExternalID(ctxt, intent.SubscriptionID, intent.APIKey)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to look up existing subscription")
		return err
	}
	if existing != nil && existing.Status == models.StatusLive {
		log.WithFields(logTags).Infof(
			"Subscription '%s' is already live as %s", intent.SubscriptionID, existing.ID,
		)
		return NewConflictError(nil, "Consumer subscription ID is already live")
	}

	if _, err := b.resolver.Resolve(ctxt, intent.Filters.SubscriptionIDs); err != nil {
		return err
	}

	// Resubscribing keeps the internal ID of the existing record
	var internalID string
	if existing != nil {
		internalID = existing.ID
		log.WithFields(logTags).Infof(
			"Resubscribing %s subscription %s", existing.Status, internalID,
		)
	} else {
		internalID = b.idGen.NewID()
		log.WithFields(logTags).Infof("Creating subscription %s", internalID)
	}

	handles, err := b.provisioner.Provision(ctxt, internalID, intent)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to provision subscription %s", internalID,
		)
		return err
	}

	record := models.ConsumerSubscription{
		ID:                     internalID,
		APIKey:                 intent.APIKey,
		Name:                   intent.ConsumerName(),
		SubscriptionID:         intent.SubscriptionID,
		Status:                 models.StatusLive,
		URL:                    intent.URL,
		RequestorRef:           intent.RequestorRef,
		UpdateInterval:         intent.UpdateInterval,
		HeartbeatInterval:      intent.HeartbeatInterval,
		InitialTerminationTime: intent.InitialTerminationTime,
		RequestTimestamp:       b.clock.Now(),
		HeartbeatAttempts:      0,
		QueryFilters:           intent.Filters,
	}
	record.AttachResources(handles)
	if err := b.store.Upsert(ctxt, record); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to persist subscription %s after provisioning", internalID,
		)
		return err
	}

	log.WithFields(logTags).Infof("Subscription %s is live", internalID)
	return nil
}

// GetSubscription read back a consumer subscription by its internal subscription ID
func (b *subscriptionBrokerImpl) GetSubscription(
	ctxt context.Context, headers http.Header, id string,
) (models.ConsumerSubscription, error) {
	logTags := b.GetLogTagsForContext(ctxt)

	apiKey := headers.Get(validation.APIKeyHeader)
	if len(apiKey) < 1 || len(apiKey) > 256 {
		return models.ConsumerSubscription{}, NewValidationError(
			[]string{validation.MsgAPIKey},
		)
	}
	if err := b.authorize(apiKey); err != nil {
		return models.ConsumerSubscription{}, err
	}

	record, err := b.store.FindByID(ctxt, id, apiKey)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to read subscription %s", id)
		return models.ConsumerSubscription{}, err
	}
	if record == nil {
		return models.ConsumerSubscription{}, NewNotFoundError(
			nil, "Consumer subscription ID not found: %s", id,
		)
	}
	return *record, nil
}
