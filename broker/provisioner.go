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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/management"
	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ResourceProvisioner creates the delivery infrastructure of one consumer subscription
type ResourceProvisioner interface {
	/*
		Provision create the queue, capacity alarm, consumer wiring, and recurring poll trigger

		Every call provisions from scratch. A failed step aborts the remaining steps; resources
		created by earlier steps are left in place.

		 @param ctxt context.Context - execution context
		 @param internalID string - the internal subscription ID
		 @param intent models.SubscriptionIntent - the validated subscribe request
		 @return the resource handles
	*/
	Provision(
		ctxt context.Context, internalID string, intent models.SubscriptionIntent,
	) (models.ResourceHandles, error)
}

// PollTriggerPayload message the recurring trigger sends to the data-poller
type PollTriggerPayload struct {
	SubscriptionInternalID string `json:"subscriptionInternalId"`
	APIKey                 string `json:"apiKey"`
	FrequencyInSeconds     int    `json:"frequencyInSeconds"`
	QueueLocator           string `json:"queueLocator"`
}

// dataSenderConsumerName durable consumer name of the data-sender wiring
const dataSenderConsumerName = "data-sender"

// QueueName name of the queue of a consumer subscription
func QueueName(internalID string) string {
	return fmt.Sprintf("consumer-subscription-%s", internalID)
}

// resourceProvisionerImpl implements ResourceProvisioner
type resourceProvisionerImpl struct {
	goutils.Component
	provider management.DeliveryInfraProvider
	config   common.ProvisioningConfig
}

// GetResourceProvisioner define a new ResourceProvisioner
func GetResourceProvisioner(
	provider management.DeliveryInfraProvider, config common.ProvisioningConfig,
) ResourceProvisioner {
	logTags := log.Fields{"module": "broker", "component": "resource-provisioner"}
	return &resourceProvisionerImpl{
		Component: goutils.Component{LogTags: logTags}, provider: provider, config: config,
	}
}

// Provision create the delivery infrastructure
func (p *resourceProvisionerImpl) Provision(
	ctxt context.Context, internalID string, intent models.SubscriptionIntent,
) (models.ResourceHandles, error) {
	logTags := p.GetLogTagsForContext(ctxt)
	queueName := QueueName(internalID)
	handles := models.ResourceHandles{}

	// Step 1: queue
	err := p.provider.CreateQueue(ctxt, management.QueueSpec{
		Name:              queueName,
		VisibilityTimeout: time.Second * time.Duration(p.config.VisibilityTimeout),
		Retention:         time.Second * time.Duration(p.config.MessageRetention),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to create queue %s", queueName)
		switch {
		case errors.Is(err, management.ErrQueueDeletedRecently):
			return handles, NewDeactivatingConflictError(
				err, "Subscription queue is still being deactivated, retry later",
			)
		case errors.Is(err, management.ErrThrottled):
			return handles, NewThrottledConflictError(
				err, "Too many subscription requests, retry later",
			)
		}
		return handles, fmt.Errorf("create queue %s: %w", queueName, err)
	}

	// Step 2: queue locator
	queueLocator, err := p.provider.GetQueueLocator(ctxt, queueName)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to read queue %s locator", queueName)
		return handles, fmt.Errorf("read queue %s locator: %w", queueName, err)
	}
	handles.QueueLocator = queueLocator

	// Step 3: capacity alarm
	alarmName := fmt.Sprintf("%s-capacity", queueName)
	err = p.provider.CreateAlarm(ctxt, management.CapacityAlarm{
		Name:              alarmName,
		QueueLocator:      queueLocator,
		Threshold:         p.config.Alarm.Threshold,
		EvaluationPeriod:  time.Second * time.Duration(p.config.Alarm.EvaluationPeriod),
		EvaluationPeriods: p.config.Alarm.EvaluationPeriods,
		AlarmSubject:      p.config.Alarm.AlarmSubject,
		OKSubject:         p.config.Alarm.OKSubject,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Failed to create alarm %s", alarmName)
		return handles, fmt.Errorf("create alarm %s: %w", alarmName, err)
	}
	handles.AlarmName = alarmName

	// Step 4: consumer wiring to the data-sender
	wiringID, err := p.provider.WireConsumer(ctxt, management.ConsumerWiringSpec{
		QueueLocator:  queueLocator,
		Name:          dataSenderConsumerName,
		TargetSubject: p.config.DataSenderSubject,
		TargetGroup:   p.config.DataSenderGroup,
		MaxInflight:   p.config.DataSenderMaxInflight,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to wire queue %s to the data-sender", queueName,
		)
		if errors.Is(err, management.ErrThrottled) {
			return handles, NewThrottledConflictError(
				err, "Too many subscription requests, retry later",
			)
		}
		return handles, fmt.Errorf("wire queue %s: %w", queueName, err)
	}
	handles.ConsumerWiringID = wiringID

	// Step 5: recurring poll trigger
	frequency, err := intent.UpdateInterval.Seconds()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unsupported update interval")
		return handles, err
	}
	payload, err := json.Marshal(PollTriggerPayload{
		SubscriptionInternalID: internalID,
		APIKey:                 intent.APIKey,
		FrequencyInSeconds:     frequency,
		QueueLocator:           queueLocator,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to serialize poll trigger payload")
		return handles, err
	}
	scheduleName := fmt.Sprintf("%s-poll", queueName)
	err = p.provider.CreateRecurringTrigger(ctxt, management.RecurringTrigger{
		Name:          scheduleName,
		Interval:      time.Second * time.Duration(p.config.PollInterval),
		TargetSubject: p.config.PollerSubject,
		Payload:       payload,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to create recurring trigger %s", scheduleName,
		)
		return handles, fmt.Errorf("create recurring trigger %s: %w", scheduleName, err)
	}
	handles.ScheduleName = scheduleName

	log.WithFields(logTags).Infof("Provisioned delivery infrastructure for %s", internalID)
	return handles, nil
}
