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

package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/core"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const visibilityDescriptionPrefix = "visibility-timeout="

// jetStreamProviderImpl DeliveryInfraProvider backed by NATS JetStream
//
// Each queue is a work-queue stream; consumer wiring is a durable push consumer whose ACK wait
// is the queue's visibility window. Alarms, recurring triggers, and recently deleted queue
// names are kept in JetStream KV buckets.
type jetStreamProviderImpl struct {
	goutils.Component
	core          core.NatsClient
	validate      *validator.Validate
	limiter       *rate.Limiter
	callTimeout   time.Duration
	subjectPrefix string
	alarms        nats.KeyValue
	schedules     nats.KeyValue
	tombstones    nats.KeyValue
}

// GetJetStreamDeliveryInfraProvider define a JetStream backed DeliveryInfraProvider
//
// The alarm, schedule and tombstone KV buckets are created if they do not exist.
func GetJetStreamDeliveryInfraProvider(
	natsCore core.NatsClient, cfg common.ProvisioningConfig, instance string,
) (DeliveryInfraProvider, error) {
	logTags := log.Fields{
		"module":    "management",
		"component": "jetstream-provider",
		"instance":  instance,
	}

	ensureBucket := func(bucket string, ttl time.Duration) (nats.KeyValue, error) {
		kv, err := natsCore.JetStream().KeyValue(bucket)
		if err == nil {
			return kv, nil
		}
		if !errors.Is(err, nats.ErrBucketNotFound) {
			log.WithError(err).WithFields(logTags).Errorf("Unable to open KV bucket %s", bucket)
			return nil, err
		}
		kv, err = natsCore.JetStream().CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket, TTL: ttl, History: 1,
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define KV bucket %s", bucket)
			return nil, err
		}
		log.WithFields(logTags).Infof("Defined KV bucket %s", bucket)
		return kv, nil
	}

	alarms, err := ensureBucket(cfg.AlarmBucket, 0)
	if err != nil {
		return nil, err
	}
	schedules, err := ensureBucket(cfg.ScheduleBucket, 0)
	if err != nil {
		return nil, err
	}
	tombstones, err := ensureBucket(
		cfg.TombstoneBucket, time.Second*time.Duration(cfg.QueueNameReuseCooldown),
	)
	if err != nil {
		return nil, err
	}

	return jetStreamProviderImpl{
		Component:     goutils.Component{LogTags: logTags},
		core:          natsCore,
		validate:      validator.New(),
		limiter:       rate.NewLimiter(rate.Limit(cfg.APIRateLimit), cfg.APIRateBurst),
		callTimeout:   time.Second * time.Duration(cfg.APICallTimeout),
		subjectPrefix: cfg.QueueSubjectPrefix,
		alarms:        alarms,
		schedules:     schedules,
		tombstones:    tombstones,
	}, nil
}

// admit apply the provider API rate limit
//
// Only the queue and consumer definition calls are rate limited. Read-backs and registry
// writes are not.
func (js jetStreamProviderImpl) admit() error {
	if !js.limiter.Allow() {
		return ErrThrottled
	}
	return nil
}

// translateError map JetStream API errors onto the provider error categories
func translateError(err error) error {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrThrottled, apiErr.Description)
	}
	return err
}

// encodeVisibility record the queue visibility window in the stream description
func encodeVisibility(visibility time.Duration) string {
	return visibilityDescriptionPrefix + visibility.String()
}

// decodeVisibility read the queue visibility window from the stream description
func decodeVisibility(description string) (time.Duration, error) {
	raw, found := strings.CutPrefix(description, visibilityDescriptionPrefix)
	if !found {
		return 0, fmt.Errorf("stream description '%s' carries no visibility window", description)
	}
	return time.ParseDuration(raw)
}

// =======================================================================
// Queue related controls

// CreateQueue define a new queue
func (js jetStreamProviderImpl) CreateQueue(ctxt context.Context, spec QueueSpec) error {
	logTags := js.GetLogTagsForContext(ctxt)
	if err := js.validate.Struct(&spec); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid queue %s parameters", spec.Name)
		return err
	}
	if err := js.admit(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define new queue %s", spec.Name)
		return err
	}

	// A recently deleted name can't be reused until the tombstone expires
	if _, err := js.tombstones.Get(spec.Name); err == nil {
		log.WithFields(logTags).Warnf("Queue %s was deleted recently", spec.Name)
		return ErrQueueDeletedRecently
	} else if !errors.Is(err, nats.ErrKeyNotFound) {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to check queue %s tombstone", spec.Name,
		)
		return translateError(err)
	}

	callCtxt, cancel := context.WithTimeout(ctxt, js.callTimeout)
	defer cancel()
	jsParams := nats.StreamConfig{
		Name:        spec.Name,
		Description: encodeVisibility(spec.VisibilityTimeout),
		Subjects:    []string{fmt.Sprintf("%s.%s", js.subjectPrefix, spec.Name)},
		Retention:   nats.WorkQueuePolicy,
		MaxAge:      spec.Retention,
	}
	if _, err := js.core.JetStream().AddStream(&jsParams, nats.Context(callCtxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define new queue %s", spec.Name,
		)
		return translateError(err)
	}
	log.WithFields(logTags).Infof("Defined new queue %s", spec.Name)
	return nil
}

// GetQueueLocator read back the queue locator
func (js jetStreamProviderImpl) GetQueueLocator(ctxt context.Context, name string) (string, error) {
	logTags := js.GetLogTagsForContext(ctxt)
	callCtxt, cancel := context.WithTimeout(ctxt, js.callTimeout)
	defer cancel()
	info, err := js.core.JetStream().StreamInfo(name, nats.Context(callCtxt))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to get queue %s info", name)
		return "", translateError(err)
	}
	if len(info.Config.Subjects) == 0 {
		err := fmt.Errorf("queue %s has no subject", name)
		log.WithError(err).WithFields(logTags).Error("Queue is not addressable")
		return "", err
	}
	return FormatQueueLocator(info.Config.Name, info.Config.Subjects[0]), nil
}

// DeleteQueue delete an existing queue and tombstone its name
func (js jetStreamProviderImpl) DeleteQueue(ctxt context.Context, name string) error {
	logTags := js.GetLogTagsForContext(ctxt)
	if err := js.admit(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to delete queue %s", name)
		return err
	}
	callCtxt, cancel := context.WithTimeout(ctxt, js.callTimeout)
	defer cancel()
	if err := js.core.JetStream().DeleteStream(name, nats.Context(callCtxt)); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to delete queue %s", name)
		return translateError(err)
	}
	deletedAt, _ := time.Now().UTC().MarshalText()
	if _, err := js.tombstones.Put(name, deletedAt); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to tombstone queue %s", name)
		return translateError(err)
	}
	log.WithFields(logTags).Infof("Deleted queue %s", name)
	return nil
}

// QueueDepth number of records waiting in a queue
func (js jetStreamProviderImpl) QueueDepth(
	ctxt context.Context, queueLocator string,
) (uint64, error) {
	logTags := js.GetLogTagsForContext(ctxt)
	queue, _, err := ParseQueueLocator(queueLocator)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read queue depth")
		return 0, err
	}
	callCtxt, cancel := context.WithTimeout(ctxt, js.callTimeout)
	defer cancel()
	info, err := js.core.JetStream().StreamInfo(queue, nats.Context(callCtxt))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to get queue %s info", queue)
		return 0, translateError(err)
	}
	return info.State.Msgs, nil
}

// =======================================================================
// Consumer related controls

// WireConsumer define a durable push consumer delivering to the downstream function
func (js jetStreamProviderImpl) WireConsumer(
	ctxt context.Context, spec ConsumerWiringSpec,
) (string, error) {
	logTags := js.GetLogTagsForContext(ctxt)
	if err := js.validate.Struct(&spec); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid consumer %s parameters", spec.Name)
		return "", err
	}
	queue, subject, err := ParseQueueLocator(spec.QueueLocator)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to wire consumer %s", spec.Name)
		return "", err
	}
	if err := js.admit(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define new consumer %s for queue %s", spec.Name, queue,
		)
		return "", err
	}

	callCtxt, cancel := context.WithTimeout(ctxt, js.callTimeout)
	defer cancel()
	info, err := js.core.JetStream().StreamInfo(queue, nats.Context(callCtxt))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to get queue %s info", queue)
		return "", translateError(err)
	}
	visibility, err := decodeVisibility(info.Config.Description)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Queue %s is not a consumer queue", queue)
		return "", err
	}

	jsParams := nats.ConsumerConfig{
		Durable:        spec.Name,
		Description:    fmt.Sprintf("push %s to %s", queue, spec.TargetSubject),
		DeliverSubject: spec.TargetSubject,
		DeliverGroup:   spec.TargetGroup,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        visibility,
		MaxAckPending:  spec.MaxInflight,
		FilterSubject:  subject,
	}
	if _, err := js.core.JetStream().AddConsumer(
		queue, &jsParams, nats.Context(callCtxt),
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define new consumer %s for queue %s", spec.Name, queue,
		)
		return "", translateError(err)
	}
	log.WithFields(logTags).Infof("Defined new consumer %s for queue %s", spec.Name, queue)
	return fmt.Sprintf("%s/%s", queue, spec.Name), nil
}

// =======================================================================
// Alarm and schedule registry

// putDefinition store a JSON definition in a KV bucket
func (js jetStreamProviderImpl) putDefinition(
	ctxt context.Context, bucket nats.KeyValue, key string, definition interface{},
) error {
	logTags := js.GetLogTagsForContext(ctxt)
	if err := js.validate.Struct(definition); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid %s definition", key)
		return err
	}
	serialized, err := json.Marshal(definition)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to serialize %s", key)
		return err
	}
	if _, err := bucket.Put(key, serialized); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to store %s in %s", key, bucket.Bucket(),
		)
		return translateError(err)
	}
	log.WithFields(logTags).Infof("Stored %s in %s", key, bucket.Bucket())
	return nil
}

// listDefinitions read every JSON definition in a KV bucket
func listDefinitions[T any](bucket nats.KeyValue) ([]T, error) {
	keys, err := bucket.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []T{}, nil
		}
		return nil, translateError(err)
	}
	result := make([]T, 0, len(keys))
	for _, key := range keys {
		entry, err := bucket.Get(key)
		if err != nil {
			// Removed since the key listing
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, translateError(err)
		}
		var definition T
		if err := json.Unmarshal(entry.Value(), &definition); err != nil {
			return nil, fmt.Errorf("entry %s of %s is malformed: %w", key, bucket.Bucket(), err)
		}
		result = append(result, definition)
	}
	return result, nil
}

// CreateAlarm register a capacity alarm
func (js jetStreamProviderImpl) CreateAlarm(ctxt context.Context, alarm CapacityAlarm) error {
	return js.putDefinition(ctxt, js.alarms, alarm.Name, &alarm)
}

// CreateRecurringTrigger register a recurring trigger
func (js jetStreamProviderImpl) CreateRecurringTrigger(
	ctxt context.Context, trigger RecurringTrigger,
) error {
	return js.putDefinition(ctxt, js.schedules, trigger.Name, &trigger)
}

// ListAlarms list all registered capacity alarms
func (js jetStreamProviderImpl) ListAlarms(ctxt context.Context) ([]CapacityAlarm, error) {
	alarms, err := listDefinitions[CapacityAlarm](js.alarms)
	if err != nil {
		log.WithError(err).WithFields(js.GetLogTagsForContext(ctxt)).Error("Unable to list alarms")
	}
	return alarms, err
}

// ListRecurringTriggers list all registered recurring triggers
func (js jetStreamProviderImpl) ListRecurringTriggers(
	ctxt context.Context,
) ([]RecurringTrigger, error) {
	triggers, err := listDefinitions[RecurringTrigger](js.schedules)
	if err != nil {
		log.WithError(err).WithFields(js.GetLogTagsForContext(ctxt)).Error(
			"Unable to list recurring triggers",
		)
	}
	return triggers, err
}
