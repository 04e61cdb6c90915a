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
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/management"
	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/avlbroker/validation"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// ================================================================================
// Test collaborators

type fakeSubscriptionStore struct {
	records   []models.ConsumerSubscription
	upserts   []models.ConsumerSubscription
	findErr   error
	upsertErr error
}

func (s *fakeSubscriptionStore) FindByExternalID(
	_ context.Context, externalID, apiKey string,
) (*models.ConsumerSubscription, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, record := range s.records {
		if record.SubscriptionID == externalID && record.APIKey == apiKey {
			found := record
			return &found, nil
		}
	}
	return nil, nil
}

func (s *fakeSubscriptionStore) FindByID(
	_ context.Context, id, apiKey string,
) (*models.ConsumerSubscription, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, record := range s.records {
		if record.ID == id && record.APIKey == apiKey {
			found := record
			return &found, nil
		}
	}
	return nil, nil
}

func (s *fakeSubscriptionStore) Upsert(_ context.Context, record models.ConsumerSubscription) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, record)
	for idx, existing := range s.records {
		if existing.ID == record.ID && existing.APIKey == record.APIKey {
			s.records[idx] = record
			return nil
		}
	}
	s.records = append(s.records, record)
	return nil
}

type fakeProducerDirectory struct {
	producers map[string]models.ProducerSubscription
	lookups   []string
	err       error
}

func (d *fakeProducerDirectory) Get(
	_ context.Context, id string,
) (*models.ProducerSubscription, error) {
	d.lookups = append(d.lookups, id)
	if d.err != nil {
		return nil, d.err
	}
	producer, ok := d.producers[id]
	if !ok {
		return nil, nil
	}
	return &producer, nil
}

type fakeDeliveryInfraProvider struct {
	calls    []string
	failures map[string]error
	queues   []management.QueueSpec
	alarms   []management.CapacityAlarm
	wirings  []management.ConsumerWiringSpec
	triggers []management.RecurringTrigger
}

func (p *fakeDeliveryInfraProvider) record(call string) error {
	p.calls = append(p.calls, call)
	return p.failures[call]
}

func (p *fakeDeliveryInfraProvider) CreateQueue(_ context.Context, spec management.QueueSpec) error {
	p.queues = append(p.queues, spec)
	return p.record("CreateQueue")
}

func (p *fakeDeliveryInfraProvider) GetQueueLocator(_ context.Context, name string) (string, error) {
	if err := p.record("GetQueueLocator"); err != nil {
		return "", err
	}
	return management.FormatQueueLocator(name, fmt.Sprintf("avl.consumer.%s", name)), nil
}

func (p *fakeDeliveryInfraProvider) CreateAlarm(
	_ context.Context, alarm management.CapacityAlarm,
) error {
	p.alarms = append(p.alarms, alarm)
	return p.record("CreateAlarm")
}

func (p *fakeDeliveryInfraProvider) WireConsumer(
	_ context.Context, spec management.ConsumerWiringSpec,
) (string, error) {
	p.wirings = append(p.wirings, spec)
	if err := p.record("WireConsumer"); err != nil {
		return "", err
	}
	queue, _, _ := management.ParseQueueLocator(spec.QueueLocator)
	return fmt.Sprintf("%s/%s", queue, spec.Name), nil
}

func (p *fakeDeliveryInfraProvider) CreateRecurringTrigger(
	_ context.Context, trigger management.RecurringTrigger,
) error {
	p.triggers = append(p.triggers, trigger)
	return p.record("CreateRecurringTrigger")
}

func (p *fakeDeliveryInfraProvider) DeleteQueue(_ context.Context, _ string) error {
	return p.record("DeleteQueue")
}

func (p *fakeDeliveryInfraProvider) ListAlarms(
	_ context.Context,
) ([]management.CapacityAlarm, error) {
	return p.alarms, nil
}

func (p *fakeDeliveryInfraProvider) ListRecurringTriggers(
	_ context.Context,
) ([]management.RecurringTrigger, error) {
	return p.triggers, nil
}

func (p *fakeDeliveryInfraProvider) QueueDepth(_ context.Context, _ string) (uint64, error) {
	return 0, nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type sequenceIDGenerator struct {
	issued int
}

func (g *sequenceIDGenerator) NewID() string {
	g.issued++
	return fmt.Sprintf("internal-%d", g.issued)
}

// ================================================================================
// Test fixtures

var testNow = time.Date(2024, 3, 11, 15, 20, 5, 0, time.UTC)

func testProvisioningConfig() common.ProvisioningConfig {
	return common.ProvisioningConfig{
		QueueSubjectPrefix:     "avl.consumer",
		VisibilityTimeout:      60,
		MessageRetention:       345600,
		QueueNameReuseCooldown: 60,
		Alarm: common.CapacityAlarmConfig{
			Threshold:         25,
			EvaluationPeriod:  60,
			EvaluationPeriods: 1,
			AlarmSubject:      "avl.alarms.queue-capacity",
			OKSubject:         "avl.alarms.queue-capacity-ok",
		},
		DataSenderSubject:     "avl.data-sender",
		DataSenderGroup:       "data-sender",
		DataSenderMaxInflight: 10,
		PollerSubject:         "avl.data-poller",
		PollInterval:          60,
	}
}

func testSubscribeBody(subscriptionID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Siri version="2.0" xmlns="http://www.siri.org.uk/siri">
  <SubscriptionRequest>
    <RequestTimestamp>2024-03-11T15:20:02.093Z</RequestTimestamp>
    <ConsumerAddress>https://www.test.com/data</ConsumerAddress>
    <RequestorRef>test</RequestorRef>
    <SubscriptionContext>
      <HeartbeatInterval>PT30S</HeartbeatInterval>
    </SubscriptionContext>
    <VehicleMonitoringSubscriptionRequest>
      <SubscriptionIdentifier>%s</SubscriptionIdentifier>
      <InitialTerminationTime>2034-03-11T15:20:02.093Z</InitialTerminationTime>
      <VehicleMonitoringRequest version="2.0">
        <RequestTimestamp>2024-03-11T15:20:02.093Z</RequestTimestamp>
      </VehicleMonitoringRequest>
      <UpdateInterval>PT20S</UpdateInterval>
    </VehicleMonitoringSubscriptionRequest>
  </SubscriptionRequest>
</Siri>`, subscriptionID)
}

func testHeaders(apiKey string) http.Header {
	headers := http.Header{}
	headers.Set(validation.APIKeyHeader, apiKey)
	return headers
}

type brokerTestHarness struct {
	uut       SubscriptionBroker
	store     *fakeSubscriptionStore
	directory *fakeProducerDirectory
	provider  *fakeDeliveryInfraProvider
	idGen     *sequenceIDGenerator
}

func defineBrokerTestHarness(t *testing.T, allowedAPIKeys []string) brokerTestHarness {
	validator, err := validation.GetSubscribeRequestValidator()
	assert.Nil(t, err)
	harness := brokerTestHarness{
		store: &fakeSubscriptionStore{},
		directory: &fakeProducerDirectory{
			producers: map[string]models.ProducerSubscription{
				"1": {ID: "1", Status: models.StatusLive, URL: "https://p1.test.com"},
				"2": {ID: "2", Status: models.StatusError, URL: "https://p2.test.com"},
				"3": {ID: "3", Status: models.StatusInactive, URL: "https://p3.test.com"},
			},
		},
		provider: &fakeDeliveryInfraProvider{failures: map[string]error{}},
		idGen:    &sequenceIDGenerator{},
	}
	harness.uut = GetSubscriptionBroker(
		validator,
		harness.store,
		GetProducerResolver(harness.directory),
		GetResourceProvisioner(harness.provider, testProvisioningConfig()),
		harness.idGen,
		fixedClock{now: testNow},
		allowedAPIKeys,
	)
	return harness
}

var fullProvisioningSequence = []string{
	"CreateQueue", "GetQueueLocator", "CreateAlarm", "WireConsumer", "CreateRecurringTrigger",
}

// ================================================================================

func TestSubscribeFreshProvision(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	harness := defineBrokerTestHarness(t, nil)
	ctxt := context.Background()

	// Case 0: new subscription without a name
	{
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1,2"}}, testSubscribeBody("sub-1"),
		)
		assert.Nil(err)
		assert.Equal(fullProvisioningSequence, harness.provider.calls)
		assert.Len(harness.store.upserts, 1)

		record := harness.store.upserts[0]
		assert.Equal("internal-1", record.ID)
		assert.Equal("key-1", record.APIKey)
		assert.Equal("subscription-sub-1", record.Name)
		assert.Equal("sub-1", record.SubscriptionID)
		assert.Equal(models.StatusLive, record.Status)
		assert.Equal("https://www.test.com/data", record.URL)
		assert.Equal(models.UpdateInterval20s, record.UpdateInterval)
		assert.Equal(testNow, record.RequestTimestamp)
		assert.Equal(0, record.HeartbeatAttempts)
		assert.Nil(record.LastRetrievedAt)
		assert.Equal([]string{"1", "2"}, record.QueryFilters.SubscriptionIDs)

		queueName := "consumer-subscription-internal-1"
		locator := fmt.Sprintf("%s/avl.consumer.%s", queueName, queueName)
		assert.NotNil(record.QueueLocator)
		assert.Equal(locator, *record.QueueLocator)
		assert.NotNil(record.AlarmName)
		assert.Equal(queueName+"-capacity", *record.AlarmName)
		assert.NotNil(record.ConsumerWiringID)
		assert.Equal(queueName+"/data-sender", *record.ConsumerWiringID)
		assert.NotNil(record.ScheduleName)
		assert.Equal(queueName+"-poll", *record.ScheduleName)

		// Infrastructure shape
		assert.Equal(time.Second*60, harness.provider.queues[0].VisibilityTimeout)
		alarm := harness.provider.alarms[0]
		assert.Equal(locator, alarm.QueueLocator)
		assert.EqualValues(25, alarm.Threshold)
		assert.Equal(time.Second*60, alarm.EvaluationPeriod)
		assert.Equal(1, alarm.EvaluationPeriods)
		assert.Equal("avl.alarms.queue-capacity", alarm.AlarmSubject)
		assert.Equal("avl.alarms.queue-capacity-ok", alarm.OKSubject)
		assert.Equal("avl.data-sender", harness.provider.wirings[0].TargetSubject)
		trigger := harness.provider.triggers[0]
		assert.Equal(time.Minute, trigger.Interval)
		assert.Equal("avl.data-poller", trigger.TargetSubject)
		var payload map[string]interface{}
		assert.Nil(json.Unmarshal(trigger.Payload, &payload))
		assert.Equal(map[string]interface{}{
			"subscriptionInternalId": "internal-1",
			"apiKey":                 "key-1",
			"frequencyInSeconds":     float64(20),
			"queueLocator":           locator,
		}, payload)
	}

	// Case 1: new subscription with a name
	{
		err := harness.uut.Subscribe(
			ctxt,
			testHeaders("key-1"),
			url.Values{"subscriptionId": {"1"}, "name": {"my-consumer"}},
			testSubscribeBody("sub-2"),
		)
		assert.Nil(err)
		assert.Len(harness.store.upserts, 2)
		assert.Equal("internal-2", harness.store.upserts[1].ID)
		assert.Equal("my-consumer", harness.store.upserts[1].Name)
	}

	// Case 2: same external ID under another API key is a different subscription
	{
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-2"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.Nil(err)
		assert.Len(harness.store.upserts, 3)
		assert.Equal("internal-3", harness.store.upserts[2].ID)
	}
}

func TestSubscribeAlreadyLive(t *testing.T) {
	assert := assert.New(t)

	harness := defineBrokerTestHarness(t, nil)
	ctxt := context.Background()
	harness.store.records = []models.ConsumerSubscription{
		{ID: "existing-1", APIKey: "key-1", SubscriptionID: "sub-1", Status: models.StatusLive},
	}

	err := harness.uut.Subscribe(
		ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
	)
	assert.NotNil(err)
	assert.True(IsConflictError(err))
	assert.Equal("Consumer subscription ID is already live", err.Error())
	assert.Empty(harness.store.upserts)
	assert.Empty(harness.provider.calls)
	assert.Empty(harness.directory.lookups)
	assert.Equal(0, harness.idGen.issued)
}

func TestResubscribe(t *testing.T) {
	assert := assert.New(t)

	harness := defineBrokerTestHarness(t, nil)
	ctxt := context.Background()
	oldLocator := "old-queue/old-subject"
	lastRetrieved := testNow.Add(-time.Hour)
	harness.store.records = []models.ConsumerSubscription{
		{
			ID:                "existing-1",
			APIKey:            "key-1",
			SubscriptionID:    "sub-1",
			Status:            models.StatusError,
			HeartbeatAttempts: 7,
			LastRetrievedAt:   &lastRetrieved,
			QueueLocator:      &oldLocator,
		},
		{
			ID:             "existing-2",
			APIKey:         "key-1",
			SubscriptionID: "sub-2",
			Status:         models.StatusInactive,
		},
	}

	// Case 0: errored subscription is re-provisioned under the same internal ID
	{
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.Nil(err)
		assert.Equal(0, harness.idGen.issued)
		assert.Equal(fullProvisioningSequence, harness.provider.calls)
		assert.Len(harness.store.upserts, 1)
		record := harness.store.upserts[0]
		assert.Equal("existing-1", record.ID)
		assert.Equal(models.StatusLive, record.Status)
		assert.Equal(0, record.HeartbeatAttempts)
		assert.Nil(record.LastRetrievedAt)
		assert.NotNil(record.QueueLocator)
		assert.Equal(
			"consumer-subscription-existing-1/avl.consumer.consumer-subscription-existing-1",
			*record.QueueLocator,
		)
	}

	// Case 1: resubscribing the now live subscription conflicts
	{
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.True(IsConflictError(err))
		assert.Len(harness.store.upserts, 1)
	}

	// Case 2: inactive subscription is also re-provisioned under the same internal ID
	{
		harness.provider.calls = nil
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-2"),
		)
		assert.Nil(err)
		assert.Equal(0, harness.idGen.issued)
		assert.Equal(fullProvisioningSequence, harness.provider.calls)
		assert.Equal("existing-2", harness.store.upserts[1].ID)
		assert.Equal(models.StatusLive, harness.store.upserts[1].Status)
	}
}

func TestSubscribeProducerNotFound(t *testing.T) {
	assert := assert.New(t)

	harness := defineBrokerTestHarness(t, nil)
	ctxt := context.Background()

	// Case 0: inactive producer
	{
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"3"}}, testSubscribeBody("sub-1"),
		)
		assert.True(IsNotFoundError(err))
		assert.Equal("Producer subscription ID not found: 3", err.Error())
	}

	// Case 1: the first bad ID is named, later bad IDs are not looked up
	{
		harness.directory.lookups = nil
		err := harness.uut.Subscribe(
			ctxt,
			testHeaders("key-1"),
			url.Values{"subscriptionId": {"1,4,3"}},
			testSubscribeBody("sub-1"),
		)
		assert.True(IsNotFoundError(err))
		assert.Equal("Producer subscription ID not found: 4", err.Error())
		assert.Equal([]string{"1", "4"}, harness.directory.lookups)
	}

	assert.Empty(harness.provider.calls)
	assert.Empty(harness.store.upserts)
}

func TestSubscribeProvisioningConflicts(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()
	query := url.Values{"subscriptionId": {"1"}}

	// Case 0: queue name still deactivating
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.provider.failures["CreateQueue"] = management.ErrQueueDeletedRecently
		err := harness.uut.Subscribe(ctxt, testHeaders("key-1"), query, testSubscribeBody("sub-1"))
		assert.True(IsDeactivatingConflictError(err))
		assert.Equal([]string{"CreateQueue"}, harness.provider.calls)
		assert.Empty(harness.store.upserts)
	}

	// Case 1: throttled while creating the queue
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.provider.failures["CreateQueue"] = management.ErrThrottled
		err := harness.uut.Subscribe(ctxt, testHeaders("key-1"), query, testSubscribeBody("sub-1"))
		assert.True(IsThrottledConflictError(err))
		assert.Empty(harness.store.upserts)
	}

	// Case 2: throttled while wiring the consumer
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.provider.failures["WireConsumer"] = fmt.Errorf(
			"wrapped: %w", management.ErrThrottled,
		)
		err := harness.uut.Subscribe(ctxt, testHeaders("key-1"), query, testSubscribeBody("sub-1"))
		assert.True(IsThrottledConflictError(err))
		assert.Equal(
			[]string{"CreateQueue", "GetQueueLocator", "CreateAlarm", "WireConsumer"},
			harness.provider.calls,
		)
		assert.Empty(harness.store.upserts)
	}

	// Case 3: throttled while creating the alarm is an internal error
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.provider.failures["CreateAlarm"] = management.ErrThrottled
		err := harness.uut.Subscribe(ctxt, testHeaders("key-1"), query, testSubscribeBody("sub-1"))
		assert.NotNil(err)
		assert.False(IsThrottledConflictError(err))
		assert.False(IsDeactivatingConflictError(err))
		assert.Empty(harness.store.upserts)
	}

	// Case 4: trigger creation failure
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.provider.failures["CreateRecurringTrigger"] = fmt.Errorf("dummy error")
		err := harness.uut.Subscribe(ctxt, testHeaders("key-1"), query, testSubscribeBody("sub-1"))
		assert.NotNil(err)
		assert.Equal(fullProvisioningSequence, harness.provider.calls)
		assert.Empty(harness.store.upserts)
	}
}

func TestSubscribeRejections(t *testing.T) {
	assert := assert.New(t)

	ctxt := context.Background()

	// Case 0: empty API key
	{
		harness := defineBrokerTestHarness(t, nil)
		err := harness.uut.Subscribe(
			ctxt, testHeaders(""), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		validationErr, ok := AsValidationError(err)
		assert.True(ok)
		assert.Equal([]string{"x-api-key header must be 1-256 characters"}, validationErr.Errors)
		assert.Empty(harness.provider.calls)
	}

	// Case 1: API key not in the allowed set
	{
		harness := defineBrokerTestHarness(t, []string{"key-1"})
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-2"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.True(IsUnauthorizedError(err))
		assert.Empty(harness.provider.calls)

		err = harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.Nil(err)
	}

	// Case 2: store lookup failure
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.store.findErr = fmt.Errorf("dummy error")
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.NotNil(err)
		assert.Empty(harness.provider.calls)
	}

	// Case 3: store write failure after provisioning
	{
		harness := defineBrokerTestHarness(t, nil)
		harness.store.upsertErr = fmt.Errorf("dummy error")
		err := harness.uut.Subscribe(
			ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
		)
		assert.NotNil(err)
		assert.False(IsConflictError(err))
		assert.Equal(fullProvisioningSequence, harness.provider.calls)
	}
}

func TestGetSubscription(t *testing.T) {
	assert := assert.New(t)

	harness := defineBrokerTestHarness(t, nil)
	ctxt := context.Background()
	assert.Nil(harness.uut.Subscribe(
		ctxt, testHeaders("key-1"), url.Values{"subscriptionId": {"1"}}, testSubscribeBody("sub-1"),
	))

	// Case 0: read back
	{
		record, err := harness.uut.GetSubscription(ctxt, testHeaders("key-1"), "internal-1")
		assert.Nil(err)
		assert.Equal("sub-1", record.SubscriptionID)
		assert.Equal(models.StatusLive, record.Status)
	}

	// Case 1: other API key can't see it
	{
		_, err := harness.uut.GetSubscription(ctxt, testHeaders("key-2"), "internal-1")
		assert.True(IsNotFoundError(err))
		assert.Equal("Consumer subscription ID not found: internal-1", err.Error())
	}

	// Case 2: missing API key
	{
		_, err := harness.uut.GetSubscription(ctxt, http.Header{}, "internal-1")
		assert.True(IsValidationError(err))
	}
}
