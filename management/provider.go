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
	"strings"
	"time"
)

// ErrQueueDeletedRecently the queue name was released too recently to be reused
var ErrQueueDeletedRecently = errors.New("queue name deleted too recently to reuse")

// ErrThrottled the provider is rate limiting API calls
var ErrThrottled = errors.New("provider API rate limit exceeded")

// QueueSpec parameters for defining a consumer queue
type QueueSpec struct {
	// Name is the queue name
	Name string `json:"name" validate:"required"`
	// VisibilityTimeout is how long a delivered record stays hidden before redelivery
	VisibilityTimeout time.Duration `json:"visibility_timeout" validate:"required"`
	// Retention is how long an undelivered record is kept
	Retention time.Duration `json:"retention" validate:"required"`
}

// CapacityAlarm alarm on the backlog depth of one queue
type CapacityAlarm struct {
	// Name is the alarm name
	Name string `json:"name" validate:"required"`
	// QueueLocator is the locator of the watched queue
	QueueLocator string `json:"queue_locator" validate:"required"`
	// Threshold is the backlog depth at which the alarm is breaching
	Threshold uint64 `json:"threshold" validate:"required,gte=1"`
	// EvaluationPeriod is the length of one evaluation window
	EvaluationPeriod time.Duration `json:"evaluation_period" validate:"required"`
	// EvaluationPeriods is the number of consecutive breaching windows needed to alarm
	EvaluationPeriods int `json:"evaluation_periods" validate:"required,gte=1"`
	// AlarmSubject is notified on entering the ALARM state
	AlarmSubject string `json:"alarm_subject" validate:"required"`
	// OKSubject is notified on returning to the OK state
	OKSubject string `json:"ok_subject" validate:"required"`
}

// ConsumerWiringSpec parameters for pushing a queue's records to a downstream function
type ConsumerWiringSpec struct {
	// QueueLocator is the locator of the source queue
	QueueLocator string `json:"queue_locator" validate:"required"`
	// Name is the wiring name
	Name string `json:"name" validate:"required"`
	// TargetSubject is where the downstream function receives records
	TargetSubject string `json:"target_subject" validate:"required"`
	// TargetGroup is the delivery group shared by the downstream function instances
	TargetGroup string `json:"target_group" validate:"required"`
	// MaxInflight max number of un-ACKed records permitted in-flight
	MaxInflight int `json:"max_inflight" validate:"required,gte=1"`
}

// RecurringTrigger a payload published to a target at a fixed cadence
type RecurringTrigger struct {
	// Name is the trigger name
	Name string `json:"name" validate:"required"`
	// Interval is the trigger cadence
	Interval time.Duration `json:"interval" validate:"required"`
	// TargetSubject is where the payload is published
	TargetSubject string `json:"target_subject" validate:"required"`
	// Payload is the published message
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// DeliveryInfraProvider manages the per-subscription delivery infrastructure
type DeliveryInfraProvider interface {
	/*
		CreateQueue create a durable queue

		Returns ErrQueueDeletedRecently if the name was deleted within the reuse cooldown, and
		ErrThrottled if the provider is rate limiting.

		 @param ctxt context.Context - execution context
		 @param spec QueueSpec - queue parameters
	*/
	CreateQueue(ctxt context.Context, spec QueueSpec) error

	/*
		GetQueueLocator read back the durable locator of a queue

		 @param ctxt context.Context - execution context
		 @param name string - queue name
		 @return the queue locator
	*/
	GetQueueLocator(ctxt context.Context, name string) (string, error)

	/*
		CreateAlarm create a capacity alarm on a queue's backlog depth

		 @param ctxt context.Context - execution context
		 @param alarm CapacityAlarm - alarm definition
	*/
	CreateAlarm(ctxt context.Context, alarm CapacityAlarm) error

	/*
		WireConsumer push the records of a queue to a downstream function

		Returns ErrThrottled if the provider is rate limiting.

		 @param ctxt context.Context - execution context
		 @param spec ConsumerWiringSpec - wiring parameters
		 @return the wiring ID
	*/
	WireConsumer(ctxt context.Context, spec ConsumerWiringSpec) (string, error)

	/*
		CreateRecurringTrigger register a recurring trigger

		 @param ctxt context.Context - execution context
		 @param trigger RecurringTrigger - trigger definition
	*/
	CreateRecurringTrigger(ctxt context.Context, trigger RecurringTrigger) error

	/*
		DeleteQueue delete a queue. The name can't be reused until the cooldown passes.

		 @param ctxt context.Context - execution context
		 @param name string - queue name
	*/
	DeleteQueue(ctxt context.Context, name string) error

	// ListAlarms list all registered capacity alarms
	ListAlarms(ctxt context.Context) ([]CapacityAlarm, error)

	// ListRecurringTriggers list all registered recurring triggers
	ListRecurringTriggers(ctxt context.Context) ([]RecurringTrigger, error)

	// QueueDepth number of records waiting in a queue
	QueueDepth(ctxt context.Context, queueLocator string) (uint64, error)
}

// FormatQueueLocator build a queue locator
func FormatQueueLocator(queue, subject string) string {
	return fmt.Sprintf("%s/%s", queue, subject)
}

// ParseQueueLocator split a queue locator into queue name and subject
func ParseQueueLocator(locator string) (string, string, error) {
	queue, subject, found := strings.Cut(locator, "/")
	if !found || queue == "" || subject == "" {
		return "", "", fmt.Errorf("malformed queue locator '%s'", locator)
	}
	return queue, subject, nil
}
