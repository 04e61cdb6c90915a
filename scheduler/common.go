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

package scheduler

import (
	"context"

	"github.com/alwitt/avlbroker/management"
)

// Publisher sends a message to a subject
type Publisher interface {
	// Publish sends msg to subject, blocking until it is accepted
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// TriggerSource lists the registered recurring triggers
type TriggerSource interface {
	ListRecurringTriggers(ctxt context.Context) ([]management.RecurringTrigger, error)
}

// AlarmSource lists the registered capacity alarms and reads queue depths
type AlarmSource interface {
	ListAlarms(ctxt context.Context) ([]management.CapacityAlarm, error)
	QueueDepth(ctxt context.Context, queueLocator string) (uint64, error)
}
