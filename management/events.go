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
	"errors"
	"time"

	"github.com/alwitt/avlbroker/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

/*
DefineEventStream ensure the stream capturing scheduler output exists

Poll triggers and alarm notifications are published through JetStream, so their subjects must
be captured by a stream. An existing stream is updated to the given subjects and retention.

	@param ctxt context.Context - execution context
	@param natsCore core.NatsClient - NATS client
	@param name string - stream name
	@param subjects []string - captured subjects
	@param retention time.Duration - how long an unconsumed message is kept
*/
func DefineEventStream(
	ctxt context.Context,
	natsCore core.NatsClient,
	name string,
	subjects []string,
	retention time.Duration,
) error {
	logTags := log.Fields{"module": "management", "component": "event-stream", "instance": name}
	jsParams := nats.StreamConfig{
		Name:      name,
		Subjects:  dedupSubjects(subjects),
		Retention: nats.LimitsPolicy,
		MaxAge:    retention,
	}
	_, err := natsCore.JetStream().StreamInfo(name, nats.Context(ctxt))
	switch {
	case err == nil:
		if _, err := natsCore.JetStream().UpdateStream(&jsParams, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to update event stream")
			return translateError(err)
		}
		log.WithFields(logTags).Infof("Updated event stream subjects %v", jsParams.Subjects)
		return nil
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := natsCore.JetStream().AddStream(&jsParams, nats.Context(ctxt)); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event stream")
			return translateError(err)
		}
		log.WithFields(logTags).Infof("Defined event stream with subjects %v", jsParams.Subjects)
		return nil
	default:
		log.WithError(err).WithFields(logTags).Error("Unable to read event stream info")
		return translateError(err)
	}
}

// dedupSubjects drop repeated subjects, keeping the first occurrence order
func dedupSubjects(subjects []string) []string {
	seen := map[string]bool{}
	result := []string{}
	for _, subject := range subjects {
		if seen[subject] {
			continue
		}
		seen[subject] = true
		result = append(result, subject)
	}
	return result
}
