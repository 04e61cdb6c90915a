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

	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/avlbroker/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// ProducerResolver confirms the producer subscriptions a consumer filters on are subscribable
type ProducerResolver interface {
	/*
		Resolve look up each producer subscription

		The first ID, in the given order, which is absent or inactive fails the whole call with a
		NotFoundError naming that ID.

		 @param ctxt context.Context - execution context
		 @param ids []string - producer subscription IDs
		 @return the producer subscriptions by ID
	*/
	Resolve(ctxt context.Context, ids []string) (map[string]models.ProducerSubscription, error)
}

// producerResolverImpl implements ProducerResolver
type producerResolverImpl struct {
	goutils.Component
	directory storage.ProducerDirectory
}

// GetProducerResolver define a new ProducerResolver
func GetProducerResolver(directory storage.ProducerDirectory) ProducerResolver {
	logTags := log.Fields{"module": "broker", "component": "producer-resolver"}
	return &producerResolverImpl{
		Component: goutils.Component{LogTags: logTags}, directory: directory,
	}
}

// Resolve look up each producer subscription
func (r *producerResolverImpl) Resolve(
	ctxt context.Context, ids []string,
) (map[string]models.ProducerSubscription, error) {
	logTags := r.GetLogTagsForContext(ctxt)
	resolved := map[string]models.ProducerSubscription{}
	for _, id := range ids {
		producer, err := r.directory.Get(ctxt, id)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Producer subscription '%s' lookup failed", id,
			)
			return nil, err
		}
		if producer == nil || !producer.Subscribable() {
			log.WithFields(logTags).Infof("Producer subscription '%s' is not subscribable", id)
			return nil, NewNotFoundError(nil, "Producer subscription ID not found: %s", id)
		}
		resolved[id] = *producer
	}
	return resolved, nil
}
