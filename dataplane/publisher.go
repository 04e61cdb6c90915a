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

package dataplane

import (
	"context"
	"fmt"
	"regexp"

	"github.com/alwitt/avlbroker/core"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

var subjectNameRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

// validateSubjectName check the subject is a concrete (non-wildcard) NATS subject
func validateSubjectName(subject string) error {
	if !subjectNameRegex.MatchString(subject) {
		return fmt.Errorf("subject '%s' is not a valid publish subject", subject)
	}
	return nil
}

// JetStreamPublisher publishes new messages into JetStream
type JetStreamPublisher interface {
	// Publish publishes a new message into JetStream on a subject
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// jetStreamPublisherImpl implements JetStreamPublisher
type jetStreamPublisherImpl struct {
	goutils.Component
	nats core.NatsClient
}

// GetJetStreamPublisher get new JetStreamPublisher
func GetJetStreamPublisher(natsClient core.NatsClient, instance string) JetStreamPublisher {
	logTags := log.Fields{
		"module": "dataplane", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: goutils.Component{LogTags: logTags}, nats: natsClient,
	}
}

// Publish publishes a new message into JetStream on a subject
//
// Blocks until JetStream ACKs the message, or the context expires.
func (s *jetStreamPublisherImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	localLogTags := s.GetLogTagsForContext(ctxt)
	if err := validateSubjectName(subject); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	ack, err := s.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent [%d] to %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithError(txErr).WithFields(localLogTags).Errorf("Message send failure")
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Message send timed out")
		return err
	}
}
