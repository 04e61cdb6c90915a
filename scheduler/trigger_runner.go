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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/management"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TriggerRunner publishes each recurring trigger's payload once per trigger interval
type TriggerRunner interface {
	// Start load the trigger registry and begin the tick and refresh loops
	Start(ctxt context.Context) error
	// Stop end the tick and refresh loops
	Stop() error
	// Refresh re-read the trigger registry
	Refresh(ctxt context.Context) error
	// RunDue publish every trigger whose interval has elapsed since it last fired
	RunDue(ctxt context.Context) error
}

// TriggerRunnerParams TriggerRunner timing parameters
type TriggerRunnerParams struct {
	// TickInterval how often to check for due triggers
	TickInterval time.Duration
	// RefreshInterval how often to re-read the trigger registry
	RefreshInterval time.Duration
	// PublishTimeout max duration to wait on one publish
	PublishTimeout time.Duration
}

// triggerRunnerImpl implements TriggerRunner
type triggerRunnerImpl struct {
	goutils.Component
	source    TriggerSource
	publisher Publisher
	clock     common.Clock
	params    TriggerRunnerParams
	tickTimer common.IntervalTimer
	syncTimer common.IntervalTimer

	lock      sync.Mutex
	triggers  map[string]management.RecurringTrigger
	lastFired map[string]time.Time
}

// GetTriggerRunner define a new TriggerRunner
func GetTriggerRunner(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	source TriggerSource,
	publisher Publisher,
	clock common.Clock,
	params TriggerRunnerParams,
) (TriggerRunner, error) {
	logTags := log.Fields{"module": "scheduler", "component": "trigger-runner"}
	tickTimer, err := common.GetIntervalTimerInstance("trigger-tick", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tick timer")
		return nil, err
	}
	syncTimer, err := common.GetIntervalTimerInstance("trigger-refresh", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define refresh timer")
		return nil, err
	}
	return &triggerRunnerImpl{
		Component: goutils.Component{LogTags: logTags},
		source:    source,
		publisher: publisher,
		clock:     clock,
		params:    params,
		tickTimer: tickTimer,
		syncTimer: syncTimer,
		triggers:  map[string]management.RecurringTrigger{},
		lastFired: map[string]time.Time{},
	}, nil
}

// Start load the trigger registry and begin the tick and refresh loops
func (r *triggerRunnerImpl) Start(ctxt context.Context) error {
	if err := r.Refresh(ctxt); err != nil {
		return err
	}
	if err := r.syncTimer.Start(r.params.RefreshInterval, func() error {
		return r.Refresh(ctxt)
	}, false); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start refresh timer")
		return err
	}
	if err := r.tickTimer.Start(r.params.TickInterval, func() error {
		return r.RunDue(ctxt)
	}, false); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start tick timer")
		return err
	}
	return nil
}

// Stop end the tick and refresh loops
func (r *triggerRunnerImpl) Stop() error {
	if err := r.tickTimer.Stop(); err != nil {
		return err
	}
	return r.syncTimer.Stop()
}

// Refresh re-read the trigger registry
//
// Triggers no longer registered are forgotten. Known triggers keep their last fired time.
func (r *triggerRunnerImpl) Refresh(ctxt context.Context) error {
	logTags := r.GetLogTagsForContext(ctxt)
	triggers, err := r.source.ListRecurringTriggers(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to list recurring triggers")
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	current := map[string]management.RecurringTrigger{}
	for _, trigger := range triggers {
		current[trigger.Name] = trigger
	}
	for name := range r.lastFired {
		if _, ok := current[name]; !ok {
			delete(r.lastFired, name)
		}
	}
	r.triggers = current
	log.WithFields(logTags).Debugf("Tracking %d recurring triggers", len(current))
	return nil
}

// RunDue publish every trigger whose interval has elapsed since it last fired
//
// A trigger never fired before is due immediately. A failed publish is retried on the next
// tick. All due triggers are attempted; the first failure is returned.
func (r *triggerRunnerImpl) RunDue(ctxt context.Context) error {
	logTags := r.GetLogTagsForContext(ctxt)
	now := r.clock.Now()

	r.lock.Lock()
	due := []management.RecurringTrigger{}
	for name, trigger := range r.triggers {
		last, fired := r.lastFired[name]
		if !fired || now.Sub(last) >= trigger.Interval {
			due = append(due, trigger)
		}
	}
	r.lock.Unlock()

	var firstErr error
	for _, trigger := range due {
		pubCtxt, cancel := context.WithTimeout(ctxt, r.params.PublishTimeout)
		err := r.publisher.Publish(pubCtxt, trigger.TargetSubject, trigger.Payload)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to fire trigger %s to %s", trigger.Name, trigger.TargetSubject,
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("fire trigger %s: %w", trigger.Name, err)
			}
			continue
		}
		r.lock.Lock()
		if _, ok := r.triggers[trigger.Name]; ok {
			r.lastFired[trigger.Name] = now
		}
		r.lock.Unlock()
		log.WithFields(logTags).Debugf("Fired trigger %s", trigger.Name)
	}
	return firstErr
}
