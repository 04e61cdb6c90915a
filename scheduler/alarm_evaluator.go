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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/management"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// AlarmState capacity alarm state
type AlarmState string

const (
	// AlarmStateInsufficientData not yet evaluated
	AlarmStateInsufficientData AlarmState = "INSUFFICIENT_DATA"
	// AlarmStateOK backlog depth below threshold
	AlarmStateOK AlarmState = "OK"
	// AlarmStateAlarm backlog depth at or above threshold for enough consecutive periods
	AlarmStateAlarm AlarmState = "ALARM"
)

// AlarmNotification message published on an alarm state change
type AlarmNotification struct {
	AlarmName     string     `json:"alarmName"`
	QueueLocator  string     `json:"queueLocator"`
	State         AlarmState `json:"state"`
	PreviousState AlarmState `json:"previousState"`
	Depth         uint64     `json:"depth"`
	Threshold     uint64     `json:"threshold"`
	Timestamp     time.Time  `json:"timestamp"`
}

// AlarmEvaluator evaluates the capacity alarms against their queues' backlog depth
type AlarmEvaluator interface {
	// Start load the alarm registry and begin the tick and refresh loops
	Start(ctxt context.Context) error
	// Stop end the tick and refresh loops
	Stop() error
	// Refresh re-read the alarm registry
	Refresh(ctxt context.Context) error
	// Evaluate evaluate every alarm whose evaluation period has elapsed
	Evaluate(ctxt context.Context) error
	// State current state of an alarm
	State(name string) AlarmState
}

// alarmTracker evaluation state of one alarm
type alarmTracker struct {
	alarm         management.CapacityAlarm
	state         AlarmState
	breaches      int
	lastEvaluated time.Time
	evaluated     bool
}

// alarmEvaluatorImpl implements AlarmEvaluator
type alarmEvaluatorImpl struct {
	goutils.Component
	source    AlarmSource
	publisher Publisher
	clock     common.Clock
	params    TriggerRunnerParams
	tickTimer common.IntervalTimer
	syncTimer common.IntervalTimer

	lock     sync.Mutex
	trackers map[string]*alarmTracker
}

// GetAlarmEvaluator define a new AlarmEvaluator
//
// The evaluator shares the trigger runner's timing parameters. Each alarm is evaluated at its
// own evaluation period, checked on every tick.
func GetAlarmEvaluator(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	source AlarmSource,
	publisher Publisher,
	clock common.Clock,
	params TriggerRunnerParams,
) (AlarmEvaluator, error) {
	logTags := log.Fields{"module": "scheduler", "component": "alarm-evaluator"}
	tickTimer, err := common.GetIntervalTimerInstance("alarm-tick", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define tick timer")
		return nil, err
	}
	syncTimer, err := common.GetIntervalTimerInstance("alarm-refresh", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define refresh timer")
		return nil, err
	}
	return &alarmEvaluatorImpl{
		Component: goutils.Component{LogTags: logTags},
		source:    source,
		publisher: publisher,
		clock:     clock,
		params:    params,
		tickTimer: tickTimer,
		syncTimer: syncTimer,
		trackers:  map[string]*alarmTracker{},
	}, nil
}

// Start load the alarm registry and begin the tick and refresh loops
func (e *alarmEvaluatorImpl) Start(ctxt context.Context) error {
	if err := e.Refresh(ctxt); err != nil {
		return err
	}
	if err := e.syncTimer.Start(e.params.RefreshInterval, func() error {
		return e.Refresh(ctxt)
	}, false); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to start refresh timer")
		return err
	}
	if err := e.tickTimer.Start(e.params.TickInterval, func() error {
		return e.Evaluate(ctxt)
	}, false); err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Unable to start tick timer")
		return err
	}
	return nil
}

// Stop end the tick and refresh loops
func (e *alarmEvaluatorImpl) Stop() error {
	if err := e.tickTimer.Stop(); err != nil {
		return err
	}
	return e.syncTimer.Stop()
}

// Refresh re-read the alarm registry
//
// A redefined alarm keeps its state; removed alarms are forgotten.
func (e *alarmEvaluatorImpl) Refresh(ctxt context.Context) error {
	logTags := e.GetLogTagsForContext(ctxt)
	alarms, err := e.source.ListAlarms(ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to list capacity alarms")
		return err
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	current := map[string]*alarmTracker{}
	for _, alarm := range alarms {
		if tracker, ok := e.trackers[alarm.Name]; ok {
			tracker.alarm = alarm
			current[alarm.Name] = tracker
			continue
		}
		current[alarm.Name] = &alarmTracker{alarm: alarm, state: AlarmStateInsufficientData}
	}
	e.trackers = current
	log.WithFields(logTags).Debugf("Tracking %d capacity alarms", len(current))
	return nil
}

// State current state of an alarm
func (e *alarmEvaluatorImpl) State(name string) AlarmState {
	e.lock.Lock()
	defer e.lock.Unlock()
	if tracker, ok := e.trackers[name]; ok {
		return tracker.state
	}
	return AlarmStateInsufficientData
}

// Evaluate evaluate every alarm whose evaluation period has elapsed
//
// The alarm is breaching when the depth is at or above the threshold. EvaluationPeriods
// consecutive breaches move it to ALARM; a non-breaching period moves it to OK. The alarm
// subject is notified on entering ALARM, and the ok subject on leaving ALARM. A state change
// whose notification fails is not committed, and is retried on the next tick.
func (e *alarmEvaluatorImpl) Evaluate(ctxt context.Context) error {
	logTags := e.GetLogTagsForContext(ctxt)
	now := e.clock.Now()

	e.lock.Lock()
	due := []management.CapacityAlarm{}
	for _, tracker := range e.trackers {
		if !tracker.evaluated || now.Sub(tracker.lastEvaluated) >= tracker.alarm.EvaluationPeriod {
			due = append(due, tracker.alarm)
		}
	}
	e.lock.Unlock()

	var firstErr error
	for _, alarm := range due {
		if err := e.evaluateOne(ctxt, alarm, now); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to evaluate alarm %s", alarm.Name)
			if firstErr == nil {
				firstErr = fmt.Errorf("evaluate alarm %s: %w", alarm.Name, err)
			}
		}
	}
	return firstErr
}

// evaluateOne evaluate one alarm for one period
func (e *alarmEvaluatorImpl) evaluateOne(
	ctxt context.Context, alarm management.CapacityAlarm, now time.Time,
) error {
	logTags := e.GetLogTagsForContext(ctxt)
	depth, err := e.source.QueueDepth(ctxt, alarm.QueueLocator)
	if err != nil {
		return err
	}

	e.lock.Lock()
	tracker, ok := e.trackers[alarm.Name]
	if !ok {
		// Removed by a concurrent refresh
		e.lock.Unlock()
		return nil
	}
	breaches := 0
	if depth >= alarm.Threshold {
		breaches = tracker.breaches + 1
	}
	previous := tracker.state
	next := previous
	switch {
	case breaches >= alarm.EvaluationPeriods:
		next = AlarmStateAlarm
	case breaches == 0:
		next = AlarmStateOK
	}
	e.lock.Unlock()

	notifySubject := ""
	if next == AlarmStateAlarm && previous != AlarmStateAlarm {
		notifySubject = alarm.AlarmSubject
	} else if next == AlarmStateOK && previous == AlarmStateAlarm {
		notifySubject = alarm.OKSubject
	}
	if notifySubject != "" {
		msg, err := json.Marshal(AlarmNotification{
			AlarmName:     alarm.Name,
			QueueLocator:  alarm.QueueLocator,
			State:         next,
			PreviousState: previous,
			Depth:         depth,
			Threshold:     alarm.Threshold,
			Timestamp:     now,
		})
		if err != nil {
			return err
		}
		pubCtxt, cancel := context.WithTimeout(ctxt, e.params.PublishTimeout)
		defer cancel()
		if err := e.publisher.Publish(pubCtxt, notifySubject, msg); err != nil {
			return err
		}
		log.WithFields(logTags).Infof(
			"Alarm %s %s -> %s (depth %d, threshold %d)",
			alarm.Name, previous, next, depth, alarm.Threshold,
		)
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if tracker, ok := e.trackers[alarm.Name]; ok {
		tracker.breaches = breaches
		tracker.state = next
		tracker.lastEvaluated = now
		tracker.evaluated = true
	}
	return nil
}
