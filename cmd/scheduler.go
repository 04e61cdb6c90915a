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

package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/core"
	"github.com/alwitt/avlbroker/dataplane"
	"github.com/alwitt/avlbroker/management"
	"github.com/alwitt/avlbroker/scheduler"
	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
)

// RunScheduler run the recurring trigger runner and the capacity alarm evaluator
func RunScheduler(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "scheduler",
		"instance":  instance,
	}
	schedConfig := config.Scheduler
	provisioning := config.Provisioning

	// Poll triggers and alarm notifications are published through JetStream
	if err := management.DefineEventStream(
		runtimeContext,
		natsClient,
		schedConfig.EventStream,
		[]string{
			provisioning.PollerSubject,
			provisioning.Alarm.AlarmSubject,
			provisioning.Alarm.OKSubject,
		},
		time.Second*time.Duration(schedConfig.EventRetention),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define scheduler event stream")
		return err
	}

	provider, err := management.GetJetStreamDeliveryInfraProvider(
		natsClient, provisioning, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery infra provider")
		return err
	}
	publisher := dataplane.GetJetStreamPublisher(natsClient, instance)
	params := scheduler.TriggerRunnerParams{
		TickInterval:    time.Second * time.Duration(schedConfig.TickInterval),
		RefreshInterval: time.Second * time.Duration(schedConfig.RegistryRefreshInterval),
		PublishTimeout:  time.Second * time.Duration(schedConfig.PublishTimeout),
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	group, groupCtxt := errgroup.WithContext(runtimeContext)

	runner, err := scheduler.GetTriggerRunner(
		groupCtxt, &wg, provider, publisher, common.GetSystemClock(), params,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define trigger runner")
		return err
	}
	evaluator, err := scheduler.GetAlarmEvaluator(
		groupCtxt, &wg, provider, publisher, common.GetSystemClock(), params,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define alarm evaluator")
		return err
	}

	group.Go(func() error {
		if err := runner.Start(groupCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Trigger runner failed to start")
			return err
		}
		<-groupCtxt.Done()
		return runner.Stop()
	})
	group.Go(func() error {
		if err := evaluator.Start(groupCtxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Alarm evaluator failed to start")
			return err
		}
		<-groupCtxt.Done()
		return evaluator.Stop()
	})

	log.WithFields(logTags).Info("Scheduler running")
	if err := group.Wait(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Scheduler stopped with failure")
		return err
	}
	log.WithFields(logTags).Info("Scheduler stopped")
	return nil
}
