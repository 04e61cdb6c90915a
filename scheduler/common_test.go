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

	"github.com/alwitt/avlbroker/management"
)

type manualClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *manualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

type publishedMsg struct {
	subject string
	msg     []byte
}

type recordingPublisher struct {
	lock      sync.Mutex
	published []publishedMsg
	fail      bool
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, msg []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.fail {
		return fmt.Errorf("dummy error")
	}
	p.published = append(p.published, publishedMsg{subject: subject, msg: msg})
	return nil
}

func (p *recordingPublisher) Published() []publishedMsg {
	p.lock.Lock()
	defer p.lock.Unlock()
	result := make([]publishedMsg, len(p.published))
	copy(result, p.published)
	return result
}

func (p *recordingPublisher) Reset() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.published = nil
}

type fakeRegistry struct {
	lock     sync.Mutex
	triggers []management.RecurringTrigger
	alarms   []management.CapacityAlarm
	depths   map[string]uint64
	listErr  error
	depthErr error
}

func (f *fakeRegistry) ListRecurringTriggers(
	_ context.Context,
) ([]management.RecurringTrigger, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.triggers, f.listErr
}

func (f *fakeRegistry) ListAlarms(_ context.Context) ([]management.CapacityAlarm, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.alarms, f.listErr
}

func (f *fakeRegistry) QueueDepth(_ context.Context, queueLocator string) (uint64, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.depthErr != nil {
		return 0, f.depthErr
	}
	return f.depths[queueLocator], nil
}

func (f *fakeRegistry) SetDepth(queueLocator string, depth uint64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.depths[queueLocator] = depth
}

func testRunnerParams() TriggerRunnerParams {
	return TriggerRunnerParams{
		TickInterval:    time.Millisecond * 10,
		RefreshInterval: time.Millisecond * 50,
		PublishTimeout:  time.Second,
	}
}
