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

// Package models defines the producer and consumer subscription records
package models

import (
	"fmt"
	"time"
)

// SubscriptionStatus lifecycle status of a producer or consumer subscription
type SubscriptionStatus string

const (
	// StatusLive subscription is active
	StatusLive SubscriptionStatus = "live"
	// StatusError subscription has failed and may be resubscribed
	StatusError SubscriptionStatus = "error"
	// StatusInactive subscription has been administratively deactivated
	StatusInactive SubscriptionStatus = "inactive"
)

// ProducerSubscription an upstream vehicle-location feed. Read-only to the broker.
type ProducerSubscription struct {
	ID          string             `json:"id"`
	Status      SubscriptionStatus `json:"status"`
	URL         string             `json:"url"`
	PublisherID string             `json:"publisherId"`
	APIKey      string             `json:"apiKey"`
}

// Subscribable whether the producer feed may be the target of a consumer filter
func (p ProducerSubscription) Subscribable() bool {
	return p.Status == StatusLive || p.Status == StatusError
}

// ================================================================================

// UpdateInterval allowed SIRI-VM consumer update periods
type UpdateInterval string

const (
	UpdateInterval10s UpdateInterval = "PT10S"
	UpdateInterval15s UpdateInterval = "PT15S"
	UpdateInterval20s UpdateInterval = "PT20S"
	UpdateInterval30s UpdateInterval = "PT30S"
)

// Seconds the update interval in seconds
func (u UpdateInterval) Seconds() (int, error) {
	switch u {
	case UpdateInterval10s:
		return 10, nil
	case UpdateInterval15s:
		return 15, nil
	case UpdateInterval20s:
		return 20, nil
	case UpdateInterval30s:
		return 30, nil
	default:
		return 0, fmt.Errorf("unsupported update interval '%s'", u)
	}
}

// BoundingBox a geographic filter as [minLon, minLat, maxLon, maxLat]
type BoundingBox [4]float64

// QueryFilters the filtered slice of the aggregated feed a consumer is interested in
type QueryFilters struct {
	BoundingBox     *BoundingBox `json:"boundingBox,omitempty"`
	OperatorRef     []string     `json:"operatorRef,omitempty"`
	VehicleRef      []string     `json:"vehicleRef,omitempty"`
	LineRef         []string     `json:"lineRef,omitempty"`
	ProducerRef     []string     `json:"producerRef,omitempty"`
	OriginRef       []string     `json:"originRef,omitempty"`
	DestinationRef  []string     `json:"destinationRef,omitempty"`
	SubscriptionIDs []string     `json:"subscriptionId"`
}

// SubscriptionIntent the validated form of one subscribe request
type SubscriptionIntent struct {
	// APIKey is the caller's API key
	APIKey string
	// SubscriptionID is the external subscription ID set by the consumer
	SubscriptionID string
	// Name is the consumer chosen name, if any
	Name                   *string
	URL                    string
	RequestorRef           string
	UpdateInterval         UpdateInterval
	HeartbeatInterval      string
	InitialTerminationTime time.Time
	RequestTimestamp       time.Time
	Filters                QueryFilters
}

// ConsumerName the consumer chosen name, or the default derived from the external ID
func (i SubscriptionIntent) ConsumerName() string {
	if i.Name != nil && *i.Name != "" {
		return *i.Name
	}
	return fmt.Sprintf("subscription-%s", i.SubscriptionID)
}

// ================================================================================

// ResourceHandles the delivery infrastructure provisioned for one consumer subscription
type ResourceHandles struct {
	QueueLocator     string `json:"queueLocator"`
	AlarmName        string `json:"alarmName"`
	ConsumerWiringID string `json:"consumerWiringId"`
	ScheduleName     string `json:"scheduleName"`
}

// ConsumerSubscription durable record of a consumer's subscription
//
// Identified by (ID, APIKey). The broker is the sole writer; the draining workers only update
// HeartbeatAttempts and LastRetrievedAt.
type ConsumerSubscription struct {
	// ID is the broker generated internal subscription ID
	ID     string `json:"subscriptionId"`
	APIKey string `json:"-"`
	Name   string `json:"name"`
	// SubscriptionID is the external subscription ID set by the consumer
	SubscriptionID         string             `json:"externalSubscriptionId"`
	Status                 SubscriptionStatus `json:"status"`
	URL                    string             `json:"url"`
	RequestorRef           string             `json:"requestorRef"`
	UpdateInterval         UpdateInterval     `json:"updateInterval"`
	HeartbeatInterval      string             `json:"heartbeatInterval"`
	InitialTerminationTime time.Time          `json:"initialTerminationTime"`
	RequestTimestamp       time.Time          `json:"requestTimestamp"`
	HeartbeatAttempts      int                `json:"heartbeatAttempts"`
	LastRetrievedAt        *time.Time         `json:"lastRetrievedAt,omitempty"`
	QueueLocator           *string            `json:"queueLocator,omitempty"`
	AlarmName              *string            `json:"alarmName,omitempty"`
	ConsumerWiringID       *string            `json:"consumerWiringId,omitempty"`
	ScheduleName           *string            `json:"scheduleName,omitempty"`
	QueryFilters           QueryFilters       `json:"queryParams"`
}

// AttachResources record the provisioned delivery infrastructure
func (s *ConsumerSubscription) AttachResources(handles ResourceHandles) {
	s.QueueLocator = &handles.QueueLocator
	s.AlarmName = &handles.AlarmName
	s.ConsumerWiringID = &handles.ConsumerWiringID
	s.ScheduleName = &handles.ScheduleName
}
