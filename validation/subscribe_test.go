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

package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/alwitt/avlbroker/models"
	"github.com/stretchr/testify/assert"
)

func testSubscriptionDocument(subscriptionID, updateInterval string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Siri version="2.0" xmlns="http://www.siri.org.uk/siri">
  <SubscriptionRequest>
    <RequestTimestamp>2024-03-11T15:20:02.093Z</RequestTimestamp>
    <ConsumerAddress>https://www.test.com/data</ConsumerAddress>
    <RequestorRef>test</RequestorRef>
    <SubscriptionContext>
      <HeartbeatInterval>PT30S</HeartbeatInterval>
    </SubscriptionContext>
    <VehicleMonitoringSubscriptionRequest>
      <SubscriptionIdentifier>%s</SubscriptionIdentifier>
      <InitialTerminationTime>2034-03-11T15:20:02.093Z</InitialTerminationTime>
      <VehicleMonitoringRequest version="2.0">
        <RequestTimestamp>2024-03-11T15:20:02.093Z</RequestTimestamp>
      </VehicleMonitoringRequest>
      <UpdateInterval>%s</UpdateInterval>
    </VehicleMonitoringSubscriptionRequest>
  </SubscriptionRequest>
</Siri>`, subscriptionID, updateInterval)
}

func testHeaders(apiKey string) http.Header {
	headers := http.Header{}
	headers.Set(APIKeyHeader, apiKey)
	return headers
}

func TestSubscribeRequestValidation(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscribeRequestValidator()
	assert.Nil(err)

	body := testSubscriptionDocument("sub-1", "PT10S")

	// Case 0: empty API key
	{
		_, errs := uut.Validate(testHeaders(""), url.Values{"subscriptionId": {"1"}}, body)
		assert.Equal([]string{"x-api-key header must be 1-256 characters"}, errs)
	}

	// Case 1: API key too long
	{
		_, errs := uut.Validate(
			testHeaders(strings.Repeat("k", 257)), url.Values{"subscriptionId": {"1"}}, body,
		)
		assert.Equal([]string{"x-api-key header must be 1-256 characters"}, errs)
	}

	// Case 2: trailing comma in subscription ID list
	{
		_, errs := uut.Validate(testHeaders("key"), url.Values{"subscriptionId": {"1,"}}, body)
		assert.Equal([]string{msgSubscriptionID}, errs)
	}

	// Case 3: missing subscription ID list
	{
		_, errs := uut.Validate(testHeaders("key"), url.Values{}, body)
		assert.Equal([]string{msgSubscriptionID}, errs)
	}

	// Case 4: too many subscription IDs
	{
		_, errs := uut.Validate(
			testHeaders("key"), url.Values{"subscriptionId": {"1,2,3,4,5,6"}}, body,
		)
		assert.Equal([]string{msgSubscriptionID}, errs)
	}

	// Case 4a: max number of subscription IDs
	{
		intent, errs := uut.Validate(
			testHeaders("key"), url.Values{"subscriptionId": {"1,2,3,4,5"}}, body,
		)
		assert.Empty(errs)
		assert.Equal([]string{"1", "2", "3", "4", "5"}, intent.Filters.SubscriptionIDs)
	}

	// Case 4b: subscription ID at the max length
	{
		longID := strings.Repeat("a", 256)
		intent, errs := uut.Validate(
			testHeaders("key"), url.Values{"subscriptionId": {longID + ",b"}}, body,
		)
		assert.Empty(errs)
		assert.Equal([]string{longID, "b"}, intent.Filters.SubscriptionIDs)
		_, errs = uut.Validate(
			testHeaders("key"), url.Values{"subscriptionId": {longID + "a"}}, body,
		)
		assert.Equal([]string{msgSubscriptionID}, errs)
	}

	// Case 5: all violations are collected
	{
		_, errs := uut.Validate(
			testHeaders("key"),
			url.Values{
				"subscriptionId": {"1"},
				"name":           {"bad name"},
				"boundingBox":    {"1,2,3"},
				"lineRef":        {"a,,b"},
				"originRef":      {"o$"},
			},
			body,
		)
		assert.Len(errs, 4)
		assert.Contains(errs, msgName)
		assert.Contains(errs, msgBoundingBox)
		assert.Contains(errs, fmt.Sprintf(msgRefListTemplate, "lineRef"))
		assert.Contains(errs, fmt.Sprintf(msgRefListTemplate, "originRef"))
	}

	// Case 6: non-numeric bounding box
	{
		_, errs := uut.Validate(
			testHeaders("key"),
			url.Values{"subscriptionId": {"1"}, "boundingBox": {"1,2,3,north"}},
			body,
		)
		assert.Equal([]string{msgBoundingBox}, errs)
	}

	// Case 6a: bounding box values must be plain decimals
	for _, box := range []string{
		"NaN,1,2,3", "1,Inf,2,3", "1,2,-Inf,3", "0x1p4,1,2,3", "1, 2,3,4", "1e3,1,2,3", "1,2,3,",
	} {
		intent, errs := uut.Validate(
			testHeaders("key"),
			url.Values{"subscriptionId": {"1"}, "boundingBox": {box}},
			body,
		)
		assert.Equal([]string{msgBoundingBox}, errs, box)
		assert.Nil(intent.Filters.BoundingBox)
	}

	// Case 6b: integer and negative coordinates
	{
		intent, errs := uut.Validate(
			testHeaders("key"),
			url.Values{"subscriptionId": {"1"}, "boundingBox": {"-1,51,0.25,52"}},
			body,
		)
		assert.Empty(errs)
		assert.Equal(&models.BoundingBox{-1, 51, 0.25, 52}, intent.Filters.BoundingBox)
	}

	// Case 7: bad body
	{
		_, errs := uut.Validate(
			testHeaders("key"),
			url.Values{"subscriptionId": {"1"}},
			testSubscriptionDocument("sub-1", "PT60S"),
		)
		assert.Len(errs, 1)
		assert.Contains(
			errs[0],
			"Invalid subscription request at Siri.SubscriptionRequest.VehicleMonitoringSubscriptionRequest.UpdateInterval",
		)
	}

	// Case 8: empty body
	{
		_, errs := uut.Validate(testHeaders("key"), url.Values{"subscriptionId": {"1"}}, "")
		assert.Equal([]string{"Body must be a non-empty subscription request"}, errs)
	}

	// Case 9: valid request with all filters
	{
		intent, errs := uut.Validate(
			testHeaders("key"),
			url.Values{
				"subscriptionId": {"1,2"},
				"name":           {"my-consumer"},
				"boundingBox":    {"-0.5,51.2,0.3,51.7"},
				"operatorRef":    {"OP1,OP2"},
				"vehicleRef":     {"V1"},
				"lineRef":        {"L:1"},
				"producerRef":    {"P_1"},
				"originRef":      {"O.1"},
				"destinationRef": {"D-1"},
			},
			body,
		)
		assert.Empty(errs)
		assert.Equal("key", intent.APIKey)
		assert.Equal("sub-1", intent.SubscriptionID)
		assert.Equal("my-consumer", intent.ConsumerName())
		assert.Equal("https://www.test.com/data", intent.URL)
		assert.Equal("test", intent.RequestorRef)
		assert.Equal(models.UpdateInterval10s, intent.UpdateInterval)
		assert.Equal("PT30S", intent.HeartbeatInterval)
		assert.Equal([]string{"1", "2"}, intent.Filters.SubscriptionIDs)
		assert.Equal(&models.BoundingBox{-0.5, 51.2, 0.3, 51.7}, intent.Filters.BoundingBox)
		assert.Equal([]string{"OP1", "OP2"}, intent.Filters.OperatorRef)
		assert.Equal([]string{"V1"}, intent.Filters.VehicleRef)
		assert.Equal([]string{"L:1"}, intent.Filters.LineRef)
		assert.Equal([]string{"P_1"}, intent.Filters.ProducerRef)
		assert.Equal([]string{"O.1"}, intent.Filters.OriginRef)
		assert.Equal([]string{"D-1"}, intent.Filters.DestinationRef)
	}

	// Case 10: no name uses the default
	{
		intent, errs := uut.Validate(testHeaders("key"), url.Values{"subscriptionId": {"1"}}, body)
		assert.Empty(errs)
		assert.Nil(intent.Name)
		assert.Equal("subscription-sub-1", intent.ConsumerName())
	}
}

func TestSubscribeRequestValidationIsPure(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscribeRequestValidator()
	assert.Nil(err)

	// Case 0: same valid input
	{
		query := url.Values{"subscriptionId": {"1,2"}, "lineRef": {"A,B"}}
		body := testSubscriptionDocument("sub-1", "PT15S")
		intent1, errs1 := uut.Validate(testHeaders("key"), query, body)
		intent2, errs2 := uut.Validate(testHeaders("key"), query, body)
		assert.Empty(errs1)
		assert.Empty(errs2)
		assert.Equal(intent1, intent2)
	}

	// Case 1: same invalid input
	{
		query := url.Values{"subscriptionId": {"1,"}, "vehicleRef": {"?"}}
		body := testSubscriptionDocument("sub-1", "PT15S")
		_, errs1 := uut.Validate(testHeaders("key"), query, body)
		_, errs2 := uut.Validate(testHeaders("key"), query, body)
		assert.Equal(errs1, errs2)
		assert.Len(errs1, 2)
	}
}
