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

// Package validation converts raw subscribe requests into typed subscription intents
package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/alwitt/avlbroker/models"
	"github.com/alwitt/avlbroker/siri"
)

// APIKeyHeader is the header carrying the consumer API key
const APIKeyHeader = "x-api-key"

// MaxProducerSubscriptions max number of producer subscriptions one consumer may filter on
const MaxProducerSubscriptions = 5

const refCharClass = `[a-zA-Z0-9.\-_:]`

var (
	refValueRegex = regexp.MustCompile(fmt.Sprintf(`^%s{1,256}$`, refCharClass))
	refListRegex  = regexp.MustCompile(
		fmt.Sprintf(`^%s{1,256}(,%s{1,256})*$`, refCharClass, refCharClass),
	)
	coordinateRegex = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

// Query parameter names
const (
	ParamName           = "name"
	ParamBoundingBox    = "boundingBox"
	ParamOperatorRef    = "operatorRef"
	ParamVehicleRef     = "vehicleRef"
	ParamLineRef        = "lineRef"
	ParamProducerRef    = "producerRef"
	ParamOriginRef      = "originRef"
	ParamDestinationRef = "destinationRef"
	ParamSubscriptionID = "subscriptionId"
)

// MsgAPIKey rejection of a missing or oversized API key header
const MsgAPIKey = "x-api-key header must be 1-256 characters"

// Validation messages
const (
	msgSubscriptionID  = "subscriptionId must be a comma-delimited list of 1-5 IDs, each 1-256 characters containing only letters, numbers, periods, hyphens, underscores and colons"
	msgName            = "name must be 1-256 characters containing only letters, numbers, periods, hyphens, underscores and colons"
	msgBoundingBox     = "boundingBox must be 4 comma-separated numbers"
	msgRefListTemplate = "%s must be a comma-delimited list of values, each 1-256 characters containing only letters, numbers, periods, hyphens, underscores and colons"
)

// SubscribeRequestValidator parses a raw subscribe request into a SubscriptionIntent
type SubscribeRequestValidator interface {
	// Validate parse the subscribe request. On failure, every query parameter violation is
	// returned together, one message per invalid field.
	Validate(headers http.Header, query url.Values, body string) (models.SubscriptionIntent, []string)
}

// subscribeRequestValidatorImpl implements SubscribeRequestValidator
type subscribeRequestValidatorImpl struct {
	docParser *siri.DocumentParser
}

// GetSubscribeRequestValidator define a new SubscribeRequestValidator
func GetSubscribeRequestValidator() (SubscribeRequestValidator, error) {
	parser, err := siri.GetDocumentParser()
	if err != nil {
		return nil, err
	}
	return &subscribeRequestValidatorImpl{docParser: parser}, nil
}

// Validate parse the subscribe request
func (v *subscribeRequestValidatorImpl) Validate(
	headers http.Header, query url.Values, body string,
) (models.SubscriptionIntent, []string) {
	apiKey := headers.Get(APIKeyHeader)
	if len(apiKey) < 1 || len(apiKey) > 256 {
		return models.SubscriptionIntent{}, []string{MsgAPIKey}
	}

	filters, name, errs := parseQueryFilters(query)
	if len(errs) > 0 {
		return models.SubscriptionIntent{}, errs
	}

	doc, err := v.docParser.Parse(body)
	if err != nil {
		return models.SubscriptionIntent{}, []string{err.Error()}
	}

	return models.SubscriptionIntent{
		APIKey:                 apiKey,
		SubscriptionID:         doc.SubscriptionID,
		Name:                   name,
		URL:                    doc.ConsumerAddress,
		RequestorRef:           doc.RequestorRef,
		UpdateInterval:         doc.UpdateInterval,
		HeartbeatInterval:      doc.HeartbeatInterval,
		InitialTerminationTime: doc.InitialTerminationTime,
		RequestTimestamp:       doc.RequestTimestamp,
		Filters:                filters,
	}, nil
}

// parseQueryFilters parse the query parameters, collecting one message per invalid field
func parseQueryFilters(query url.Values) (models.QueryFilters, *string, []string) {
	errs := []string{}
	filters := models.QueryFilters{}

	var name *string
	if query.Has(ParamName) {
		value := query.Get(ParamName)
		if !refValueRegex.MatchString(value) {
			errs = append(errs, msgName)
		} else {
			name = &value
		}
	}

	if query.Has(ParamBoundingBox) {
		box, err := parseBoundingBox(query.Get(ParamBoundingBox))
		if err != nil {
			errs = append(errs, msgBoundingBox)
		} else {
			filters.BoundingBox = &box
		}
	}

	refLists := []struct {
		param  string
		target *[]string
	}{
		{ParamOperatorRef, &filters.OperatorRef},
		{ParamVehicleRef, &filters.VehicleRef},
		{ParamLineRef, &filters.LineRef},
		{ParamProducerRef, &filters.ProducerRef},
		{ParamOriginRef, &filters.OriginRef},
		{ParamDestinationRef, &filters.DestinationRef},
	}
	for _, refList := range refLists {
		if !query.Has(refList.param) {
			continue
		}
		value := query.Get(refList.param)
		if !refListRegex.MatchString(value) {
			errs = append(errs, fmt.Sprintf(msgRefListTemplate, refList.param))
			continue
		}
		*refList.target = strings.Split(value, ",")
	}

	subscriptionIDs := query.Get(ParamSubscriptionID)
	if !refListRegex.MatchString(subscriptionIDs) {
		errs = append(errs, msgSubscriptionID)
	} else if ids := strings.Split(subscriptionIDs, ","); len(ids) > MaxProducerSubscriptions {
		errs = append(errs, msgSubscriptionID)
	} else {
		filters.SubscriptionIDs = ids
	}

	return filters, name, errs
}

// parseBoundingBox parse "minLon,minLat,maxLon,maxLat"
//
// Only plain decimal numbers are accepted.
func parseBoundingBox(value string) (models.BoundingBox, error) {
	var box models.BoundingBox
	parts := strings.Split(value, ",")
	if len(parts) != len(box) {
		return box, fmt.Errorf("expected %d values, got %d", len(box), len(parts))
	}
	for idx, part := range parts {
		if !coordinateRegex.MatchString(part) {
			return box, fmt.Errorf("'%s' is not a decimal number", part)
		}
		coord, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return box, err
		}
		box[idx] = coord
	}
	return box, nil
}
