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

// Package siri parses and validates SIRI-VM subscription request documents
package siri

import (
	"encoding/xml"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alwitt/avlbroker/models"
	"github.com/go-playground/validator/v10"
)

// SubscriptionContext SIRI SubscriptionContext element
type SubscriptionContext struct {
	HeartbeatInterval string `xml:"HeartbeatInterval" validate:"required,iso8601duration"`
}

// VehicleMonitoringRequest SIRI VehicleMonitoringRequest element
type VehicleMonitoringRequest struct {
	Version                      string `xml:"version,attr"`
	RequestTimestamp             string `xml:"RequestTimestamp" validate:"required,rfc3339"`
	VehicleMonitoringDetailLevel string `xml:"VehicleMonitoringDetailLevel" validate:"omitempty,oneof=minimum basic normal calls full"`
}

// VehicleMonitoringSubscriptionRequest SIRI VehicleMonitoringSubscriptionRequest element
type VehicleMonitoringSubscriptionRequest struct {
	SubscriptionIdentifier   string                   `xml:"SubscriptionIdentifier" validate:"required,max=256"`
	InitialTerminationTime   string                   `xml:"InitialTerminationTime" validate:"required,rfc3339"`
	VehicleMonitoringRequest VehicleMonitoringRequest `xml:"VehicleMonitoringRequest"`
	UpdateInterval           string                   `xml:"UpdateInterval" validate:"required,oneof=PT10S PT15S PT20S PT30S"`
}

// SubscriptionRequest SIRI SubscriptionRequest element
type SubscriptionRequest struct {
	RequestTimestamp                     string                               `xml:"RequestTimestamp" validate:"required,rfc3339"`
	ConsumerAddress                      string                               `xml:"ConsumerAddress" validate:"required,url"`
	RequestorRef                         string                               `xml:"RequestorRef" validate:"required,max=256"`
	MessageIdentifier                    string                               `xml:"MessageIdentifier" validate:"omitempty,max=256"`
	SubscriptionContext                  SubscriptionContext                  `xml:"SubscriptionContext"`
	VehicleMonitoringSubscriptionRequest VehicleMonitoringSubscriptionRequest `xml:"VehicleMonitoringSubscriptionRequest"`
}

// Document a SIRI document carrying a subscription request
type Document struct {
	XMLName             xml.Name            `xml:"Siri"`
	Version             string              `xml:"version,attr"`
	SubscriptionRequest SubscriptionRequest `xml:"SubscriptionRequest"`
}

// ParsedSubscriptionRequest the typed content of a valid subscription request document
type ParsedSubscriptionRequest struct {
	SubscriptionID         string
	ConsumerAddress        string
	RequestorRef           string
	UpdateInterval         models.UpdateInterval
	HeartbeatInterval      string
	InitialTerminationTime time.Time
	RequestTimestamp       time.Time
}

var iso8601DurationRegex = regexp.MustCompile(
	`^P(?:\d+Y)?(?:\d+M)?(?:\d+W)?(?:\d+D)?(?:T(?:\d+H)?(?:\d+M)?(?:\d+(?:\.\d+)?S)?)?$`,
)

// validISO8601Duration checks the field holds a non-empty ISO 8601 duration
func validISO8601Duration(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "P" || value == "PT" || strings.HasSuffix(value, "T") {
		return false
	}
	return iso8601DurationRegex.MatchString(value)
}

// validRFC3339 checks the field holds an RFC 3339 timestamp
func validRFC3339(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339, fl.Field().String())
	return err == nil
}

// DocumentParser parses and validates subscription request documents
type DocumentParser struct {
	validate *validator.Validate
}

// GetDocumentParser define a new DocumentParser
func GetDocumentParser() (*DocumentParser, error) {
	validate := validator.New()
	if err := validate.RegisterValidation("iso8601duration", validISO8601Duration); err != nil {
		return nil, err
	}
	if err := validate.RegisterValidation("rfc3339", validRFC3339); err != nil {
		return nil, err
	}
	return &DocumentParser{validate: validate}, nil
}

// Parse parse and validate a SIRI subscription request document
//
// A schema violation is reported through the first validation error message, prefixed with the
// document path that failed.
func (p *DocumentParser) Parse(body string) (ParsedSubscriptionRequest, error) {
	if strings.TrimSpace(body) == "" {
		return ParsedSubscriptionRequest{}, fmt.Errorf("Body must be a non-empty subscription request")
	}
	var doc Document
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return ParsedSubscriptionRequest{}, fmt.Errorf("Invalid subscription request: %s", err.Error())
	}
	if err := p.validate.Struct(&doc); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return ParsedSubscriptionRequest{}, fmt.Errorf(
				"Invalid subscription request at %s: %s", documentPath(first.Namespace()), first.Error(),
			)
		}
		return ParsedSubscriptionRequest{}, fmt.Errorf("Invalid subscription request: %s", err.Error())
	}

	req := doc.SubscriptionRequest
	vm := req.VehicleMonitoringSubscriptionRequest
	initialTermination, err := parseTimestamp(
		"Siri.SubscriptionRequest.VehicleMonitoringSubscriptionRequest.InitialTerminationTime",
		vm.InitialTerminationTime,
	)
	if err != nil {
		return ParsedSubscriptionRequest{}, err
	}
	requestTimestamp, err := parseTimestamp(
		"Siri.SubscriptionRequest.RequestTimestamp", req.RequestTimestamp,
	)
	if err != nil {
		return ParsedSubscriptionRequest{}, err
	}
	return ParsedSubscriptionRequest{
		SubscriptionID:         vm.SubscriptionIdentifier,
		ConsumerAddress:        req.ConsumerAddress,
		RequestorRef:           req.RequestorRef,
		UpdateInterval:         models.UpdateInterval(vm.UpdateInterval),
		HeartbeatInterval:      req.SubscriptionContext.HeartbeatInterval,
		InitialTerminationTime: initialTermination,
		RequestTimestamp:       requestTimestamp,
	}, nil
}

// parseTimestamp parse an RFC 3339 document timestamp into UTC
func parseTimestamp(path string, value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("Invalid subscription request at %s: %s", path, err.Error())
	}
	return parsed.UTC(), nil
}

// documentPath convert a validator namespace into the document element path
func documentPath(namespace string) string {
	return strings.Replace(namespace, "Document.", "Siri.", 1)
}
