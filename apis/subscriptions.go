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

package apis

import (
	"context"
	"io"
	"net/http"

	"github.com/alwitt/avlbroker/broker"
	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// retryAfterSeconds Retry-After hint returned with the transient provider conflicts
const retryAfterSeconds = "60"

// maxRequestBodyBytes upper bound on a subscription request document
const maxRequestBodyBytes = 1 << 20

// ReadinessCheck reports an error if a dependency is not usable
type ReadinessCheck func(ctxt context.Context) error

// APIRestConsumerSubscriptionHandler REST handler for consumer subscriptions
type APIRestConsumerSubscriptionHandler struct {
	goutils.RestAPIHandler
	broker      broker.SubscriptionBroker
	readyChecks []ReadinessCheck
}

// GetAPIRestConsumerSubscriptionHandler define APIRestConsumerSubscriptionHandler
func GetAPIRestConsumerSubscriptionHandler(
	core broker.SubscriptionBroker,
	httpConfig *common.HTTPConfig,
	readyChecks ...ReadinessCheck,
) (APIRestConsumerSubscriptionHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "consumer-subscriptions",
	}
	return APIRestConsumerSubscriptionHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		broker:         core,
		readyChecks:    readyChecks,
	}, nil
}

// errorResponse map a broker error onto the response code, body, and headers
func errorResponse(err error) (int, APIRestRespErrors, map[string]string) {
	if validationErr, ok := broker.AsValidationError(err); ok {
		return http.StatusBadRequest, APIRestRespErrors{Errors: validationErr.Errors}, nil
	}
	errs := APIRestRespErrors{Errors: []string{err.Error()}}
	retry := map[string]string{"Retry-After": retryAfterSeconds}
	switch {
	case broker.IsUnauthorizedError(err):
		return http.StatusUnauthorized, errs, nil
	case broker.IsNotFoundError(err):
		return http.StatusNotFound, errs, nil
	case broker.IsConflictError(err):
		return http.StatusConflict, errs, nil
	case broker.IsDeactivatingConflictError(err):
		return http.StatusServiceUnavailable, errs, retry
	case broker.IsThrottledConflictError(err):
		return http.StatusTooManyRequests, errs, retry
	}
	return http.StatusInternalServerError,
		APIRestRespErrors{Errors: []string{"Internal server error"}}, nil
}

// -----------------------------------------------------------------------

// Subscribe godoc
// @Summary Register a consumer subscription
// @Description Provision the delivery infrastructure for a filtered slice of the SIRI-VM feed
// @tags Subscriptions
// @Accept xml
// @Produce json
// @Param x-api-key header string true "Consumer API key"
// @Param subscriptionId query string true "Comma-delimited producer subscription IDs"
// @Success 200 {object} APIRestRespEmpty "success"
// @Failure 400 {object} APIRestRespErrors "error"
// @Failure 401 {object} APIRestRespErrors "error"
// @Failure 404 {object} APIRestRespErrors "error"
// @Failure 409 {object} APIRestRespErrors "error"
// @Failure 413 {object} APIRestRespErrors "error"
// @Failure 429 {object} APIRestRespErrors "error"
// @Failure 500 {object} APIRestRespErrors "error"
// @Failure 503 {object} APIRestRespErrors "error"
// @Router /v1/siri-vm/subscriptions [post]
func (h APIRestConsumerSubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	var respHeaders map[string]string
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, respHeaders); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to read request body")
		respCode = http.StatusBadRequest
		respBody = APIRestRespErrors{Errors: []string{"Unable to read request body"}}
		return
	}
	if len(body) > maxRequestBodyBytes {
		respCode = http.StatusRequestEntityTooLarge
		respBody = APIRestRespErrors{Errors: []string{"Request body exceeds 1 MiB"}}
		return
	}

	if err := h.broker.Subscribe(r.Context(), r.Header, r.URL.Query(), string(body)); err != nil {
		respCode, respBody, respHeaders = errorResponse(err)
		if respCode == http.StatusInternalServerError {
			log.WithError(err).WithFields(localLogTags).Error("Subscribe request failed")
		}
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespEmpty{}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestConsumerSubscriptionHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// -----------------------------------------------------------------------

// GetSubscription godoc
// @Summary Read back a consumer subscription
// @Description Fetch the persisted record of a consumer subscription by its internal ID
// @tags Subscriptions
// @Produce json
// @Param x-api-key header string true "Consumer API key"
// @Param subscriptionId path string true "Internal subscription ID"
// @Success 200 {object} models.ConsumerSubscription "success"
// @Failure 400 {object} APIRestRespErrors "error"
// @Failure 401 {object} APIRestRespErrors "error"
// @Failure 404 {object} APIRestRespErrors "error"
// @Failure 500 {object} APIRestRespErrors "error"
// @Router /v1/siri-vm/subscriptions/{subscriptionId} [get]
func (h APIRestConsumerSubscriptionHandler) GetSubscription(
	w http.ResponseWriter, r *http.Request,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	subscriptionID, ok := vars["subscriptionId"]
	if !ok {
		respCode = http.StatusBadRequest
		respBody = APIRestRespErrors{Errors: []string{"No subscription ID provided"}}
		return
	}

	record, err := h.broker.GetSubscription(r.Context(), r.Header, subscriptionID)
	if err != nil {
		respCode, respBody, _ = errorResponse(err)
		if respCode == http.StatusInternalServerError {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Failed to read subscription %s", subscriptionID,
			)
		}
		return
	}

	respCode = http.StatusOK
	respBody = record
}

// GetSubscriptionHandler Wrapper around GetSubscription
func (h APIRestConsumerSubscriptionHandler) GetSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestConsumerSubscriptionHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestConsumerSubscriptionHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the subscription store and NATS are reachable
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestConsumerSubscriptionHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, check := range h.readyChecks {
		if err := check(r.Context()); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Readiness check failed")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestConsumerSubscriptionHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
