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
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/avlbroker/apis"
	"github.com/alwitt/avlbroker/broker"
	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/avlbroker/core"
	"github.com/alwitt/avlbroker/management"
	"github.com/alwitt/avlbroker/storage"
	"github.com/alwitt/avlbroker/validation"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunAPIServer run the consumer subscription API server
func RunAPIServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "api",
		"instance":  instance,
	}
	apiConfig := config.API

	pool, err := core.GetPostgresPool(runtimeContext, config.Postgres)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to the subscription database")
		return err
	}
	defer pool.Close()

	provider, err := management.GetJetStreamDeliveryInfraProvider(
		natsClient, config.Provisioning, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery infra provider")
		return err
	}

	requestValidator, err := validation.GetSubscribeRequestValidator()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request validator")
		return err
	}

	subscriptionBroker := broker.GetSubscriptionBroker(
		requestValidator,
		storage.GetPGSubscriptionStore(pool),
		broker.GetProducerResolver(storage.GetPGProducerDirectory(pool)),
		broker.GetResourceProvisioner(provider, config.Provisioning),
		common.GetUUIDGenerator(),
		common.GetSystemClock(),
		apiConfig.AllowedAPIKeys,
	)

	httpHandler, err := apis.GetAPIRestConsumerSubscriptionHandler(
		subscriptionBroker,
		&apiConfig.HTTPSetting,
		pool.Ping,
		func(context.Context) error { return natsClient.Ready() },
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, apiConfig.Endpoints.PathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	subscriptionRouter := apis.RegisterPathPrefix(
		v1Router, "/siri-vm/subscriptions", map[string]http.HandlerFunc{
			"post": httpHandler.SubscribeHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		subscriptionRouter, "/{subscriptionId}", map[string]http.HandlerFunc{
			"get": httpHandler.GetSubscriptionHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	accessLog := apis.AccessLogWriter(instance)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverCfg := apiConfig.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
