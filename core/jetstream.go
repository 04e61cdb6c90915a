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

package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS JetStream cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSConnectParamsFromConfig build the NATS connection parameters from the system config,
// with connection events logged under the given log tags
func NATSConnectParamsFromConfig(cfg common.NATSConfig, logTags log.Fields) NATSConnectParams {
	return NATSConnectParams{
		ServerURI:           cfg.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(cfg.ConnectTimeout),
		MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Reconnected with NATs server")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}
}

// NatsClient NATS client wrapper carrying the JetStream context
type NatsClient struct {
	goutils.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close close a JetStream client
func (js NatsClient) Close(ctxt context.Context) {
	if err := js.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(js.LogTags).Errorf("NATS flush failed")
	}
	js.nc.Close()
	log.WithFields(js.LogTags).Infof("Close NATS client")
}

// JetStream fetch the JetStream client
func (js NatsClient) JetStream() nats.JetStreamContext {
	return js.js
}

// Conn fetch the NATS connection
func (js NatsClient) Conn() *nats.Conn {
	return js.nc
}

// Ready check whether the NATS connection is usable
func (js NatsClient) Ready() error {
	if js.nc == nil || !js.nc.IsConnected() {
		return fmt.Errorf("NATS connection is not established")
	}
	return nil
}

// GetJetStream define a new NATS JetStream core
func GetJetStream(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "jetstream-backend",
		"instance":  param.ServerURI,
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}

	// Define the JetStream client
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
	} else {
		log.WithFields(logTags).Info("Created JetStream client")
	}

	return NatsClient{
		Component: goutils.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, err
}
