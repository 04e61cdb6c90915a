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
	"io"
	"net/http"

	"github.com/alwitt/avlbroker/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestRespErrors error response body
type APIRestRespErrors struct {
	Errors []string `json:"errors"`
}

// APIRestRespEmpty empty success response body
type APIRestRespEmpty struct{}

// ========================================================================================
// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// accessLogWriter routes HTTP access log lines into apex/log
type accessLogWriter struct {
	logTags log.Fields
}

// Write logging support
func (w accessLogWriter) Write(p []byte) (n int, err error) {
	log.WithFields(w.logTags).Infof("%s", p)
	return len(p), nil
}

// AccessLogWriter get an io.Writer for HTTP access log lines
func AccessLogWriter(instance string) io.Writer {
	return accessLogWriter{
		logTags: log.Fields{"module": "apis", "component": "access-log", "instance": instance},
	}
}

// defineRestAPIHandler define the base goutils REST handler from the HTTP config
func defineRestAPIHandler(
	logTags log.Fields, httpConfig *common.HTTPConfig,
) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}
