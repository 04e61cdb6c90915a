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

package common

import (
	"time"

	"github.com/google/uuid"
)

// Clock source of the current time
type Clock interface {
	// Now returns the current time
	Now() time.Time
}

// systemClock Clock backed by the system time
type systemClock struct{}

// Now returns the current UTC time
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// GetSystemClock get a Clock backed by the system time
func GetSystemClock() Clock {
	return systemClock{}
}

// IDGenerator source of new unique identifiers
type IDGenerator interface {
	// NewID returns a new random identifier
	NewID() string
}

// uuidGenerator IDGenerator producing random UUIDs
type uuidGenerator struct{}

// NewID returns a new random UUID string
func (uuidGenerator) NewID() string {
	return uuid.NewString()
}

// GetUUIDGenerator get an IDGenerator producing random UUIDs
func GetUUIDGenerator() IDGenerator {
	return uuidGenerator{}
}
