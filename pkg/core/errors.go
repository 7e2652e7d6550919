// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import "errors"

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrEventNotFound     = errors.New("event not registered")
	ErrInvalidToken      = errors.New("invalid token")
	ErrForbiddenOrigin   = errors.New("origin not allowed")
	ErrUsageLimit        = errors.New("usage limit exceeded")
	ErrBusClosed         = errors.New("bus closed")
	ErrBusNotConnected   = errors.New("bus not connected")
	ErrStoreClosed       = errors.New("store closed")
	ErrSubscriptionLost  = errors.New("subscription lost")
	ErrBusNotConfigured  = errors.New("live bus not configured")
	ErrRunnerSaturated   = errors.New("background runner saturated")
	ErrUnknownPluginType = errors.New("unknown plugin type")
)
