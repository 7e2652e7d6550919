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


package logging

import (
	"log/slog"

	"github.com/bklit/bklit-sub002/pkg/core"
)

// PacketLogger traces live messages as they cross the bus and the
// dashboard gateways.
type PacketLogger struct {
	logger *slog.Logger
}

func NewPacketLogger(logger *slog.Logger) *PacketLogger {
	return &PacketLogger{logger: logger}
}

func (p *PacketLogger) Log(msg core.LiveEventMessage, via string, direction string) {
	if p == nil {
		return
	}
	p.logger.Debug("packet",
		"type", msg.Type,
		"project_id", msg.ProjectID,
		"via", via,
		"direction", direction,
		"payload_size", len(msg.Data),
		"timestamp", msg.Timestamp,
	)
}
