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

import (
	"encoding/json"
	"fmt"
)

func EncodeLiveMessage(msg LiveEventMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode live message: %w", err)
	}
	return data, nil
}

// DecodeLiveMessage parses a bus payload and rejects messages addressed to
// a different project than the subscription expects.
func DecodeLiveMessage(data []byte, projectID string) (LiveEventMessage, error) {
	var msg LiveEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return LiveEventMessage{}, fmt.Errorf("decode live message: %w", err)
	}
	if msg.Type == "" {
		return LiveEventMessage{}, fmt.Errorf("decode live message: missing type")
	}
	if projectID != "" && msg.ProjectID != projectID {
		return LiveEventMessage{}, fmt.Errorf("decode live message: project %q on %q subscription", msg.ProjectID, projectID)
	}
	return msg, nil
}
