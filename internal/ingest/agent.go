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

package ingest

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/mileusna/useragent"
)

type Agent struct {
	DeviceType string
	Browser    string
	OS         string
}

// ParseAgent classifies a User-Agent header into device type, browser and
// OS. Unknown values come back as "unknown"; crawlers are "bot" devices.
func ParseAgent(raw string) Agent {
	if strings.TrimSpace(raw) == "" {
		return Agent{DeviceType: "unknown", Browser: "unknown", OS: "unknown"}
	}
	ua := useragent.Parse(raw)
	return Agent{
		DeviceType: deviceType(ua),
		Browser:    orUnknown(ua.Name),
		OS:         orUnknown(ua.OS),
	}
}

func deviceType(ua useragent.UserAgent) string {
	switch {
	case ua.Bot:
		return "bot"
	case ua.Tablet:
		return "tablet"
	case ua.Mobile:
		return "mobile"
	case ua.Desktop:
		return "desktop"
	default:
		return "unknown"
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Geo reads the visitor location that the edge proxy attached to r.
func Geo(r *http.Request) (country, city string) {
	for _, h := range []string{"X-Vercel-IP-Country", "CF-IPCountry", "X-Country-Code"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" && v != "XX" {
			country = strings.ToUpper(v)
			break
		}
	}
	if v := r.Header.Get("X-Vercel-IP-City"); v != "" {
		if decoded, err := url.QueryUnescape(v); err == nil {
			v = decoded
		}
		city = v
	}
	return country, city
}
