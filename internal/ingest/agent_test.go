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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want Agent
	}{
		{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 Edg/124.0",
			Agent{DeviceType: "desktop", Browser: "Edge", OS: "Windows"},
		},
		{
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			Agent{DeviceType: "desktop", Browser: "Safari", OS: "macOS"},
		},
		{
			"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Mobile Safari/537.36",
			Agent{DeviceType: "mobile", Browser: "Chrome", OS: "Android"},
		},
		{
			"Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/124.0 Mobile/15E148 Safari/604.1",
			Agent{DeviceType: "tablet", Browser: "Chrome", OS: "iOS"},
		},
		{
			"Mozilla/5.0 (Linux; Android 9; CUBOT X19) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/79.0.3945.93 Mobile Safari/537.36",
			Agent{DeviceType: "mobile", Browser: "Chrome", OS: "Android"},
		},
		{
			"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
			Agent{DeviceType: "mobile", Browser: "Safari", OS: "iOS"},
		},
		{
			"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			Agent{DeviceType: "bot", Browser: "Googlebot", OS: "unknown"},
		},
		{"", Agent{DeviceType: "unknown", Browser: "unknown", OS: "unknown"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseAgent(tt.ua), tt.ua)
	}
}

func TestGeo(t *testing.T) {
	r := httptest.NewRequest("POST", "/track", nil)
	r.Header.Set("X-Vercel-IP-Country", "nl")
	r.Header.Set("X-Vercel-IP-City", "Den%20Haag")
	country, city := Geo(r)
	assert.Equal(t, "NL", country)
	assert.Equal(t, "Den Haag", city)

	r = httptest.NewRequest("POST", "/track", nil)
	r.Header.Set("CF-IPCountry", "XX")
	country, city = Geo(r)
	assert.Empty(t, country)
	assert.Empty(t, city)
}
