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


package projects

import (
	"errors"
	"sync"
	"testing"

	"github.com/bklit/bklit-sub002/pkg/core"
)

func TestTableAddAndLookup(t *testing.T) {
	table := NewTable(&core.Project{ID: "p1", Name: "Docs"})

	got, ok := table.Lookup("p1")
	if !ok {
		t.Fatal("expected project to be found")
	}
	if got.Name != "Docs" {
		t.Fatalf("expected Docs, got %s", got.Name)
	}
}

func TestTableGetMiss(t *testing.T) {
	table := NewTable()
	_, err := table.Get("nope")
	if !errors.Is(err, core.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestTableReplaceAll(t *testing.T) {
	table := NewTable(&core.Project{ID: "old"}, &core.Project{ID: "kept", Name: "v1"})

	table.ReplaceAll([]*core.Project{
		{ID: "kept", Name: "v2"},
		{ID: "new"},
	})

	if _, ok := table.Lookup("old"); ok {
		t.Fatal("expected old project to be removed")
	}
	kept, ok := table.Lookup("kept")
	if !ok || kept.Name != "v2" {
		t.Fatalf("expected kept project to be replaced, got %+v", kept)
	}
	ids := table.IDs()
	if len(ids) != 2 || ids[0] != "kept" || ids[1] != "new" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			table.Add(&core.Project{ID: "p", MonthlyEventLimit: n})
			table.Lookup("p")
			table.ReplaceAll([]*core.Project{{ID: "p"}})
		}(i)
	}
	wg.Wait()
}

func TestProjectAllowsOrigin(t *testing.T) {
	p := &core.Project{ID: "p1", AllowedDomains: []string{"example.com", "*.shop.io"}}
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://example.com", true},
		{"https://www.example.com", true},
		{"https://a.shop.io:8443", true},
		{"https://evil-example.com", false},
		{"http://localhost:3000", false},
	}
	for _, tt := range tests {
		if got := p.AllowsOrigin(tt.origin); got != tt.want {
			t.Errorf("AllowsOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	open := &core.Project{ID: "p2"}
	if !open.AllowsOrigin("https://anything.dev") {
		t.Fatal("empty allow-list should accept every origin")
	}
}

func TestProjectHasEvent(t *testing.T) {
	p := &core.Project{Events: []string{"signup", "checkout"}}
	if !p.HasEvent("checkout") {
		t.Fatal("expected checkout to be registered")
	}
	if p.HasEvent("refund") {
		t.Fatal("refund is not registered")
	}
}
