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
	"fmt"
	"sort"
	"sync"

	"github.com/bklit/bklit-sub002/pkg/core"
)

// Table is the project directory consulted on every ingestion request.
// It is replaced wholesale when the config file changes.
type Table struct {
	projects sync.Map
}

func NewTable(projects ...*core.Project) *Table {
	t := &Table{}
	for _, p := range projects {
		t.Add(p)
	}
	return t
}

func (t *Table) Add(p *core.Project) {
	t.projects.Store(p.ID, p)
}

func (t *Table) Remove(id string) {
	t.projects.Delete(id)
}

func (t *Table) Lookup(id string) (*core.Project, bool) {
	v, ok := t.projects.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*core.Project), true
}

// Get is Lookup with a wrapped ErrProjectNotFound.
func (t *Table) Get(id string) (*core.Project, error) {
	p, ok := t.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", core.ErrProjectNotFound, id)
	}
	return p, nil
}

func (t *Table) ReplaceAll(projects []*core.Project) {
	keep := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		t.projects.Store(p.ID, p)
		keep[p.ID] = struct{}{}
	}
	t.projects.Range(func(key, _ any) bool {
		if _, ok := keep[key.(string)]; !ok {
			t.projects.Delete(key)
		}
		return true
	})
}

func (t *Table) IDs() []string {
	var ids []string
	t.projects.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
