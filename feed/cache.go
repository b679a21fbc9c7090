// Copyright 2022 The blotterfeed Authors
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

package feed

import (
	"encoding/json"
	"fmt"

	"github.com/alwitt/blotterfeed/common"
	"github.com/apex/log"
)

// RowCache latest row per identity value. Rows are kept in first insertion order.
//
// Not thread safe. Only the owning engine touches it.
type RowCache struct {
	common.Component
	keyColumn string
	rows      map[string]Row
	order     []string
}

// NewRowCache define a new cache keyed by keyColumn
func NewRowCache(keyColumn string, logTags log.Fields) *RowCache {
	return &RowCache{
		Component: common.Component{LogTags: logTags},
		keyColumn: keyColumn,
		rows:      make(map[string]Row),
		order:     make([]string, 0),
	}
}

// RowIdentity stringified identity value of a row
func RowIdentity(row Row, keyColumn string) (string, bool) {
	value, ok := row[keyColumn]
	if !ok || value == nil {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// Upsert store a copy of each row under its identity, replacing any prior value.
//
// Returns the stored copies, and the number of rows rejected for lacking the key column.
func (c *RowCache) Upsert(rows []Row) ([]Row, int) {
	accepted := make([]Row, 0, len(rows))
	rejected := 0
	for _, row := range rows {
		identity, ok := RowIdentity(row, c.keyColumn)
		if !ok {
			rejected++
			log.WithFields(c.LogTags).Warnf("Dropping row without key column '%s'", c.keyColumn)
			continue
		}
		stored := row.Copy()
		if _, exist := c.rows[identity]; !exist {
			c.order = append(c.order, identity)
		}
		c.rows[identity] = stored
		accepted = append(accepted, stored.Copy())
	}
	return accepted, rejected
}

// GetAll copies of all cached rows
func (c *RowCache) GetAll() []Row {
	result := make([]Row, 0, len(c.order))
	for _, identity := range c.order {
		result = append(result, c.rows[identity].Copy())
	}
	return result
}

// Size number of cached rows
func (c *RowCache) Size() int {
	return len(c.rows)
}

// Clear drop all cached rows
func (c *RowCache) Clear() {
	c.rows = make(map[string]Row)
	c.order = make([]string, 0)
}
