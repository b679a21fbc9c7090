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
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRowCacheUpsert(t *testing.T) {
	assert := assert.New(t)

	uut := NewRowCache("id", log.Fields{})

	// Case 0: last write wins
	{
		accepted, rejected := uut.Upsert([]Row{{"id": 1, "v": "a"}, {"id": 1, "v": "b"}})
		assert.Len(accepted, 2)
		assert.Equal(0, rejected)
		assert.Equal(1, uut.Size())
		all := uut.GetAll()
		assert.Len(all, 1)
		assert.Equal("b", all[0]["v"])
	}

	// Case 1: rows without the key column are rejected
	{
		accepted, rejected := uut.Upsert([]Row{{"noId": true}, {"id": nil}})
		assert.Len(accepted, 0)
		assert.Equal(2, rejected)
		assert.Equal(1, uut.Size())
	}

	// Case 2: identity is stringified
	{
		_, rejected := uut.Upsert([]Row{{"id": "1", "v": "c"}, {"id": json.Number("2"), "v": "d"}})
		assert.Equal(0, rejected)
		assert.Equal(2, uut.Size())
		all := uut.GetAll()
		assert.Equal("c", all[0]["v"])
		assert.Equal("d", all[1]["v"])
	}

	// Case 3: stored rows are copies
	{
		row := Row{"id": 3, "v": "e"}
		accepted, _ := uut.Upsert([]Row{row})
		row["v"] = "mutated"
		accepted[0]["v"] = "mutated"
		all := uut.GetAll()
		assert.Equal("e", all[2]["v"])
		all[2]["v"] = "mutated"
		assert.Equal("e", uut.GetAll()[2]["v"])
	}

	// Case 4: clear
	uut.Clear()
	assert.Equal(0, uut.Size())
	assert.Len(uut.GetAll(), 0)
}

func TestRowCacheOrdering(t *testing.T) {
	assert := assert.New(t)

	uut := NewRowCache("key", log.Fields{})
	uut.Upsert([]Row{{"key": "b"}, {"key": "a"}, {"key": "c"}})
	uut.Upsert([]Row{{"key": "a", "n": 2}})

	keys := []string{}
	for _, row := range uut.GetAll() {
		keys = append(keys, row["key"].(string))
	}
	assert.Equal([]string{"b", "a", "c"}, keys)
	assert.Equal(2, uut.GetAll()[1]["n"])
}
