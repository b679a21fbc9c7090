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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRows(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		body     string
		expected []Row
		invalid  int
	}
	testCases := []testCase{
		{body: `[{"id":1},{"id":2}]`, expected: []Row{{"id": json.Number("1")}, {"id": json.Number("2")}}},
		{body: `{"rows":[{"id":"a"}]}`, expected: []Row{{"id": "a"}}},
		{body: `{"data":[{"id":"b"}],"rows":"nope"}`, expected: []Row{{"id": "b"}}},
		{body: `{"id":"c","p":1.5}`, expected: []Row{{"id": "c", "p": json.Number("1.5")}}},
		{body: `{"status":"pending"}`, expected: []Row{}},
		{body: `[1,"two",{"id":3}]`, expected: []Row{{"id": json.Number("3")}}, invalid: 2},
		{body: `{"rows":[null,{"id":"d"}]}`, expected: []Row{{"id": "d"}}, invalid: 1},
		{body: `"just a string"`, expected: []Row{}},
		{body: `42`, expected: []Row{}},
	}
	for idx, oneCase := range testCases {
		rows, invalid, err := ExtractRows([]byte(oneCase.body))
		assert.Nilf(err, "case %d", idx)
		assert.Equalf(oneCase.expected, rows, "case %d", idx)
		assert.Equalf(oneCase.invalid, invalid, "case %d", idx)
	}

	// Non-JSON
	_, _, err := ExtractRows([]byte("heartbeat"))
	assert.NotNil(err)
	_, _, err = ExtractRows([]byte{})
	assert.NotNil(err)
}

func TestIsSnapshotEnd(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsSnapshotEnd([]byte("Success"), "Success"))
	assert.True(IsSnapshotEnd([]byte("snapshot SUCCESS"), "Success"))
	assert.True(IsSnapshotEnd([]byte(`{"status":"done"}`), "done"))
	assert.True(IsSnapshotEnd([]byte(`{"snapshotToken":"EOS"}`), "eos"))
	assert.False(IsSnapshotEnd([]byte(`[{"id":1}]`), "Success"))
	assert.False(IsSnapshotEnd([]byte(`{"status":"pending"}`), "done"))
	assert.False(IsSnapshotEnd([]byte("Success"), ""))
}

func TestResolveClientID(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(
		"/topic/rows.c1.c1", ResolveClientID("/topic/rows.{clientId}.{clientId}", "c1"),
	)
	assert.Equal("/topic/rows", ResolveClientID("/topic/rows", "c1"))

	id1 := newClientID()
	id2 := newClientID()
	assert.NotEqual(id1, id2)
	assert.True(strings.Contains(id1, "-"))
}
