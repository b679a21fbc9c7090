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

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 1: no handler registered
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	// Case 2: register handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}), func(p interface{}) error { return fmt.Errorf("dummy") },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)

	type orderedTask struct{ idx int }

	processed := make(chan int, 10)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(orderedTask{}), func(p interface{}) error {
			processed <- p.(orderedTask).idx
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in submission order
	for itr := 0; itr < 5; itr++ {
		useCtxt, lclCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(useCtxt, orderedTask{idx: itr}))
		lclCancel()
	}
	for itr := 0; itr < 5; itr++ {
		select {
		case idx := <-processed:
			assert.Equal(itr, idx)
		case <-time.After(time.Second):
			assert.Fail("task not processed in time")
		}
	}

	// Case 2: submit after stop fails
	assert.Nil(uut.StopEventLoop())
	{
		useCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		defer lclCancel()
		assert.NotNil(uut.Submit(useCtxt, orderedTask{idx: 100}))
	}
}
