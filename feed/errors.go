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

import "errors"

// ErrConfigRequired subscribe request carried no provider config
var ErrConfigRequired = errors.New("provider config is required")

// ErrProviderNotFound no active engine for the provider
var ErrProviderNotFound = errors.New("provider not found")

// ErrConnectTimeout broker connection not established within the timeout
var ErrConnectTimeout = errors.New("connection timeout")

// ErrEngineStopped operation on a stopped engine
var ErrEngineStopped = errors.New("engine stopped")

// ErrUnknownRequest unrecognized subscriber request type
var ErrUnknownRequest = errors.New("unknown request type")
