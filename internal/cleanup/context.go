/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cleanup provides utilities to help with teardown.
package cleanup

import (
	"context"
	"time"
)

// teardownTimeout is the maximum time allowed for teardown operations.
// 10 seconds covers typical unmount and device-disconnect latencies while
// preventing indefinite hangs when a mount is stuck.
const teardownTimeout = 10 * time.Second

// Do runs the provided function with a context that:
// 1. Is not cancelled when the parent context is cancelled
// 2. Has a timeout of teardownTimeout (10 seconds)
//
// Unmount and disconnect steps must run to completion even after the
// operation that mounted the device has failed or been cancelled.
func Do(ctx context.Context, do func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	do(ctx)
	cancel()
}
