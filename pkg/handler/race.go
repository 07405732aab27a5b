//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

package handler

import (
	"context"
	"errors"
	"time"
)

// ErrRaceTimeout is returned by Race when the timeout fires first.
var ErrRaceTimeout = errors.New("timed out waiting for handler work")

type raceResult[T any] struct {
	v   T
	err error
}

// Race runs fn in its own goroutine against a timer. Whichever completes
// first wins and the loser is cancelled: fn's context is cancelled when the
// timer wins. Use it around calls to external resources that may hang and
// ignore cooperative cancellation, typically with lc.RemainingTime() minus
// a safety margin as the timeout.
func Race[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a late fn can always deliver and exit.
	done := make(chan raceResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- raceResult[T]{v: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, ErrRaceTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
