// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

func TestPool(t *testing.T) {
	pool := NewPool[int](4)
	defer pool.Release()

	futures := make([]*Future[int], 0, 16)
	for i := 0; i < 16; i++ {
		i := i
		futures = append(futures, pool.Submit(func() (int, error) {
			return i * 2, nil
		}))
	}

	assert.NoError(t, AwaitAll(futures...))
	for i, f := range futures {
		assert.Equal(t, i*2, f.Value())
		assert.True(t, f.OK())
	}
	assert.Equal(t, 4, pool.Cap())
}

func TestPoolError(t *testing.T) {
	pool := NewPool[struct{}](1)
	defer pool.Release()

	future := pool.Submit(func() (struct{}, error) {
		return struct{}{}, errors.New("boom")
	})
	_, err := future.Await()
	assert.EqualError(t, err, "boom")
	assert.Error(t, AwaitAll(future))
}

func TestPoolPreHandler(t *testing.T) {
	called := atomic.NewInt32(0)
	pool := NewPool[struct{}](2, WithPreHandler(func() { called.Inc() }))
	defer pool.Release()

	assert.NoError(t, pool.Submit(func() (struct{}, error) { return struct{}{}, nil }).Err())
	assert.Equal(t, int32(1), called.Load())
}

func TestPoolReleased(t *testing.T) {
	pool := NewPool[struct{}](1)
	pool.Release()

	err := pool.Submit(func() (struct{}, error) { return struct{}{}, nil }).Err()
	assert.ErrorIs(t, err, merr.ErrServiceUnavailable)
}

func TestGo(t *testing.T) {
	future := Go(func() (string, error) { return "done", nil })
	<-future.Inner()
	v, err := future.Await()
	assert.NoError(t, err)
	assert.Equal(t, "done", v)
}
