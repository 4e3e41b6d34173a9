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

package merr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSessionClosed("c1")
	errors.Wrap(err, "failed to send")
	s.ErrorIs(err, ErrSessionClosed)
	s.Equal(Code(ErrSessionClosed), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(errors.New("plain")))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newZeusError("new error", ErrSessionClosed.errCode, false)
	s.True(sameCodeErr.Is(ErrSessionClosed))
}

func (s *ErrSuite) TestWrap() {
	// Service 相关错误。
	s.ErrorIs(WrapErrServiceUnavailable("test", "test init"), ErrServiceUnavailable)

	// 参数相关错误。
	s.ErrorIs(WrapErrParameterInvalid(8, 1, "failed to create"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("uid"), ErrParameterMissing)

	// 消息队列相关错误。
	s.ErrorIs(WrapErrMqInternal(errors.New("broker down")), ErrMqInternal)

	// 连接相关错误。
	s.ErrorIs(WrapErrSessionClosed("c1"), ErrSessionClosed)
	s.ErrorIs(WrapErrSessionPersistFailed("u1", errors.New("db down")), ErrSessionPersistFailed)
	s.Nil(WrapErrSessionPersistFailed("u1", nil))
	s.ErrorIs(WrapErrSessionDuplicated("c1"), ErrSessionDuplicated)

	// 事件相关错误。
	s.ErrorIs(WrapErrEventPublishFailed("redis", errors.New("timeout")), ErrEventPublishFailed)
	s.ErrorIs(WrapErrEventDecodeFailed(errors.New("bad json")), ErrEventDecodeFailed)
	s.ErrorIs(WrapErrEventBusClosed("memory"), ErrEventBusClosed)
	s.ErrorIs(WrapErrChannelInvalid("linux"), ErrChannelInvalid)

	// 路由相关错误。
	s.ErrorIs(WrapErrRouteNotFound("client_bind"), ErrRouteNotFound)
	s.ErrorIs(WrapErrRouteDuplicated("client_bind"), ErrRouteDuplicated)
}

func (s *ErrSuite) TestWrapMessage() {
	err := WrapErrSessionPersistFailed("u1", errors.New("db down"))
	s.Equal("failed to persist session[uid=u1]: db down", err.Error())

	err = WrapErrParameterMissing("uid", "bind request")
	s.Equal("bind request: missing parameter[missing_param=uid]", err.Error())
}

func (s *ErrSuite) TestRetryable() {
	s.True(IsRetryableErr(ErrSessionPersistFailed))
	s.True(IsRetryableErr(WrapErrEventPublishFailed("kafka", errors.New("x"))))
	s.True(IsRetryableErr(errors.Wrap(ErrServiceUnavailable, "wrapped")))
	s.False(IsRetryableErr(ErrParameterMissing))
	s.False(IsRetryableErr(errors.New("plain")))

	s.True(IsCanceledOrTimeout(context.Canceled))
	s.False(IsCanceledOrTimeout(ErrEventBusClosed))
}

func (s *ErrSuite) TestInputError() {
	err := WrapErrAsInputError(ErrParameterMissing)
	s.Equal(InputError, GetErrorType(err))
	s.Equal(SystemError, GetErrorType(ErrEventBusClosed))

	err = WrapErrAsInputErrorWhen(ErrChannelInvalid, ErrParameterInvalid, ErrChannelInvalid)
	s.Equal(InputError, GetErrorType(err))
	err = WrapErrAsInputErrorWhen(ErrEventBusClosed, ErrParameterInvalid)
	s.Equal(SystemError, GetErrorType(err))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrEventBusClosed("memory"), WrapErrSessionClosed("c1"))
	s.Equal(Code(ErrSessionClosed), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
