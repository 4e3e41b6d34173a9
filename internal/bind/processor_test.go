package bind

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-garden-push/internal/conflict"
	"github.com/lk2023060901/danmu-garden-push/internal/eventbus"
	"github.com/lk2023060901/danmu-garden-push/internal/json"
	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/internal/network/protocol"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session"
	"github.com/lk2023060901/danmu-garden-push/internal/network/session/sessiontest"
	"github.com/lk2023060901/danmu-garden-push/internal/registry"
	"github.com/lk2023060901/danmu-garden-push/internal/store"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
)

const waitTimeout = 2 * time.Second

type fakePublisher struct {
	mu        sync.Mutex
	published []*model.Session
	err       error

	// managedAtPublish 记录发布时连接是否已登记。
	registry         *registry.Registry
	managedAtPublish []int
}

func (f *fakePublisher) Publish(_ context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, s)
	if f.registry != nil {
		f.managedAtPublish = append(f.managedAtPublish, f.registry.Count())
	}
	return f.err
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// racingRegistry 模拟并发请求在 IsManaged 与 Add 之间抢先完成登记。
type racingRegistry struct {
	*registry.Registry
}

func (racingRegistry) Add(session.Session) bool { return false }

type failingStore struct{}

func (failingStore) Save(context.Context, *model.Session) error {
	return errors.New("db down")
}

type ProcessorSuite struct {
	suite.Suite

	registry  *registry.Registry
	store     *store.MemoryStore
	publisher *fakePublisher
	processor *Processor
}

func (s *ProcessorSuite) SetupTest() {
	s.registry = registry.New()
	s.store = store.NewMemoryStore()
	s.publisher = &fakePublisher{registry: s.registry}
	s.processor = NewProcessor("node-1", s.registry, s.store, s.publisher)
	s.processor.now = func() time.Time { return time.UnixMilli(1700000000000) }
}

func bindBody(uid string, ch model.Channel, device string) *protocol.SentBody {
	return &protocol.SentBody{
		Key: protocol.KeyClientBind,
		Data: map[string]string{
			FieldUID:        uid,
			FieldChannel:    string(ch),
			FieldDeviceID:   device,
			FieldDeviceName: "Pixel 8",
			FieldAppVersion: "1.0.0",
			FieldOSVersion:  "14",
			FieldLanguage:   "zh-CN",
		},
	}
}

func (s *ProcessorSuite) TestBindSuccess() {
	sess, conn := sessiontest.NewSession(s.T(), "c1")

	s.Require().NoError(s.processor.Handle(context.Background(), sess, bindBody("u1", model.ChannelAndroid, "d1")))

	b := sess.Binding()
	s.Require().NotNil(b)
	s.Equal("u1", b.UID)
	s.Equal(model.ChannelAndroid, b.Channel)
	s.Equal("d1", b.DeviceID)
	s.Equal("zh-CN", b.Language)
	s.Equal(int64(1), b.SessionID)
	s.True(s.registry.IsManaged(sess))

	saved, ok := s.store.Get(1)
	s.Require().True(ok)
	s.Equal("c1", saved.ConnectionID)
	s.Equal("node-1", saved.Host)
	s.Equal("Pixel 8", saved.DeviceName)
	s.Equal("1.0.0", saved.AppVersion)
	s.Equal("14", saved.OSVersion)
	s.True(saved.BindTime.Equal(time.UnixMilli(1700000000000)))

	pkt := conn.NextPacket(s.T(), waitTimeout)
	s.Equal(protocol.DataTypeReply, pkt.Type)
	var reply protocol.ReplyBody
	s.Require().NoError(json.Unmarshal(pkt.Payload, &reply))
	s.Equal(protocol.ReplyBody{Key: protocol.KeyClientBind, Code: protocol.CodeOK, Timestamp: 1700000000000}, reply)

	s.Equal(1, s.publisher.count())
	s.Equal([]int{1}, s.publisher.managedAtPublish)
}

func (s *ProcessorSuite) TestDuplicateBindAbsorbed() {
	sess, conn := sessiontest.NewSession(s.T(), "c1")

	s.Require().NoError(s.processor.Handle(context.Background(), sess, bindBody("u1", model.ChannelAndroid, "d1")))
	conn.NextPacket(s.T(), waitTimeout)

	s.Require().NoError(s.processor.Handle(context.Background(), sess, bindBody("u2", model.ChannelIOS, "d2")))
	s.Equal("u1", sess.Binding().UID)
	s.Equal(1, s.store.Count())
	s.Equal(1, s.publisher.count())
	s.Len(conn.Frames(), 1)
}

func (s *ProcessorSuite) TestRegistryRejectAbsorbed() {
	p := NewProcessor("node-1", racingRegistry{s.registry}, s.store, s.publisher)
	sess, conn := sessiontest.NewSession(s.T(), "c1")

	s.Require().NoError(p.Handle(context.Background(), sess, bindBody("u1", model.ChannelAndroid, "d1")))
	s.NotNil(sess.Binding())
	s.Empty(conn.Frames())
	s.Equal(0, s.publisher.count())
}

func (s *ProcessorSuite) TestMissingUID() {
	sess, conn := sessiontest.NewSession(s.T(), "c1")

	err := s.processor.Handle(context.Background(), sess, bindBody("", model.ChannelAndroid, "d1"))
	s.True(errors.Is(err, merr.ErrParameterMissing))
	s.Nil(sess.Binding())
	s.False(s.registry.IsManaged(sess))
	s.Empty(conn.Frames())
	s.Equal(0, s.publisher.count())
}

func (s *ProcessorSuite) TestPersistFailure() {
	p := NewProcessor("node-1", s.registry, failingStore{}, s.publisher)
	sess, conn := sessiontest.NewSession(s.T(), "c1")

	err := p.Handle(context.Background(), sess, bindBody("u1", model.ChannelAndroid, "d1"))
	s.True(errors.Is(err, merr.ErrSessionPersistFailed))
	s.True(merr.IsRetryableErr(err))
	s.Nil(sess.Binding())
	s.False(s.registry.IsManaged(sess))
	s.Empty(conn.Frames())
	s.Equal(0, s.publisher.count())
}

func (s *ProcessorSuite) TestPublishFailureStillBinds() {
	s.publisher.err = merr.WrapErrEventPublishFailed("memory", errors.New("broker down"))
	sess, conn := sessiontest.NewSession(s.T(), "c1")

	s.Require().NoError(s.processor.Handle(context.Background(), sess, bindBody("u1", model.ChannelAndroid, "d1")))
	s.True(s.registry.IsManaged(sess))
	s.Equal(protocol.DataTypeReply, conn.NextPacket(s.T(), waitTimeout).Type)
}

func (s *ProcessorSuite) TestUnknownChannelCarried() {
	sess, _ := sessiontest.NewSession(s.T(), "c1")
	s.Require().NoError(s.processor.Handle(context.Background(), sess, bindBody("u1", "tv", "d1")))
	s.Equal(model.Channel("tv"), sess.Binding().Channel)
	s.True(s.registry.IsManaged(sess))
}

func TestProcessor(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

// TestBindConflictFlow 串联 Processor、Dispatcher 与 Resolver，验证本地绑定触发的冲突处理。
func TestBindConflictFlow(t *testing.T) {
	reg := registry.New()
	resolver := conflict.NewResolver(conflict.DefaultPolicy(), reg)
	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	dispatcher := eventbus.NewDispatcher("node-1", bus, func(ctx context.Context, s *model.Session) {
		resolver.OnBindEvent(ctx, s)
	}, 2)
	defer dispatcher.Close()

	p := NewProcessor("node-1", reg, store.NewMemoryStore(), dispatcher)

	android, androidConn := sessiontest.NewSession(t, "c1")
	require.NoError(t, p.Handle(context.Background(), android, bindBody("u1", model.ChannelAndroid, "d1")))
	assert.Equal(t, protocol.DataTypeReply, androidConn.NextPacket(t, waitTimeout).Type)

	web, _ := sessiontest.NewSession(t, "c2")
	require.NoError(t, p.Handle(context.Background(), web, bindBody("u1", model.ChannelWeb, "browser")))

	ios, iosConn := sessiontest.NewSession(t, "c3")
	require.NoError(t, p.Handle(context.Background(), ios, bindBody("u1", model.ChannelIOS, "d2")))
	assert.Equal(t, protocol.DataTypeReply, iosConn.NextPacket(t, waitTimeout).Type)

	pkt := androidConn.NextPacket(t, waitTimeout)
	require.Equal(t, protocol.DataTypeMessage, pkt.Type)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(pkt.Payload, &msg))
	assert.Equal(t, protocol.ActionForceOffline, msg.Action)
	assert.Equal(t, "u1", msg.Receiver)

	sessiontest.WaitClosed(t, android, waitTimeout)
	assert.False(t, ios.Closed())
	assert.False(t, web.Closed())
}
