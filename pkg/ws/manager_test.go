package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/broker"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
)

// stubStarter records generation requests and returns a scripted response id.
type stubStarter struct {
	mu         sync.Mutex
	requests   []StartGenerationRequest
	responseID string
	startErr   error
	stopped    []string
	stopResult bool
}

func (s *stubStarter) StartGeneration(_ context.Context, req StartGenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.responseID, s.startErr
}

func (s *stubStarter) StopGeneration(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, chatID)
	return s.stopResult
}

func (s *stubStarter) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type managerFixture struct {
	manager *Manager
	broker  *broker.Memory
	state   *MemoryState
	starter *stubStarter
	server  *httptest.Server
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		broker:  broker.NewMemory(),
		state:   NewMemoryState(),
		starter: &stubStarter{responseID: "resp-1", stopResult: true},
	}
	f.manager = NewManager(f.broker, f.state, 5*time.Second)
	f.manager.SetStarter(f.starter)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		f.manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *managerFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, data any) {
	t.Helper()
	frame, err := NewFrame(frameType, data)
	require.NoError(t, err)
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

func TestPingPong(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.dial(t)

	writeFrame(t, conn, FrameTypePing, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, FrameTypePong, frame.Type)
	assert.False(t, frame.Timestamp.IsZero())
}

func TestInitializeStartsGenerationAndStreamsEvents(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.dial(t)

	writeFrame(t, conn, FrameTypeInitialize, InitializeRequest{
		ChatID:  "chat-1",
		Content: "what's the weather?",
	})

	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeConnectionEstablished, frame.Type)
	var established map[string]string
	require.NoError(t, json.Unmarshal(frame.Data, &established))
	assert.Equal(t, "resp-1", established["response_id"])

	// The content shorthand became a single text part.
	f.starter.mu.Lock()
	require.Len(t, f.starter.requests, 1)
	req := f.starter.requests[0]
	f.starter.mu.Unlock()
	assert.Equal(t, "chat-1", req.ChatID)
	require.Len(t, req.Parts, 1)
	assert.Equal(t, models.PartKindText, req.Parts[0].PartKind)
	assert.Equal(t, "what's the weather?", req.Parts[0].Content)

	// Session state: chat routing and the generation marker.
	connID, err := f.state.ChatConnection(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.NotEmpty(t, connID)
	gen, err := f.state.ActiveGeneration(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "resp-1", gen)

	// A broker frame for the response reaches the client as an event frame
	// without the internal routing flags.
	e := events.NewContentEvent("resp-1", "Sunny, 24°C")
	e.Sequence = 0
	payload, err := events.Encode(e)
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(context.Background(), events.ResponseChannel("resp-1"), payload))

	frame = readFrame(t, conn)
	require.Equal(t, FrameTypeEvent, frame.Type)
	var event map[string]any
	require.NoError(t, json.Unmarshal(frame.Data, &event))
	assert.Equal(t, "content", event["__event_type__"])
	assert.Equal(t, "Sunny, 24°C", event["content"])
	assert.NotContains(t, event, "emit")
	assert.NotContains(t, event, "persist")
}

func TestInitializeRequiresChatID(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.dial(t)

	writeFrame(t, conn, FrameTypeInitialize, InitializeRequest{Content: "hi"})

	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeError, frame.Type)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(frame.Data, &errData))
	assert.Equal(t, "validation_error", errData.ErrorType)
	assert.Equal(t, 0, f.starter.requestCount())
}

func TestInitializeReportsStartFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.starter.startErr = errors.New("model backend down")
	conn := f.dial(t)

	writeFrame(t, conn, FrameTypeInitialize, InitializeRequest{ChatID: "chat-1", Content: "hi"})

	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeError, frame.Type)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(frame.Data, &errData))
	assert.Equal(t, "agent_error", errData.ErrorType)
}

func TestInterrupt(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.dial(t)

	require.NoError(t, f.state.TrackGeneration(context.Background(), "chat-1", "resp-1"))
	writeFrame(t, conn, FrameTypeInterrupt, InterruptRequest{ChatID: "chat-1"})

	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeStatus, frame.Type)
	var status map[string]string
	require.NoError(t, json.Unmarshal(frame.Data, &status))
	assert.Equal(t, "interrupted", status["status"])
	assert.Equal(t, "chat-1", status["chat_id"])

	f.starter.mu.Lock()
	assert.Equal(t, []string{"chat-1"}, f.starter.stopped)
	f.starter.mu.Unlock()

	gen, err := f.state.ActiveGeneration(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Empty(t, gen, "interrupt clears the generation marker")
}

func TestInterruptWithoutActiveGeneration(t *testing.T) {
	f := newManagerFixture(t)
	f.starter.stopResult = false
	conn := f.dial(t)

	writeFrame(t, conn, FrameTypeInterrupt, InterruptRequest{ChatID: "chat-1"})

	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeStatus, frame.Type)
	var status map[string]string
	require.NoError(t, json.Unmarshal(frame.Data, &status))
	assert.Equal(t, "no_active_generation", status["status"])
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.dial(t)

	writeFrame(t, conn, "levitate", nil)

	frame := readFrame(t, conn)
	require.Equal(t, FrameTypeError, frame.Type)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(frame.Data, &errData))
	assert.Equal(t, "validation_error", errData.ErrorType)
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.dial(t)

	writeFrame(t, conn, FrameTypeInitialize, InitializeRequest{ChatID: "chat-1", Content: "hi"})
	_ = readFrame(t, conn) // connection_established

	require.Eventually(t, func() bool { return f.manager.ActiveConnections() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool { return f.manager.ActiveConnections() == 0 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.manager.subscriberCount("resp-1") == 0 },
		2*time.Second, 10*time.Millisecond)

	connID, err := f.state.ChatConnection(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Empty(t, connID, "chat mapping is removed on disconnect")
}

// collectingSubscriber gathers frames delivered to one subscriber.
type collectingSubscriber struct {
	mu     sync.Mutex
	frames []string
	fail   bool
}

func (c *collectingSubscriber) subscriber() *Subscriber {
	return NewSubscriber(func(frameType string, data any) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.fail {
			return errors.New("client gone")
		}
		raw, _ := json.Marshal(map[string]any{"type": frameType, "data": data})
		c.frames = append(c.frames, string(raw))
		return nil
	})
}

func (c *collectingSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collectingSubscriber) first() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return ""
	}
	return c.frames[0]
}

func (c *collectingSubscriber) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return ""
	}
	return c.frames[len(c.frames)-1]
}

func TestLateSubscriberReceivesCatchUp(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	early := &collectingSubscriber{}
	earlySub := early.subscriber()
	require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", earlySub))
	t.Cleanup(func() { f.manager.UnsubscribeFromResponse(ctx, "resp-1", earlySub) })

	f.manager.SendEventToResponseClients("resp-1", events.NewContentEvent("resp-1", "already "))
	f.manager.SendEventToResponseClients("resp-1", events.NewContentEvent("resp-1", "streamed"))

	late := &collectingSubscriber{}
	lateSub := late.subscriber()
	require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", lateSub))
	t.Cleanup(func() { f.manager.UnsubscribeFromResponse(ctx, "resp-1", lateSub) })

	// connection_established plus the catch-up status frame.
	require.Equal(t, 2, late.count())
	assert.Contains(t, late.last(), "catch_up")
	assert.Contains(t, late.last(), "already streamed")
}

func TestSubscribeAcknowledgesBeforeFirstEvent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	anchor := &collectingSubscriber{}
	anchorSub := anchor.subscriber()
	require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", anchorSub))
	t.Cleanup(func() { f.manager.UnsubscribeFromResponse(ctx, "resp-1", anchorSub) })

	// Flood the broker channel while subscribers join mid-stream.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			e := events.NewContentEvent("resp-1", "x")
			e.Sequence = int64(i)
			payload, err := events.Encode(e)
			if err != nil {
				return
			}
			_ = f.broker.Publish(context.Background(), events.ResponseChannel("resp-1"), payload)
		}
	}()

	for i := 0; i < 5; i++ {
		late := &collectingSubscriber{}
		lateSub := late.subscriber()
		require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", lateSub))
		require.Eventually(t, func() bool { return late.count() > 0 },
			2*time.Second, time.Millisecond)
		assert.Contains(t, late.first(), FrameTypeConnectionEstablished,
			"the acknowledgment precedes any event frame")
		f.manager.UnsubscribeFromResponse(ctx, "resp-1", lateSub)
	}

	close(stop)
	wg.Wait()
}

func TestFailingSubscriberIsDroppedWithoutAffectingPeers(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	healthy := &collectingSubscriber{}
	healthySub := healthy.subscriber()
	broken := &collectingSubscriber{}
	brokenSub := broken.subscriber()

	require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", healthySub))
	t.Cleanup(func() { f.manager.UnsubscribeFromResponse(ctx, "resp-1", healthySub) })
	require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", brokenSub))
	require.Equal(t, 2, f.manager.subscriberCount("resp-1"))

	broken.mu.Lock()
	broken.fail = true
	broken.mu.Unlock()

	before := healthy.count()
	f.manager.SendEventToResponseClients("resp-1", events.NewContentEvent("resp-1", "still flowing"))

	assert.Equal(t, before+1, healthy.count(), "healthy subscriber keeps receiving")
	require.Eventually(t, func() bool { return f.manager.subscriberCount("resp-1") == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeLastSubscriberClosesListener(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	c := &collectingSubscriber{}
	sub := c.subscriber()
	require.NoError(t, f.manager.SubscribeToResponse(ctx, "resp-1", sub))
	require.Equal(t, 1, f.manager.subscriberCount("resp-1"))

	f.manager.UnsubscribeFromResponse(ctx, "resp-1", sub)
	assert.Equal(t, 0, f.manager.subscriberCount("resp-1"))

	// Publishing after teardown reaches nobody and does not panic.
	f.manager.SendEventToResponseClients("resp-1", events.NewContentEvent("resp-1", "into the void"))
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	f := newManagerFixture(t)
	_ = f.dial(t)
	_ = f.dial(t)

	require.Eventually(t, func() bool { return f.manager.ActiveConnections() == 2 },
		2*time.Second, 10*time.Millisecond)

	f.manager.Shutdown(context.Background())
	assert.Equal(t, 0, f.manager.ActiveConnections())
}
