package dispatcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/dispatcher"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/ledger"
	"github.com/nfrund/parley/internal/middleware"
	"github.com/nfrund/parley/internal/moderation"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/roster"
)

// mockPubSub implements pubsub.Publisher and records everything published.
type mockPubSub struct {
	mu       sync.RWMutex
	messages map[string][]pubsub.Message
}

func newMockPubSub() *mockPubSub {
	return &mockPubSub{messages: make(map[string][]pubsub.Message)}
}

func (m *mockPubSub) Publish(ctx context.Context, msg pubsub.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.Topic] = append(m.messages[msg.Topic], msg)
	return nil
}

func (m *mockPubSub) Close() error { return nil }

func (m *mockPubSub) getMessages(topic string) []pubsub.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := make([]pubsub.Message, len(m.messages[topic]))
	copy(msgs, m.messages[topic])
	return msgs
}

// fakeLedger is an in-memory Appender that records append order.
type fakeLedger struct {
	mu       sync.Mutex
	appended []domain.Message
	err      error
}

func (f *fakeLedger) Append(ctx context.Context, c ledger.Candidate) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	msg := domain.Message{
		ID:          fmt.Sprintf("m%04d", len(f.appended)+1),
		Kind:        c.Kind,
		Sender:      c.Sender,
		Counterpart: c.Counterpart,
		Room:        c.Room,
		Body:        c.Body,
		CreatedAt:   time.Now().UTC(),
	}
	f.appended = append(f.appended, msg)
	return &msg, nil
}

func (f *fakeLedger) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.appended))
	for i, m := range f.appended {
		ids[i] = m.ID
	}
	return ids
}

type testFixture struct {
	bridge  *dispatcher.Bridge
	ps      *mockPubSub
	store   *fakeLedger
	members *roster.StaticMembership
	server  *httptest.Server
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	ps := newMockPubSub()
	store := &fakeLedger{}
	members := roster.NewStaticMembership()
	typing := presence.NewTypingTracker()
	t.Cleanup(typing.Shutdown)

	bridge := dispatcher.NewBridge(moderation.New(), store, members, typing, ps)
	go bridge.Run()

	e := echo.New()
	e.GET("/ws", bridge.Handler(), middleware.Principal())
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return &testFixture{bridge: bridge, ps: ps, store: store, members: members, server: server}
}

func connectAs(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.Dial(context.Background(), wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{middleware.PrincipalHeader: []string{userID}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test complete")
	})
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

type wireEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev wireEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func readMessage(t *testing.T, conn *websocket.Conn) dispatcher.MessagePayload {
	t.Helper()
	ev := readEvent(t, conn)
	require.Equal(t, dispatcher.EventMessage, ev.Event)
	var payload dispatcher.MessagePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	return payload
}

func TestDirectSendEchoesTempIDToSenderOnly(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")
	bob := connectAs(t, fixture.server, "bob")

	sendFrame(t, alice, dispatcher.Envelope{
		Action:       dispatcher.ActionSendDirect,
		Counterpart:  "bob",
		Text:         "see you at the trailhead",
		ClientTempID: "temp-1",
	})

	echo := readMessage(t, alice)
	assert.Equal(t, "temp-1", echo.ClientTempID, "sender's copy carries the temp ID")
	assert.Equal(t, "alice", echo.Sender)
	assert.NotEmpty(t, echo.ID, "echo carries the canonical server ID")

	delivered := readMessage(t, bob)
	assert.Empty(t, delivered.ClientTempID, "recipient never sees the temp ID")
	assert.Equal(t, echo.ID, delivered.ID)
	assert.Equal(t, "see you at the trailhead", delivered.Body)

	require.Eventually(t, func() bool {
		return len(fixture.ps.getMessages(dispatcher.TopicMessageAccepted)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSenderSecondDeviceGetsCanonicalCopy(t *testing.T) {
	fixture := setupTestFixture(t)
	phone := connectAs(t, fixture.server, "alice")
	laptop := connectAs(t, fixture.server, "alice")
	connectAs(t, fixture.server, "bob")

	sendFrame(t, phone, dispatcher.Envelope{
		Action:       dispatcher.ActionSendDirect,
		Counterpart:  "bob",
		Text:         "on my way",
		ClientTempID: "temp-7",
	})

	echo := readMessage(t, phone)
	assert.Equal(t, "temp-7", echo.ClientTempID)

	other := readMessage(t, laptop)
	assert.Empty(t, other.ClientTempID, "only the originating channel gets the echo")
	assert.Equal(t, echo.ID, other.ID)
}

func TestModerationRejectionReachesSenderOnly(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")
	bob := connectAs(t, fixture.server, "bob")

	sendFrame(t, alice, dispatcher.Envelope{
		Action:       dispatcher.ActionSendDirect,
		Counterpart:  "bob",
		Text:         "totally legit crypto giveaway",
		ClientTempID: "temp-2",
	})

	ev := readEvent(t, alice)
	require.Equal(t, dispatcher.EventError, ev.Event)
	var rejection dispatcher.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, "temp-2", rejection.ClientTempID)
	assert.Equal(t, domain.ReasonModeration, rejection.Reason)

	assert.Empty(t, fixture.store.order(), "rejected messages never reach the ledger")

	// Bob's next frame is the clean follow-up, proving the rejection was
	// never fanned out.
	sendFrame(t, alice, dispatcher.Envelope{
		Action:      dispatcher.ActionSendDirect,
		Counterpart: "bob",
		Text:        "scratch that, normal message",
	})
	delivered := readMessage(t, bob)
	assert.Equal(t, "scratch that, normal message", delivered.Body)
}

func TestEmptyBodyRejected(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")

	sendFrame(t, alice, dispatcher.Envelope{
		Action:       dispatcher.ActionSendDirect,
		Counterpart:  "bob",
		Text:         "   \n\t ",
		ClientTempID: "temp-3",
	})

	ev := readEvent(t, alice)
	require.Equal(t, dispatcher.EventError, ev.Event)
	var rejection dispatcher.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, domain.ReasonEmpty, rejection.Reason)
	assert.Empty(t, fixture.store.order())
}

func TestGroupSendRequiresMembership(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.members.Add("e1", "Sunday Ride", "alice", "bob")

	carol := connectAs(t, fixture.server, "carol")
	sendFrame(t, carol, dispatcher.Envelope{
		Action:       dispatcher.ActionSendGroup,
		Room:         "event:e1",
		Text:         "let me in",
		ClientTempID: "temp-4",
	})

	ev := readEvent(t, carol)
	require.Equal(t, dispatcher.EventError, ev.Event)
	var rejection dispatcher.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, domain.ReasonForbidden, rejection.Reason)
	assert.Equal(t, "temp-4", rejection.ClientTempID)
	assert.Empty(t, fixture.store.order())
}

func TestGroupFanOutReachesJoinedMembers(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.members.Add("e1", "Sunday Ride", "alice", "bob")

	alice := connectAs(t, fixture.server, "alice")
	bob := connectAs(t, fixture.server, "bob")
	sendFrame(t, bob, dispatcher.Envelope{Action: dispatcher.ActionJoin, Room: "event:e1"})

	// Joins carry no acknowledgement; give the bridge a beat to process
	// bob's join before alice sends.
	time.Sleep(50 * time.Millisecond)

	sendFrame(t, alice, dispatcher.Envelope{
		Action:       dispatcher.ActionSendGroup,
		Room:         "event:e1",
		Text:         "rolling out at nine",
		ClientTempID: "temp-5",
	})

	echo := readMessage(t, alice)
	assert.Equal(t, "temp-5", echo.ClientTempID)
	assert.Equal(t, "event:e1", echo.Room)

	delivered := readMessage(t, bob)
	assert.Empty(t, delivered.ClientTempID)
	assert.Equal(t, "rolling out at nine", delivered.Body)
}

func TestJoinGroupRequiresMembership(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.members.Add("e1", "Sunday Ride", "alice")

	carol := connectAs(t, fixture.server, "carol")
	sendFrame(t, carol, dispatcher.Envelope{Action: dispatcher.ActionJoin, Room: "event:e1"})

	ev := readEvent(t, carol)
	require.Equal(t, dispatcher.EventError, ev.Event)
	var rejection dispatcher.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, domain.ReasonForbidden, rejection.Reason)
}

func TestRoomDeliveryOrderMatchesLedgerOrder(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.members.Add("e1", "Sunday Ride", "alice", "bob", "carol")

	alice := connectAs(t, fixture.server, "alice")
	bob := connectAs(t, fixture.server, "bob")
	carol := connectAs(t, fixture.server, "carol")
	sendFrame(t, carol, dispatcher.Envelope{Action: dispatcher.ActionJoin, Room: "event:e1"})
	time.Sleep(50 * time.Millisecond)

	const perSender = 10
	var wg sync.WaitGroup
	for _, conn := range []*websocket.Conn{alice, bob} {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				data, _ := json.Marshal(dispatcher.Envelope{
					Action: dispatcher.ActionSendGroup,
					Room:   "event:e1",
					Text:   fmt.Sprintf("message %d", i),
				})
				assert.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
			}
		}(conn)
	}
	wg.Wait()

	received := make([]string, 0, 2*perSender)
	for i := 0; i < 2*perSender; i++ {
		received = append(received, readMessage(t, carol).ID)
	}

	assert.Equal(t, fixture.store.order(), received,
		"every observer sees messages in the order the ledger accepted them")
}

func TestTypingRelayExcludesOriginator(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")
	bob := connectAs(t, fixture.server, "bob")

	room := domain.DirectRoom("alice", "bob")
	sendFrame(t, alice, dispatcher.Envelope{Action: dispatcher.ActionTyping, Room: room, IsTyping: true})

	ev := readEvent(t, bob)
	require.Equal(t, dispatcher.EventTyping, ev.Event)
	var typing dispatcher.TypingPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &typing))
	assert.Equal(t, "alice", typing.User)
	assert.True(t, typing.IsTyping)
	assert.Equal(t, []string{"alice"}, typing.Active)

	// Alice never sees her own indicator: her next frame is a real message.
	sendFrame(t, bob, dispatcher.Envelope{Action: dispatcher.ActionSendDirect, Counterpart: "alice", Text: "hi"})
	delivered := readMessage(t, alice)
	assert.Equal(t, "hi", delivered.Body)
}

func TestPersistenceFailureSurfacesToSender(t *testing.T) {
	fixture := setupTestFixture(t)
	fixture.store.err = fmt.Errorf("storage down")

	alice := connectAs(t, fixture.server, "alice")
	sendFrame(t, alice, dispatcher.Envelope{
		Action:       dispatcher.ActionSendDirect,
		Counterpart:  "bob",
		Text:         "did this make it",
		ClientTempID: "temp-6",
	})

	ev := readEvent(t, alice)
	require.Equal(t, dispatcher.EventError, ev.Event)
	var rejection dispatcher.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, "temp-6", rejection.ClientTempID)
	assert.Equal(t, domain.ReasonPersistence, rejection.Reason)
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")
	connectAs(t, fixture.server, "bob")

	require.NoError(t, alice.Write(context.Background(), websocket.MessageText, []byte(`{not json`)))

	ev := readEvent(t, alice)
	require.Equal(t, dispatcher.EventError, ev.Event)
	var rejection dispatcher.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &rejection))
	assert.Equal(t, domain.ReasonValidation, rejection.Reason)

	sendFrame(t, alice, dispatcher.Envelope{Action: dispatcher.ActionSendDirect, Counterpart: "bob", Text: "still here"})
	echo := readMessage(t, alice)
	assert.Equal(t, "still here", echo.Body)
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	fixture := setupTestFixture(t)
	wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(context.Background(), wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestFanOutSurvivesChurningRecipient(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")

	// Bob's channels come and go while alice keeps sending, so fan-out
	// keeps addressing channels that are mid-teardown.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "/ws"
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn, _, err := websocket.Dial(context.Background(), wsURL, &websocket.DialOptions{
				HTTPHeader: http.Header{middleware.PrincipalHeader: []string{"bob"}},
			})
			if err != nil {
				continue
			}
			conn.Close(websocket.StatusNormalClosure, "churn")
		}
	}()

	const bursts = 200
	for i := 0; i < bursts; i++ {
		sendFrame(t, alice, dispatcher.Envelope{
			Action:      dispatcher.ActionSendDirect,
			Counterpart: "bob",
			Text:        fmt.Sprintf("burst %d", i),
		})
	}
	close(stop)
	wg.Wait()

	// Every echo arriving proves the bridge survived the churn: a single
	// enqueue onto a closing channel would have taken the process down.
	for i := 0; i < bursts; i++ {
		readMessage(t, alice)
	}
	assert.Len(t, fixture.store.order(), bursts)
}

func TestDisconnectAnnouncedOnBus(t *testing.T) {
	fixture := setupTestFixture(t)
	alice := connectAs(t, fixture.server, "alice")

	require.Eventually(t, func() bool {
		return len(fixture.ps.getMessages(dispatcher.TopicClientConnected)) == 1
	}, time.Second, 10*time.Millisecond)

	alice.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool {
		msgs := fixture.ps.getMessages(dispatcher.TopicClientDisconnected)
		if len(msgs) != 1 {
			return false
		}
		var event struct {
			UserID string `json:"userID"`
		}
		return json.Unmarshal(msgs[0].Payload, &event) == nil && event.UserID == "alice"
	}, time.Second, 10*time.Millisecond)
}
