package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"athena/internal/adapter/broker/memory"
	"athena/internal/domain"
	"athena/internal/infra/config"
	"athena/internal/usecase/bridge"
)

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]config.TokenConfig{
		{Token: "test-token", Name: "tester", Roles: []string{"admin"}},
		{Token: "viewer-token", Name: "watcher", Roles: []string{"viewer"}},
		{Token: "client-token", Name: "app", Roles: []string{"client"}},
		{Token: "operator-token", Name: "ops", Roles: []string{"operator"}},
	})
}

func startTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(newTestAuth(), "127.0.0.1:0", slog.Default(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		// Wait for server to bind.
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		if err := srv.Start(ctx); err != nil {
			// Only log; the test may have cancelled context already.
			_ = err
		}
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() {
		srv.Stop(context.Background())
	})

	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, req Frame) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var resp Frame
		if err := wsjson.Read(ctx, ws, &resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		if resp.Type == FrameTypeResponse && resp.ID == req.ID {
			return resp
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t)

	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, token := range []string{"bad-token", ""} {
		_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token="+token, nil)
		if err == nil {
			t.Fatalf("expected auth rejection for %q", token)
		}
	}
}

func TestServerRPCRoundtrip(t *testing.T) {
	srv := startTestServer(t)

	// Register a simple echo handler.
	srv.RegisterHandler("echo", func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := roundTrip(t, ws, Frame{
		Type:    FrameTypeRequest,
		ID:      1,
		Method:  "echo",
		Payload: json.RawMessage(`{"msg":"hello"}`),
	})

	if resp.Error != "" {
		t.Errorf("error = %q", resp.Error)
	}
	if string(resp.Payload) != `{"msg":"hello"}` {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestServerInjectsRolesAndCaller(t *testing.T) {
	srv := startTestServer(t)

	var mu sync.Mutex
	var gotRoles []domain.AuthRole
	srv.RegisterHandler("whoami", func(ctx context.Context, c *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		gotRoles = domain.RolesFromContext(ctx)
		mu.Unlock()
		return json.Marshal(c.Name)
	})

	ws := dialWS(t, srv.BoundAddr(), "viewer-token")
	resp := roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 3, Method: "whoami"})
	if string(resp.Payload) != `"watcher"` {
		t.Errorf("payload = %s", resp.Payload)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(gotRoles) != 1 || gotRoles[0] != domain.AuthRoleViewer {
		t.Errorf("roles = %v", gotRoles)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 2, Method: "nonexistent"})

	if resp.Error == "" {
		t.Error("expected error for unknown method")
	}
	if resp.Code != "rpc_method_not_found" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerHandlerError(t *testing.T) {
	srv := startTestServer(t)

	srv.RegisterHandler("fail", func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return nil, domain.NewDomainError("fail", domain.ErrNotAllowed, "tool \"x\"")
	})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 1, Method: "fail"})

	if resp.Error == "" {
		t.Error("expected error in response")
	}
	if resp.Code != "not_allowed" {
		t.Errorf("code = %q, want not_allowed", resp.Code)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t)

	srv.RegisterHandler("ping", func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ws := dialWS(t, srv.BoundAddr(), "test-token")

			ctx := context.Background()
			req := Frame{Type: FrameTypeRequest, ID: uint64(id), Method: "ping"}
			if err := wsjson.Write(ctx, ws, req); err != nil {
				return
			}
			var resp Frame
			wsjson.Read(ctx, ws, &resp)
		}(i)
	}
	wg.Wait()
}

func TestServerSubscribeForwardsRunEvents(t *testing.T) {
	bus := memory.New(nil)
	t.Cleanup(bus.Close)
	srv := startTestServer(t, WithEvents(bridge.NewPump(bus, 10*time.Millisecond, nil)))

	ws := dialWS(t, srv.BoundAddr(), "viewer-token")
	resp := roundTrip(t, ws, Frame{
		Type:    FrameTypeRequest,
		ID:      7,
		Method:  MethodSubscribe,
		Payload: json.RawMessage(`{"run_id":"r-1"}`),
	})
	if resp.Error != "" {
		t.Fatalf("subscribe error = %q", resp.Error)
	}

	bus.Publish(context.Background(), "r-1", domain.EventAssistant, map[string]any{"text": "hi"})
	bus.Publish(context.Background(), "r-2", domain.EventAssistant, map[string]any{"text": "other run"})
	bus.Publish(context.Background(), "r-1", domain.EventRunCompleted, map[string]any{"status": "ok"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var events []EventPayload
	for len(events) < 2 {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if frame.Type != FrameTypeEvent {
			continue
		}
		var ev EventPayload
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, ev)
	}

	if events[0].Event != "assistant" || string(events[0].Data) != `{"text":"hi"}` {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Event != "run_completed" || events[1].RunID != "r-1" {
		t.Errorf("second event = %+v", events[1])
	}

	// The subscription ends with the run and its queue is released.
	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(domain.RoutingKey("r-1")) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after run_completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerSubscribeRequiresEvents(t *testing.T) {
	srv := startTestServer(t)

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := roundTrip(t, ws, Frame{
		Type:    FrameTypeRequest,
		ID:      8,
		Method:  MethodSubscribe,
		Payload: json.RawMessage(`{"run_id":"r-1"}`),
	})
	if resp.Code != "rpc_method_not_found" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerSubscribeValidation(t *testing.T) {
	bus := memory.New(nil)
	t.Cleanup(bus.Close)
	srv := startTestServer(t, WithEvents(bridge.NewPump(bus, 10*time.Millisecond, nil)))

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp := roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 9, Method: MethodSubscribe, Payload: json.RawMessage(`{}`)})
	if resp.Code != "rpc_invalid_payload" {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestServerDisconnectReleasesSubscription(t *testing.T) {
	bus := memory.New(nil)
	t.Cleanup(bus.Close)
	srv := startTestServer(t, WithEvents(bridge.NewPump(bus, 10*time.Millisecond, nil)))

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 1, Method: MethodSubscribe, Payload: json.RawMessage(`{"run_id":"r-5"}`)})
	if n := bus.Subscribers(domain.RoutingKey("r-5")); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers(domain.RoutingKey("r-5")) != 0 || srv.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("disconnect did not release the subscription")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Publishing after the client left must not panic.
	bus.Publish(context.Background(), "r-5", domain.EventAssistant, map[string]any{"text": "late"})
}
