package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"athena/internal/domain"
	"athena/internal/usecase/rpc"
)

// MethodSubscribe streams a run's events to the calling connection as event
// frames until the run completes or the client disconnects.
const MethodSubscribe = "runs.subscribe"

// Dispatcher is the RPC surface served over the gateway.
type Dispatcher interface {
	Call(ctx context.Context, method string, params json.RawMessage) (any, error)
	Methods() []rpc.Method
}

// RegisterRPC registers one handler per method of d. Authorization happens
// inside d using the roles dispatchRPC attaches to ctx.
func RegisterRPC(s *Server, d Dispatcher) {
	for _, m := range d.Methods() {
		method := m.Name
		s.RegisterHandler(method, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
			out, err := d.Call(ctx, method, payload)
			if err != nil {
				return nil, err
			}
			return json.Marshal(out)
		})
	}
}

// Methods lists the registered method names, runs.subscribe included when
// events are enabled.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	names := make([]string, 0, len(s.handlers)+1)
	for name := range s.handlers {
		names = append(names, name)
	}
	s.handlersMu.RUnlock()
	if s.pump != nil {
		names = append(names, MethodSubscribe)
	}
	sort.Strings(names)
	return names
}

var errRunFinished = errors.New("run finished")

func (s *Server) subscribe(ctx context.Context, cc *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	if s.pump == nil {
		return nil, domain.NewDomainError("gateway.subscribe", domain.ErrRPCMethodNotFound, MethodSubscribe)
	}
	if !domain.HasPermission(domain.RolesFromContext(ctx), domain.PermRunStatus) {
		return nil, domain.NewDomainError("gateway.subscribe", domain.ErrForbidden, string(domain.PermRunStatus))
	}
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.RunID == "" {
		return nil, domain.NewDomainError("gateway.subscribe", domain.ErrRPCInvalidPayload, "run_id required")
	}

	sub, err := s.pump.Open(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	go func() {
		err := s.pump.Run(ctx, sub, &frameSink{cc: cc, runID: p.RunID})
		if err != nil && !errors.Is(err, errRunFinished) {
			s.logger.Warn("gateway subscription ended", "conn_id", cc.id, "run_id", p.RunID, "error", err)
		}
	}()
	return json.Marshal(map[string]any{"subscribed": true, "run_id": p.RunID})
}

// frameSink forwards run events to one connection as event frames.
type frameSink struct {
	cc    *clientConn
	runID string
}

func (f *frameSink) Event(_ context.Context, ev *domain.RunEvent) error {
	body, err := json.Marshal(EventPayload{RunID: f.runID, Event: string(ev.Event), Data: ev.Data})
	if err != nil {
		return err
	}
	if !f.cc.send(Frame{Type: FrameTypeEvent, Payload: body}) {
		return errors.New("client not receiving")
	}
	if ev.Event == domain.EventRunCompleted || ev.Event == domain.EventRunError {
		return errRunFinished
	}
	return nil
}

func (f *frameSink) Heartbeat(context.Context) error {
	select {
	case <-f.cc.done:
		return errors.New("client disconnected")
	default:
		return nil
	}
}
