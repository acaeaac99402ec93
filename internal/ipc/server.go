package ipc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"atoll/internal/device"
	"atoll/internal/extension"
	"atoll/internal/history"
	"atoll/internal/presenter"
)

// DeviceView is the tracker surface the server reads.
type DeviceView interface {
	Records() []*device.Record
	LastConnected() *device.Record
	AnyConnected() bool
}

// ItemSource derives display items from records.
type ItemSource interface {
	Items(recs []*device.Record) []presenter.Item
}

// HistorySource answers sample queries.
type HistorySource interface {
	SamplesSince(address string, since int64) ([]history.Sample, error)
}

// Server answers one JSON request per connection on a unix socket. History
// and Broker may be nil; their operations then report unavailability.
type Server struct {
	path    string
	view    DeviceView
	items   ItemSource
	history HistorySource
	broker  *extension.Broker
	log     *slog.Logger

	ln net.Listener
}

func NewServer(path string, view DeviceView, items ItemSource, hist HistorySource, broker *extension.Broker, log *slog.Logger) *Server {
	return &Server{
		path:    path,
		view:    view,
		items:   items,
		history: hist,
		broker:  broker,
		log:     log,
	}
}

// Listen binds the socket, replacing a stale one from a previous run.
func (s *Server) Listen() error {
	os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.path, err)
	}
	os.Chmod(s.path, 0o700)
	s.ln = ln
	return nil
}

// Serve accepts connections until Close. Each connection is handled on its
// own goroutine and carries exactly one request.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("listening", "socket", s.path)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return nil
		}
		go s.handleConn(conn)
	}
}

// Close shuts the listener down and removes the socket file.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(Response{Error: "invalid request: " + err.Error()})
		return
	}

	resp := s.handleRequest(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debug("write response", "err", err)
	}
}

func (s *Server) handleRequest(req Request) Response {
	switch req.Op {
	case OpStatus:
		recs := s.view.Records()
		st := &Status{AnyConnected: s.view.AnyConnected(), DeviceCount: len(recs)}
		if last := s.view.LastConnected(); last != nil {
			st.LastConnected = last.Name
		}
		return Response{Status: st}

	case OpDevices:
		recs := s.view.Records()
		infos := make([]DeviceInfo, 0, len(recs))
		for _, rec := range recs {
			infos = append(infos, deviceInfo(rec))
		}
		return Response{Devices: infos}

	case OpItems:
		items := s.items.Items(s.view.Records())
		infos := make([]ItemInfo, 0, len(items))
		for _, it := range items {
			infos = append(infos, itemInfo(it))
		}
		return Response{Items: infos}

	case OpHistory:
		if s.history == nil {
			return Response{Error: "history disabled"}
		}
		since := time.Now().Add(-time.Duration(req.SinceSeconds) * time.Second).Unix()
		if req.SinceSeconds <= 0 {
			since = 0
		}
		samples, err := s.history.SamplesSince(req.Address, since)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Samples: samples}

	case OpActivityRegister, OpActivityUpdate, OpActivityEnd, OpActivityList,
		OpWidgetSet, OpWidgetRemove, OpWidgetList:
		if s.broker == nil {
			return Response{Error: "extensions disabled"}
		}
		return s.handleExtension(req)

	default:
		return Response{Error: fmt.Sprintf("unknown op: %q", req.Op)}
	}
}

func (s *Server) handleExtension(req Request) Response {
	switch req.Op {
	case OpActivityRegister:
		act, err := s.broker.RegisterActivity(req.Client, req.Token, req.Kind, req.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Activity: act}

	case OpActivityUpdate:
		act, err := s.broker.UpdateActivity(req.Client, req.Token, req.ID, req.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Activity: act}

	case OpActivityEnd:
		if err := s.broker.EndActivity(req.Client, req.Token, req.ID); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{}

	case OpActivityList:
		return Response{Activities: s.broker.Activities()}

	case OpWidgetSet:
		w, err := s.broker.SetWidget(req.Client, req.Token, req.Slot, req.Payload)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Widget: w}

	case OpWidgetRemove:
		if err := s.broker.RemoveWidget(req.Client, req.Token, req.Slot); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{}

	default: // OpWidgetList
		return Response{Widgets: s.broker.Widgets()}
	}
}
