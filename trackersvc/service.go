// Package trackersvc exposes a tracker.Database over a bidirectional gRPC
// stream using a JSON wire codec, so the streaming speaker tracker can run
// as a long-lived sidecar process reachable over a unix socket or Windows
// named pipe instead of only as an in-process library.
package trackersvc

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"diarization/tracker"
)

// jsonCodec lets the Control service speak JSON over gRPC's framing instead
// of protobuf, so Request/Response stay plain Go structs with no codegen.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Request is one operation sent to the tracker service over the stream.
type Request struct {
	Op                     string    `json:"op"`
	Embedding              []float32 `json:"embedding,omitempty"`
	DurationS              float64   `json:"durationS,omitempty"`
	Threshold              float64   `json:"threshold,omitempty"`
	SpeakerID              string    `json:"speakerId,omitempty"`
	SourceID               string    `json:"sourceId,omitempty"`
	DestID                 string    `json:"destId,omitempty"`
	Name                   string    `json:"name,omitempty"`
	StopIfPermanent        bool      `json:"stopIfPermanent,omitempty"`
	KeepIfPermanent        bool      `json:"keepIfPermanent,omitempty"`
	ExcludeIfBothPermanent bool      `json:"excludeIfBothPermanent,omitempty"`
	InactiveSinceUnixS     int64     `json:"inactiveSinceUnixS,omitempty"`
}

// Response carries one operation's result back to the caller.
type Response struct {
	Speaker      *tracker.Speaker   `json:"speaker,omitempty"`
	Speakers     []tracker.Speaker  `json:"speakers,omitempty"`
	Matches      []tracker.Match    `json:"matches,omitempty"`
	MergePairs   []tracker.MergeablePair `json:"mergePairs,omitempty"`
	RemovedCount int                `json:"removedCount,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// ControlServer is the bidirectional-stream service contract, analogous to
// the teacher's WebSocket control channel.
type ControlServer interface {
	Stream(Control_StreamServer) error
}

type Control_StreamServer interface {
	Send(*Response) error
	Recv() (*Request, error)
	grpc.ServerStream
}

type controlStreamServer struct {
	grpc.ServerStream
}

func (x *controlStreamServer) Send(m *Response) error {
	return x.ServerStream.SendMsg(m)
}

func (x *controlStreamServer) Recv() (*Request, error) {
	m := new(Request)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func controlStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ControlServer).Stream(&controlStreamServer{stream})
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "diarization.Tracker",
	HandlerType: (*ControlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       controlStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "trackersvc/control.proto",
}

// RegisterControlServer attaches the tracker control service to s.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// Service adapts a tracker.Database to ControlServer: each inbound Request
// is applied to the database and the result streamed back as a Response.
type Service struct {
	DB *tracker.Database
}

// NewService wraps db for gRPC exposure.
func NewService(db *tracker.Database) *Service {
	return &Service{DB: db}
}

func (s *Service) Stream(stream Control_StreamServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return nil
		}
		resp := s.handle(req)
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func (s *Service) handle(req *Request) *Response {
	switch req.Op {
	case "assign_speaker":
		speaker, err := s.DB.AssignSpeaker(req.Embedding, req.DurationS, req.Threshold)
		if err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{Speaker: speaker}

	case "find_speaker":
		id, dist := s.DB.FindSpeaker(req.Embedding, req.Threshold)
		if id == "" {
			return &Response{}
		}
		speaker, _ := s.DB.Get(id)
		return &Response{Speaker: &speaker, Matches: []tracker.Match{{ID: id, Distance: dist}}}

	case "find_matching_speakers":
		return &Response{Matches: s.DB.FindMatchingSpeakers(req.Embedding, req.Threshold)}

	case "make_permanent":
		if err := s.DB.MakePermanent(req.SpeakerID); err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{}

	case "revoke_permanence":
		if err := s.DB.RevokePermanence(req.SpeakerID); err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{}

	case "merge":
		if err := s.DB.Merge(req.SourceID, req.DestID, req.Name, req.StopIfPermanent); err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{}

	case "find_mergeable_pairs":
		return &Response{MergePairs: s.DB.FindMergeablePairs(req.Threshold, req.ExcludeIfBothPermanent)}

	case "remove_speaker":
		if err := s.DB.RemoveSpeaker(req.SpeakerID, req.KeepIfPermanent); err != nil {
			return &Response{Error: err.Error()}
		}
		return &Response{}

	case "remove_inactive":
		since := time.Unix(req.InactiveSinceUnixS, 0)
		return &Response{RemovedCount: s.DB.RemoveInactive(since, req.KeepIfPermanent)}

	case "reset":
		s.DB.Reset(req.KeepIfPermanent)
		return &Response{}

	case "list":
		return &Response{Speakers: s.DB.All()}

	default:
		return &Response{Error: "trackersvc: unknown op " + req.Op}
	}
}

// Serve starts a gRPC listener for svc at addr ("" picks the platform
// default: a unix socket on Linux/macOS, a named pipe on Windows) and
// blocks until the server stops.
func Serve(addr string, svc *Service) error {
	if addr == "" {
		if runtime.GOOS == "windows" {
			addr = `npipe:\\.\pipe\diarization-tracker`
		} else {
			addr = "unix:///tmp/diarization-tracker.sock"
		}
	}

	lis, err := listenGRPC(addr)
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ForceServerCodec(jsonCodec{}),
	)
	RegisterControlServer(server, svc)

	log.Info("trackersvc listening", "addr", addr)
	return server.Serve(lis)
}

func listenGRPC(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix:"):
		socketPath := strings.TrimPrefix(addr, "unix:")
		socketPath = strings.TrimPrefix(socketPath, "//")
		if err := removeIfExists(socketPath); err != nil {
			return nil, err
		}
		return net.Listen("unix", socketPath)
	case strings.HasPrefix(addr, "npipe:"):
		pipePath := strings.TrimPrefix(addr, "npipe:")
		return listenPipe(pipePath)
	default:
		return net.Listen("tcp", addr)
	}
}

func removeIfExists(path string) error {
	if path == "" {
		return errors.New("trackersvc: empty socket path")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
