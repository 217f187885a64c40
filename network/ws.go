package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	relay "github.com/llehouerou/go-graphql-relay"
	"github.com/llehouerou/go-graphql-relay/pkg/logging"
	"github.com/llehouerou/go-graphql-relay/types"
)

// Subprotocol is the websocket subprotocol spoken by WSClient.
const Subprotocol = "graphql-ws"

// Message types of the graphql-ws protocol.
const (
	GQLConnectionInit      = "connection_init"
	GQLConnectionAck       = "connection_ack"
	GQLConnectionError     = "connection_error"
	GQLConnectionKeepAlive = "ka"
	GQLConnectionTerminate = "connection_terminate"
	GQLStart               = "start"
	GQLData                = "data"
	GQLError               = "error"
	GQLComplete            = "complete"
	GQLStop                = "stop"
)

// OperationMessage is a graphql-ws protocol message.
type OperationMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (m OperationMessage) String() string {
	return fmt.Sprintf("%s %s %s", m.Type, m.ID, m.Payload)
}

// ErrConnectionRejected is returned when the server answers connection_init
// with connection_error.
var ErrConnectionRejected = errors.New("network: connection rejected")

// WSClient executes operations over a graphql-ws websocket. Every execution
// uses its own connection; its payloads are delivered as a stream that ends
// when the server completes the operation. It implements relay.Executor.
//
// Like Client, the With* methods return a new WSClient.
type WSClient struct {
	url              string
	header           http.Header
	connectionParams map[string]any
	timeout          time.Duration
	logger           zerolog.Logger
}

// NewWSClient creates a client for the websocket endpoint url.
func NewWSClient(url string) *WSClient {
	return &WSClient{
		url:     url,
		timeout: 10 * time.Second,
		logger:  logging.NewLogger("network"),
	}
}

var _ relay.Executor = (*WSClient)(nil)

func (c *WSClient) clone() *WSClient {
	clone := *c
	return &clone
}

// WithHeader returns a new WSClient sending header with the handshake.
func (c *WSClient) WithHeader(header http.Header) *WSClient {
	clone := c.clone()
	clone.header = header.Clone()
	return clone
}

// WithConnectionParams returns a new WSClient sending params as the payload
// of connection_init.
func (c *WSClient) WithConnectionParams(params map[string]any) *WSClient {
	clone := c.clone()
	clone.connectionParams = params
	return clone
}

// WithTimeout returns a new WSClient bounding the handshake and the wait for
// connection_ack.
func (c *WSClient) WithTimeout(timeout time.Duration) *WSClient {
	clone := c.clone()
	clone.timeout = timeout
	return clone
}

// WithLogger returns a new WSClient logging to logger.
func (c *WSClient) WithLogger(logger zerolog.Logger) *WSClient {
	clone := c.clone()
	clone.logger = logger
	return clone
}

// Execute implements relay.Executor. Unsubscribing sends stop and closes
// the connection.
func (c *WSClient) Execute(ctx context.Context, op relay.OperationDescriptor) relay.Observable {
	return relay.NewObservable(func(sink relay.Sink) func() {
		ctx, cancel := context.WithCancel(ctx)
		go c.run(ctx, uuid.NewString(), op, sink)
		return cancel
	})
}

func (c *WSClient) run(ctx context.Context, id string, op relay.OperationDescriptor, sink relay.Sink) {
	log := c.logger.With().Str("id", id).Str("operation", op.Request.Key()).Logger()

	conn, err := c.connect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sink.Error(types.NewErrors(types.ErrRequestError, err))
		}
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	payload, err := json.Marshal(map[string]any{
		"query":         op.Request.Text,
		"variables":     op.Variables,
		"operationName": op.Request.Name,
	})
	if err != nil {
		sink.Error(types.NewErrors(types.ErrJsonEncode, err))
		return
	}
	if err := wsjson.Write(ctx, conn, OperationMessage{ID: id, Type: GQLStart, Payload: payload}); err != nil {
		if ctx.Err() == nil {
			sink.Error(types.NewErrors(types.ErrRequestError, err))
		}
		return
	}
	log.Debug().Msg("operation started")

	for {
		var msg OperationMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				c.stop(conn, id)
				log.Debug().Msg("operation stopped")
				return
			}
			sink.Error(types.NewErrors(types.ErrRequestError, err))
			return
		}
		if msg.ID != "" && msg.ID != id {
			continue
		}

		switch msg.Type {
		case GQLData:
			var resp relay.Response
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				sink.Error(types.NewErrors(types.ErrJsonDecode, err))
				return
			}
			resp.HasNext = true
			sink.Next(&resp)
		case GQLError:
			sink.Error(decodeErrorPayload(msg.Payload))
			return
		case GQLComplete:
			log.Debug().Msg("operation completed")
			sink.Complete()
			return
		case GQLConnectionKeepAlive:
		default:
			log.Debug().Str("type", msg.Type).Msg("unexpected message")
		}
	}
}

// connect dials the endpoint and runs the connection_init handshake.
func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader:   c.header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	// Servers decode the init payload as an object, so an absent one is sent
	// as {}.
	init := OperationMessage{Type: GQLConnectionInit, Payload: json.RawMessage(`{}`)}
	if c.connectionParams != nil {
		if init.Payload, err = json.Marshal(c.connectionParams); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "")
			return nil, err
		}
	}
	if err := wsjson.Write(ctx, conn, init); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send %s: %w", GQLConnectionInit, err)
	}

	for {
		var msg OperationMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "")
			return nil, fmt.Errorf("wait for %s: %w", GQLConnectionAck, err)
		}
		switch msg.Type {
		case GQLConnectionAck:
			return conn, nil
		case GQLConnectionError:
			_ = conn.Close(websocket.StatusPolicyViolation, "")
			return nil, fmt.Errorf("%w: %s", ErrConnectionRejected, msg.Payload)
		}
	}
}

func (c *WSClient) stop(conn *websocket.Conn, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, conn, OperationMessage{ID: id, Type: GQLStop})
	_ = wsjson.Write(ctx, conn, OperationMessage{Type: GQLConnectionTerminate})
}

// decodeErrorPayload reads the payload of an error message, which is either
// a list of errors or a single one.
func decodeErrorPayload(payload json.RawMessage) types.Errors {
	var errs types.Errors
	if err := json.Unmarshal(payload, &errs); err == nil && len(errs) > 0 {
		return errs
	}
	var single types.Error
	if err := json.Unmarshal(payload, &single); err == nil && single.Message != "" {
		return types.Errors{single}
	}
	return types.NewErrors(types.ErrGraphQLDecode, fmt.Errorf("invalid error payload: %s", payload))
}
