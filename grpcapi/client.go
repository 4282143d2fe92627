package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Client calls a remote assistant service.
type Client struct {
	conn *grpc.ClientConn
	owns bool
}

// Dial connects to target without transport security.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, owns: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client opened it.
func (c *Client) Close() error {
	if !c.owns {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.Trailer(&trailer)); err != nil {
		return nil, fromStatus(err, trailer)
	}
	return out, nil
}

// ProcessTurn runs one turn on the server.
func (c *Client) ProcessTurn(ctx context.Context, in core.TurnInput) (*core.TurnResult, error) {
	out, err := c.invoke(ctx, "ProcessTurn", map[string]interface{}{
		"user_input":      in.UserInput,
		"conversation_id": in.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	return turnResultFrom(out), nil
}

// InsertMemory stores a memory and returns its id.
func (c *Client) InsertMemory(ctx context.Context, req memory.InsertRequest) (string, error) {
	fields := map[string]interface{}{
		"content":  req.Content,
		"type":     string(req.Type),
		"metadata": stringMap(req.Metadata),
	}
	if req.Importance != nil {
		fields["importance"] = *req.Importance
	}
	out, err := c.invoke(ctx, "InsertMemory", fields)
	if err != nil {
		return "", err
	}
	return stringField(out, "id"), nil
}

// SearchMemory returns the nearest memories to query.
func (c *Client) SearchMemory(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.Match, error) {
	fields := map[string]interface{}{
		"query":          query,
		"k":              opts.K,
		"min_importance": opts.MinImportance,
	}
	if opts.Type != "" {
		fields["type"] = string(opts.Type)
	}
	out, err := c.invoke(ctx, "SearchMemory", fields)
	if err != nil {
		return nil, err
	}

	values := out.GetFields()["results"].GetListValue().GetValues()
	matches := make([]memory.Match, 0, len(values))
	for _, v := range values {
		item := v.GetStructValue()
		similarity, _ := numberField(item, "similarity")
		matches = append(matches, memory.Match{Record: recordFrom(item), Similarity: similarity})
	}
	return matches, nil
}

// GetStats returns store statistics.
func (c *Client) GetStats(ctx context.Context) (*memory.Stats, error) {
	out, err := c.invoke(ctx, "GetStats", nil)
	if err != nil {
		return nil, err
	}
	return statsFrom(out), nil
}

// GetMemory fetches one memory by id.
func (c *Client) GetMemory(ctx context.Context, id string) (*memory.Record, error) {
	out, err := c.invoke(ctx, "GetMemory", map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	return recordFrom(out), nil
}

// DeleteMemory removes one memory by id.
func (c *Client) DeleteMemory(ctx context.Context, id string) error {
	_, err := c.invoke(ctx, "DeleteMemory", map[string]interface{}{"id": id})
	return err
}

// fromStatus restores the core error class of a failed call so callers can
// use errors.Is and core.Kind on remote errors.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var kind string
	if v := trailer.Get(kindTrailer); len(v) > 0 {
		kind = v[0]
	}
	if sentinel := sentinelFor(kind); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, st.Message())
	}
	return err
}

func sentinelFor(kind string) error {
	switch kind {
	case core.KindValidation:
		return core.ErrValidation
	case core.KindGeneration:
		return core.ErrGeneration
	case core.KindMemoryRetrieval:
		return core.ErrMemoryRetrieval
	case core.KindEmbeddingFailure:
		return core.ErrEmbeddingFailure
	case core.KindStoreUnavailable:
		return core.ErrStoreUnavailable
	case core.KindNotFound:
		return core.ErrNotFound
	case core.KindTimeout:
		return context.DeadlineExceeded
	default:
		return nil
	}
}
