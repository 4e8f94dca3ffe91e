// Package codec talks to the Python training service over gRPC. Messages
// are google.protobuf.Struct values so the Go side needs no generated
// stubs; float matrices travel as base64 little-endian float32 blobs.
package codec

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/al-controller/internal/alerr"
	"github.com/danielpatrickdp/al-controller/internal/artifact"
	"github.com/danielpatrickdp/al-controller/internal/iteration"
)

// ServiceName is the fully-qualified gRPC service the backend exposes.
const ServiceName = "timevis.v1.Backend"

// #region client-struct

// CodecClient wraps the gRPC connection to the Python training service. It
// implements the data provider, projector, trainer and inference
// collaborators.
type CodecClient struct {
	conn     *grpc.ClientConn
	cc       grpc.ClientConnInterface
	trainNum atomic.Int64
}

// #endregion client-struct

// #region constructor

// NewCodecClient connects to the training service. Call Describe before
// TrainNum.
func NewCodecClient(addr string) (*CodecClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &CodecClient{conn: conn, cc: conn}, nil
}

// NewCodecClientWithConn creates a CodecClient over an injected connection.
// Used for testing without a real gRPC server.
func NewCodecClientWithConn(cc grpc.ClientConnInterface) *CodecClient {
	return &CodecClient{cc: cc}
}

// #endregion constructor

// #region close

// Close shuts down the gRPC connection.
func (c *CodecClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region invoke

func (c *CodecClient) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, fmt.Errorf("%s rpc: %w", method, err)
	}
	return out, nil
}

func intsToList(ids []int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func listInts(s *structpb.Struct, field string) ([]int, error) {
	v, ok := s.GetFields()[field]
	if !ok {
		return nil, fmt.Errorf("response missing %q", field)
	}
	vals := v.GetListValue().GetValues()
	out := make([]int, len(vals))
	for i, x := range vals {
		out[i] = int(x.GetNumberValue())
	}
	return out, nil
}

func listFloats(s *structpb.Struct, field string) ([]float64, error) {
	v, ok := s.GetFields()[field]
	if !ok {
		return nil, fmt.Errorf("response missing %q", field)
	}
	vals := v.GetListValue().GetValues()
	out := make([]float64, len(vals))
	for i, x := range vals {
		out[i] = x.GetNumberValue()
	}
	return out, nil
}

// matrix decodes a base64 float32 blob with the given row width.
func matrix(s *structpb.Struct, field string, width int) ([]float32, int, error) {
	v, ok := s.GetFields()[field]
	if !ok {
		return nil, 0, fmt.Errorf("response missing %q", field)
	}
	raw, err := base64.StdEncoding.DecodeString(v.GetStringValue())
	if err != nil {
		return nil, 0, fmt.Errorf("decode %q: %w", field, err)
	}
	flat, err := artifact.DecodeFloat32s(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %q: %w", field, err)
	}
	if width <= 0 || len(flat)%width != 0 {
		return nil, 0, alerr.New(alerr.ErrConfiguration, "codec", -1, "%q holds %d floats, not a multiple of width %d", field, len(flat), width)
	}
	return flat, len(flat) / width, nil
}

// #endregion invoke

// #region describe

// Describe fetches training-set metadata and caches the example count.
func (c *CodecClient) Describe(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, "Describe", map[string]any{})
	if err != nil {
		return 0, err
	}
	n := int(resp.GetFields()["train_num"].GetNumberValue())
	if n <= 0 {
		return 0, alerr.New(alerr.ErrConfiguration, "describe", -1, "backend reports %d training examples", n)
	}
	c.trainNum.Store(int64(n))
	return n, nil
}

// TrainNum returns the example count cached by Describe.
func (c *CodecClient) TrainNum() int { return int(c.trainNum.Load()) }

// #endregion describe

// #region data

// TrainLabels returns the label of every training example.
func (c *CodecClient) TrainLabels(ctx context.Context, iter int) ([]int, error) {
	resp, err := c.call(ctx, "TrainLabels", map[string]any{"iteration": iter})
	if err != nil {
		return nil, err
	}
	return listInts(resp, "labels")
}

// TrainRepresentation returns per-example features at an epoch.
func (c *CodecClient) TrainRepresentation(ctx context.Context, iter, epoch int) ([][]float32, error) {
	resp, err := c.call(ctx, "TrainRepresentation", map[string]any{"iteration": iter, "epoch": epoch})
	if err != nil {
		return nil, err
	}
	dim := int(resp.GetFields()["dim"].GetNumberValue())
	flat, rows, err := matrix(resp, "representation", dim)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, rows)
	for i := range out {
		out[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return out, nil
}

// #endregion data

// #region project

// Project maps representations to 2-D points with the iteration's
// visualization model.
func (c *CodecClient) Project(ctx context.Context, iter, epoch int, reps [][]float32) ([][2]float32, error) {
	dim := 0
	if len(reps) > 0 {
		dim = len(reps[0])
	}
	flat := make([]float32, 0, len(reps)*dim)
	for i, r := range reps {
		if len(r) != dim {
			return nil, alerr.New(alerr.ErrInvalidArgument, "project", iter, "row %d has width %d, want %d", i, len(r), dim)
		}
		flat = append(flat, r...)
	}
	resp, err := c.call(ctx, "Project", map[string]any{
		"iteration":      iter,
		"epoch":          epoch,
		"dim":            dim,
		"representation": base64.StdEncoding.EncodeToString(artifact.EncodeFloat32s(flat)),
	})
	if err != nil {
		return nil, err
	}
	pts, rows, err := matrix(resp, "points", 2)
	if err != nil {
		return nil, err
	}
	if rows != len(reps) {
		return nil, alerr.New(alerr.ErrConfiguration, "project", iter, "backend projected %d of %d examples", rows, len(reps))
	}
	out := make([][2]float32, rows)
	for i := range out {
		out[i] = [2]float32{pts[2*i], pts[2*i+1]}
	}
	return out, nil
}

// #endregion project

// #region train

// Train fine-tunes base on the labeled ids and returns the new checkpoint
// written by the backend.
func (c *CodecClient) Train(ctx context.Context, base iteration.Checkpoint, labeled []int) (iteration.Checkpoint, error) {
	resp, err := c.call(ctx, "Train", map[string]any{
		"base_checkpoint": base.Path,
		"labeled":         intsToList(labeled),
	})
	if err != nil {
		return iteration.Checkpoint{}, err
	}
	path := resp.GetFields()["checkpoint"].GetStringValue()
	if path == "" {
		return iteration.Checkpoint{}, fmt.Errorf("train rpc: response missing checkpoint path")
	}
	return iteration.Checkpoint{Path: path}, nil
}

// #endregion train

// #region confidence

// Confidence returns the model's top-class probability for each id.
func (c *CodecClient) Confidence(ctx context.Context, iter int, ids []int) ([]float64, error) {
	resp, err := c.call(ctx, "Confidence", map[string]any{"iteration": iter, "ids": intsToList(ids)})
	if err != nil {
		return nil, err
	}
	conf, err := listFloats(resp, "confidence")
	if err != nil {
		return nil, err
	}
	if len(conf) != len(ids) {
		return nil, alerr.New(alerr.ErrConfiguration, "confidence", iter, "backend scored %d of %d ids", len(conf), len(ids))
	}
	return conf, nil
}

// #endregion confidence
