// Package wire packs a frame list into a single transport payload. Brokers
// carry one opaque payload per message, so the frames of an accounting or
// control message travel inside it.
package wire

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/qz267/smockron/internal/runtime/errors"
	"github.com/qz267/smockron/internal/runtime/jsoncodec"
	"github.com/qz267/smockron/internal/runtime/protocol"
)

const (
	// CodecProto encodes frames as a protobuf ListValue of strings.
	CodecProto = "proto"
	// CodecJSON encodes frames as a JSON array of strings.
	CodecJSON = "json"

	// DefaultCodec is used when no codec is configured.
	DefaultCodec = CodecProto
)

// Codec converts between frames and a transport payload.
type Codec interface {
	Name() string
	Encode(frames protocol.Frames) ([]byte, error)
	Decode(payload []byte) (protocol.Frames, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = map[string]Codec{
		CodecProto: ProtoCodec{},
		CodecJSON:  JSONCodec{},
	}
)

// Register makes a codec available under its name.
func Register(c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[c.Name()] = c
}

// Lookup returns the codec registered under name. An empty name selects the
// default codec.
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = DefaultCodec
	}
	codecsMu.RLock()
	c, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownCodec, name, Names())
	}
	return c, nil
}

// Names lists registered codec names in sorted order.
func Names() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProtoCodec stores each frame as a string value of a structpb.ListValue.
// Frames that are not valid UTF-8 cannot be encoded and fail to decode.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return CodecProto }

func (ProtoCodec) Encode(frames protocol.Frames) ([]byte, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(frames))}
	for i, frame := range frames {
		list.Values[i] = structpb.NewStringValue(string(frame))
	}
	payload, err := proto.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("wire: encode proto frames: %w", err)
	}
	return payload, nil
}

func (ProtoCodec) Decode(payload []byte) (protocol.Frames, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrFrameNotText, err)
	}
	frames := make(protocol.Frames, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: frame %d has kind %T", errspkg.ErrFrameNotText, i, v.GetKind())
		}
		frames[i] = []byte(s.StringValue)
	}
	return frames, nil
}

// JSONCodec stores frames as a JSON array of strings.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Encode(frames protocol.Frames) ([]byte, error) {
	payload, err := jsoncodec.Marshal(frames.Strings())
	if err != nil {
		return nil, fmt.Errorf("wire: encode json frames: %w", err)
	}
	return payload, nil
}

func (JSONCodec) Decode(payload []byte) (protocol.Frames, error) {
	var values []string
	if err := jsoncodec.Unmarshal(payload, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", errspkg.ErrFrameNotText, err)
	}
	return protocol.TextFrames(values...), nil
}
