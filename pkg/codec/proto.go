package codec

import (
	"io"
	"net/http"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Indirection points for tests.
var (
	protoMarshal   = proto.Marshal
	protoUnmarshal = proto.Unmarshal
)

// ProtoCodec is a codec that uses Protocol Buffers for marshaling and
// unmarshaling. T and U must be pointer types implementing proto.Message.
type ProtoCodec[T proto.Message, U proto.Message] struct{}

// NewProtoCodec creates a new ProtoCodec instance for the specified types.
func NewProtoCodec[T proto.Message, U proto.Message]() *ProtoCodec[T, U] {
	return &ProtoCodec[T, U]{}
}

// newMessage allocates a fresh message for pointer type T.
func newMessage[T proto.Message]() T {
	var zero T
	return reflect.New(reflect.TypeOf(zero).Elem()).Interface().(T)
}

// Decode decodes the request body into a freshly allocated message of type T.
func (c *ProtoCodec[T, U]) Decode(r *http.Request) (T, error) {
	var zero T
	msg := newMessage[T]()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return zero, err
	}
	defer r.Body.Close()

	if err := protoUnmarshal(body, msg); err != nil {
		return zero, err
	}
	return msg, nil
}

// Encode marshals resp to the Protocol Buffers wire format and writes it to
// the response with the appropriate content type.
func (c *ProtoCodec[T, U]) Encode(w http.ResponseWriter, resp U) error {
	body, err := protoMarshal(resp)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	_, err = w.Write(body)
	return err
}
