package sockettransport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/srg/btsvc/internal/transport"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message keys of the wire protocol.
const (
	keyRegister   = "register"
	keyRegistered = "registered"
	keyError      = "error"
	keyID         = "id"
	keyMethod     = "method"
	keyPayload    = "payload"
	keyCancel     = "cancel"
)

// ErrFrameTooLarge is returned when a peer announces a frame above the limit.
var ErrFrameTooLarge = errors.New("frame too large")

// encode converts a message to a Struct. Values go through JSON so any
// JSON-marshalable payload (typed slices, nested maps) is accepted.
func encode(msg map[string]any) (*structpb.Struct, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

func writeFrame(w io.Writer, s *structpb.Struct) error {
	body, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader, maxFrame int) (map[string]any, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if maxFrame > 0 && int(n) > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := proto.Unmarshal(body, s); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return s.AsMap(), nil
}

func payloadOf(msg map[string]any) transport.Payload {
	if p, ok := msg[keyPayload].(map[string]any); ok {
		return p
	}
	return transport.Payload{}
}

func idOf(msg map[string]any, key string) (uint64, bool) {
	f, ok := msg[key].(float64)
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}
