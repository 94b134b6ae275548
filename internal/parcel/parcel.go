// Package parcel is a structured payload codec for transactions:
// key/value fields serialized with sonic, plus markers that tie fields
// to the transaction's object table so capabilities travel by name.
package parcel

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/CapBus/internal/ipc"
	"github.com/GriffinCanCode/CapBus/internal/registry"
	"github.com/GriffinCanCode/CapBus/internal/wire"
)

// Object markers. A field holding {"$ref": i} names the i-th attached
// reference as the receiver sees it; {"$node": i} names the i-th local
// node handed back to its owner.
const (
	refMarker  = "$ref"
	nodeMarker = "$node"
)

// Writer assembles one parcel: payload fields plus attachments.
type Writer struct {
	fields map[string]any
	atts   []ipc.Attachment
	refIdx int
	nodes  int
}

// NewWriter creates an empty parcel.
func NewWriter() *Writer {
	return &Writer{fields: make(map[string]any)}
}

// PutString sets a string field.
func (w *Writer) PutString(key, val string) *Writer {
	w.fields[key] = val
	return w
}

// PutInt sets an integer field.
func (w *Writer) PutInt(key string, val int64) *Writer {
	w.fields[key] = val
	return w
}

// PutBool sets a boolean field.
func (w *Writer) PutBool(key string, val bool) *Writer {
	w.fields[key] = val
	return w
}

// PutStrings sets a list-of-strings field.
func (w *Writer) PutStrings(key string, vals []string) *Writer {
	w.fields[key] = vals
	return w
}

// PutBytes sets a binary field, carried base64-encoded.
func (w *Writer) PutBytes(key string, val []byte) *Writer {
	w.fields[key] = base64.StdEncoding.EncodeToString(val)
	return w
}

// PutNode attaches a local node under the given key. The receiver
// imports it and finds the reference with Reader.Ref.
func (w *Writer) PutNode(key string, node wire.NodeID) *Writer {
	w.fields[key] = map[string]any{refMarker: w.refIdx}
	w.atts = append(w.atts, ipc.Attachment{Offset: uint32(len(w.atts)), Node: node})
	w.refIdx++
	return w
}

// PutRef attaches a held reference under the given key, handing it back
// to its owner. The owner resolves it with Reader.Node.
func (w *Writer) PutRef(key string, ref *registry.Ref) *Writer {
	w.fields[key] = map[string]any{nodeMarker: w.nodes}
	w.atts = append(w.atts, ipc.Attachment{Offset: uint32(len(w.atts)), Ref: ref})
	w.nodes++
	return w
}

// Build serializes the parcel into a payload and its attachment list.
func (w *Writer) Build() ([]byte, []ipc.Attachment, error) {
	payload, err := sonic.Marshal(w.fields)
	if err != nil {
		return nil, nil, fmt.Errorf("parcel: encode: %w", err)
	}
	return payload, w.atts, nil
}

// Reader decodes a parcel on the receiving side, resolving object
// markers against the imported object table.
type Reader struct {
	fields map[string]any
	refs   []*registry.Ref
	nodes  []wire.NodeID
}

// ReadCall decodes an inbound call's payload.
func ReadCall(call *ipc.Call) (*Reader, error) {
	return read(call.Payload, call.Refs, call.Nodes)
}

// ReadReply decodes a reply's payload.
func ReadReply(reply *ipc.Reply) (*Reader, error) {
	return read(reply.Payload, reply.Refs, reply.Nodes)
}

func read(payload []byte, refs []*registry.Ref, nodes []wire.NodeID) (*Reader, error) {
	r := &Reader{refs: refs, nodes: nodes, fields: make(map[string]any)}
	if len(payload) == 0 {
		return r, nil
	}
	if err := sonic.Unmarshal(payload, &r.fields); err != nil {
		return nil, fmt.Errorf("parcel: decode: %w", err)
	}
	return r, nil
}

// String reads a string field.
func (r *Reader) String(key string) (string, bool) {
	s, ok := r.fields[key].(string)
	return s, ok
}

// Int reads an integer field.
func (r *Reader) Int(key string) (int64, bool) {
	switch v := r.fields[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// Strings reads a list-of-strings field.
func (r *Reader) Strings(key string) ([]string, bool) {
	raw, ok := r.fields[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Bool reads a boolean field.
func (r *Reader) Bool(key string) (bool, bool) {
	b, ok := r.fields[key].(bool)
	return b, ok
}

// Bytes reads a binary field.
func (r *Reader) Bytes(key string) ([]byte, bool) {
	s, ok := r.fields[key].(string)
	if !ok {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Ref resolves a field written with PutNode to the imported reference.
func (r *Reader) Ref(key string) (*registry.Ref, bool) {
	i, ok := r.marker(key, refMarker)
	if !ok || i < 0 || i >= len(r.refs) {
		return nil, false
	}
	return r.refs[i], true
}

// Node resolves a field written with PutRef back to the local node it
// names.
func (r *Reader) Node(key string) (wire.NodeID, bool) {
	i, ok := r.marker(key, nodeMarker)
	if !ok || i < 0 || i >= len(r.nodes) {
		return 0, false
	}
	return r.nodes[i], true
}

func (r *Reader) marker(key, kind string) (int, bool) {
	m, ok := r.fields[key].(map[string]any)
	if !ok {
		return 0, false
	}
	idx, ok := m[kind].(float64)
	if !ok {
		return 0, false
	}
	return int(idx), true
}
