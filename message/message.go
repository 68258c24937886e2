// Package message defines the frames exchanged between two peers.
//
// A Frame is one protocol message. Call and Exec travel from caller to callee;
// Return, Throw, AsyncPending, Resolve and Reject travel back. EndCall and
// EndServe announce the end of either direction.
package message

import "fmt"

// Kind discriminates a Frame. Kind values are the frame tags on the wire.
type Kind byte

const (
	KindCall         Kind = 0x01 // Args; expects a response
	KindExec         Kind = 0x02 // Args; no response
	KindReturn       Kind = 0x03 // Value; completes the oldest outstanding call
	KindThrow        Kind = 0x04 // Value; fails the oldest outstanding call
	KindAsyncPending Kind = 0x05 // ID; oldest outstanding call completes later
	KindResolve      Kind = 0x06 // ID, Value
	KindReject       Kind = 0x07 // ID, Value
	KindEndCall      Kind = 0x08 // sender issues no more Call/Exec
	KindEndServe     Kind = 0x09 // sender issues no more responses to new calls
)

var kindNames = map[Kind]string{
	KindCall:         "Call",
	KindExec:         "Exec",
	KindReturn:       "Return",
	KindThrow:        "Throw",
	KindAsyncPending: "AsyncPending",
	KindResolve:      "Resolve",
	KindReject:       "Reject",
	KindEndCall:      "EndCall",
	KindEndServe:     "EndServe",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(0x%02x)", byte(k))
}

// Valid reports whether k is a known frame kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ToCallee reports whether frames of kind k are consumed by the callee side.
func (k Kind) ToCallee() bool {
	return k == KindCall || k == KindExec || k == KindEndCall
}

// Frame carries one protocol message. Only the fields named by Kind are used:
//
//   - Call, Exec: Args
//   - Return, Throw: Value
//   - AsyncPending: ID
//   - Resolve, Reject: ID and Value
type Frame struct {
	Kind  Kind
	Args  []any
	Value any
	ID    uint64
}

func Call(args ...any) *Frame { return &Frame{Kind: KindCall, Args: args} }
func Exec(args ...any) *Frame { return &Frame{Kind: KindExec, Args: args} }
func Return(v any) *Frame { return &Frame{Kind: KindReturn, Value: v} }
func Throw(v any) *Frame { return &Frame{Kind: KindThrow, Value: v} }
func AsyncPending(id uint64) *Frame { return &Frame{Kind: KindAsyncPending, ID: id} }
func Resolve(id uint64, v any) *Frame { return &Frame{Kind: KindResolve, ID: id, Value: v} }
func Reject(id uint64, v any) *Frame { return &Frame{Kind: KindReject, ID: id, Value: v} }
func EndCall() *Frame { return &Frame{Kind: KindEndCall} }
func EndServe() *Frame { return &Frame{Kind: KindEndServe} }

func (f *Frame) String() string {
	switch f.Kind {
	case KindCall, KindExec:
		return fmt.Sprintf("%s%v", f.Kind, f.Args)
	case KindReturn, KindThrow:
		return fmt.Sprintf("%s{%v}", f.Kind, f.Value)
	case KindAsyncPending:
		return fmt.Sprintf("%s{%d}", f.Kind, f.ID)
	case KindResolve, KindReject:
		return fmt.Sprintf("%s{%d, %v}", f.Kind, f.ID, f.Value)
	default:
		return f.Kind.String()
	}
}
