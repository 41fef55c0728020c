// Package etf reads and writes the external term format used on the
// distribution link. Only the subset of terms that the worker exchanges
// with its parent node is supported.
package etf

import "errors"

const (
	VersionTag = 131

	tagNewFloat       = 70
	tagBitBinary      = 77
	tagNewPid         = 88
	tagNewerReference = 90
	tagSmallInteger   = 97
	tagInteger        = 98
	tagFloat          = 99
	tagAtom           = 100
	tagReference      = 101
	tagPid            = 103
	tagSmallTuple     = 104
	tagLargeTuple     = 105
	tagNil            = 106
	tagString         = 107
	tagList           = 108
	tagBinary         = 109
	tagSmallBig       = 110
	tagLargeBig       = 111
	tagNewReference   = 114
	tagSmallAtom      = 115
	tagMap            = 116
	tagAtomUTF8       = 118
	tagSmallAtomUTF8  = 119
)

var (
	ErrUnsupportedTag = errors.New("unsupported term tag")
	ErrTruncated      = errors.New("truncated term")
	ErrBadVersion     = errors.New("missing version byte")
)

// Term is any value this package can decode or encode:
// Atom, Tuple, List, Charlist, Binary, Map, Pid, Ref, int64, *big.Int,
// float64, float32, int, uint8 and bool.
type Term = any

type Atom string

type Tuple []Term

// List is a proper list. The empty list decodes as a nil List.
type List []Term

// Charlist is a list of bytes that travels as STRING_EXT.
type Charlist string

// Binary may alias the buffer it was decoded from.
type Binary []byte

type MapEntry struct {
	Key   Term
	Value Term
}

// Map keeps the wire order of its entries.
type Map []MapEntry

// Get returns the value stored under an atom key.
func (m Map) Get(key Atom) (Term, bool) {
	for _, e := range m {
		if k, ok := e.Key.(Atom); ok && k == key {
			return e.Value, true
		}
	}
	return nil, false
}

type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

type Ref struct {
	Node     Atom
	Creation uint32
	ID       []uint32
}

// Equal reports whether two references denote the same value.
func (r Ref) Equal(o Ref) bool {
	if r.Node != o.Node || r.Creation != o.Creation || len(r.ID) != len(o.ID) {
		return false
	}
	for i := range r.ID {
		if r.ID[i] != o.ID[i] {
			return false
		}
	}
	return true
}
