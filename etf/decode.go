package etf

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Decode reads one versioned term from the start of data and reports how
// many bytes it consumed. Binaries in the result alias data.
func Decode(data []byte) (Term, int, error) {
	if len(data) == 0 || data[0] != VersionTag {
		return nil, 0, ErrBadVersion
	}
	d := &decoder{buf: data, pos: 1}
	t, err := d.term()
	if err != nil {
		return nil, 0, err
	}
	return t, d.pos, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, ErrTruncated
	}
	b := d.buf[d.pos : d.pos+n : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// capacity bounds a declared element count by what the buffer can hold,
// since every element needs at least one byte.
func (d *decoder) capacity(n uint32) int {
	if rest := len(d.buf) - d.pos; int64(n) > int64(rest) {
		return rest
	}
	return int(n)
}

func (d *decoder) term() (Term, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagSmallInteger:
		v, err := d.u8()
		return int64(v), err
	case tagInteger:
		v, err := d.u32()
		return int64(int32(v)), err
	case tagSmallBig:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.bigInteger(int(n))
	case tagLargeBig:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.bigInteger(int(n))
	case tagNewFloat:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case tagFloat:
		b, err := d.take(31)
		if err != nil {
			return nil, err
		}
		s := strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("float %q: %w", s, err)
		}
		return v, nil
	case tagAtom, tagAtomUTF8:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		return Atom(b), err
	case tagSmallAtom, tagSmallAtomUTF8:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		return Atom(b), err
	case tagSmallTuple:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.tuple(uint32(n))
	case tagLargeTuple:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.tuple(n)
	case tagNil:
		return List(nil), nil
	case tagString:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		return Charlist(b), err
	case tagList:
		return d.list()
	case tagBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		return Binary(b), err
	case tagBitBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		bits, err := d.u8()
		if err != nil {
			return nil, err
		}
		b, err := d.take(int(n))
		if err != nil {
			return nil, err
		}
		if bits != 8 && n > 0 {
			return nil, fmt.Errorf("%w: bitstring with %d trailing bits", ErrUnsupportedTag, bits)
		}
		return Binary(b), nil
	case tagMap:
		return d.mapping()
	case tagPid, tagNewPid:
		return d.pid(tag)
	case tagReference:
		node, err := d.atom()
		if err != nil {
			return nil, err
		}
		id, err := d.u32()
		if err != nil {
			return nil, err
		}
		creation, err := d.u8()
		return Ref{Node: node, Creation: uint32(creation), ID: []uint32{id}}, err
	case tagNewReference, tagNewerReference:
		return d.reference(tag)
	}

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedTag, tag)
}

func (d *decoder) atom() (Atom, error) {
	t, err := d.term()
	if err != nil {
		return "", err
	}
	a, ok := t.(Atom)
	if !ok {
		return "", fmt.Errorf("expected atom, got %T", t)
	}
	return a, nil
}

func (d *decoder) tuple(n uint32) (Tuple, error) {
	out := make(Tuple, 0, d.capacity(n))
	for i := uint32(0); i < n; i++ {
		t, err := d.term()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (d *decoder) list() (List, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make(List, 0, d.capacity(n))
	for i := uint32(0); i < n; i++ {
		t, err := d.term()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	tail, err := d.term()
	if err != nil {
		return nil, err
	}
	if l, ok := tail.(List); !ok || len(l) != 0 {
		return nil, fmt.Errorf("%w: improper list", ErrUnsupportedTag)
	}
	return out, nil
}

func (d *decoder) mapping() (Map, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	out := make(Map, 0, d.capacity(n))
	for i := uint32(0); i < n; i++ {
		k, err := d.term()
		if err != nil {
			return nil, err
		}
		v, err := d.term()
		if err != nil {
			return nil, err
		}
		out = append(out, MapEntry{Key: k, Value: v})
	}
	return out, nil
}

func (d *decoder) pid(tag uint8) (Pid, error) {
	node, err := d.atom()
	if err != nil {
		return Pid{}, err
	}
	id, err := d.u32()
	if err != nil {
		return Pid{}, err
	}
	serial, err := d.u32()
	if err != nil {
		return Pid{}, err
	}
	var creation uint32
	if tag == tagNewPid {
		creation, err = d.u32()
	} else {
		var c uint8
		c, err = d.u8()
		creation = uint32(c)
	}
	return Pid{Node: node, ID: id, Serial: serial, Creation: creation}, err
}

func (d *decoder) reference(tag uint8) (Ref, error) {
	n, err := d.u16()
	if err != nil {
		return Ref{}, err
	}
	node, err := d.atom()
	if err != nil {
		return Ref{}, err
	}
	var creation uint32
	if tag == tagNewerReference {
		creation, err = d.u32()
	} else {
		var c uint8
		c, err = d.u8()
		creation = uint32(c)
	}
	if err != nil {
		return Ref{}, err
	}
	ids := make([]uint32, n)
	for i := range ids {
		if ids[i], err = d.u32(); err != nil {
			return Ref{}, err
		}
	}
	return Ref{Node: node, Creation: creation, ID: ids}, nil
}

func (d *decoder) bigInteger(n int) (Term, error) {
	sign, err := d.u8()
	if err != nil {
		return nil, err
	}
	digits, err := d.take(n)
	if err != nil {
		return nil, err
	}
	be := make([]byte, n)
	for i, b := range digits {
		be[n-1-i] = b
	}
	v := new(big.Int).SetBytes(be)
	if sign != 0 {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v, nil
}
