package etf

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
)

// Encode returns the versioned encoding of t.
func Encode(t Term) ([]byte, error) {
	return Append(make([]byte, 0, 64), t)
}

// Append appends the versioned encoding of t to dst.
func Append(dst []byte, t Term) ([]byte, error) {
	e := encoder{buf: append(dst, VersionTag)}
	if err := e.term(t); err != nil {
		return nil, err
	}
	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) term(t Term) error {
	switch v := t.(type) {
	case Atom:
		e.atom(v)
	case bool:
		if v {
			e.atom("true")
		} else {
			e.atom("false")
		}
	case int:
		e.integer(int64(v))
	case int64:
		e.integer(v)
	case uint8:
		e.integer(int64(v))
	case uint32:
		e.integer(int64(v))
	case *big.Int:
		e.bigInteger(v)
	case float64:
		e.u8(tagNewFloat)
		e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
	case float32:
		return e.term(float64(v))
	case Tuple:
		if len(v) < 256 {
			e.u8(tagSmallTuple)
			e.u8(uint8(len(v)))
		} else {
			e.u8(tagLargeTuple)
			e.u32(uint32(len(v)))
		}
		for _, el := range v {
			if err := e.term(el); err != nil {
				return err
			}
		}
	case List:
		if len(v) > 0 {
			e.u8(tagList)
			e.u32(uint32(len(v)))
			for _, el := range v {
				if err := e.term(el); err != nil {
					return err
				}
			}
		}
		e.u8(tagNil)
	case Charlist:
		e.charlist(v)
	case Binary:
		e.u8(tagBinary)
		e.u32(uint32(len(v)))
		e.buf = append(e.buf, v...)
	case []byte:
		return e.term(Binary(v))
	case Map:
		e.u8(tagMap)
		e.u32(uint32(len(v)))
		for _, entry := range v {
			if err := e.term(entry.Key); err != nil {
				return err
			}
			if err := e.term(entry.Value); err != nil {
				return err
			}
		}
	case Pid:
		e.u8(tagNewPid)
		e.atom(v.Node)
		e.u32(v.ID)
		e.u32(v.Serial)
		e.u32(v.Creation)
	case Ref:
		e.u8(tagNewerReference)
		e.u16(uint16(len(v.ID)))
		e.atom(v.Node)
		e.u32(v.Creation)
		for _, id := range v.ID {
			e.u32(id)
		}
	default:
		return fmt.Errorf("%w: cannot encode %T", ErrUnsupportedTag, t)
	}
	return nil
}

func (e *encoder) atom(a Atom) {
	if len(a) < 256 {
		e.u8(tagSmallAtomUTF8)
		e.u8(uint8(len(a)))
	} else {
		e.u8(tagAtomUTF8)
		e.u16(uint16(len(a)))
	}
	e.buf = append(e.buf, a...)
}

func (e *encoder) integer(v int64) {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		e.u8(tagSmallInteger)
		e.u8(uint8(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		e.u8(tagInteger)
		e.u32(uint32(int32(v)))
	default:
		e.bigInteger(big.NewInt(v))
	}
}

func (e *encoder) bigInteger(v *big.Int) {
	be := new(big.Int).Abs(v).Bytes()
	if len(be) < 256 {
		e.u8(tagSmallBig)
		e.u8(uint8(len(be)))
	} else {
		e.u8(tagLargeBig)
		e.u32(uint32(len(be)))
	}
	if v.Sign() < 0 {
		e.u8(1)
	} else {
		e.u8(0)
	}
	for i := len(be) - 1; i >= 0; i-- {
		e.u8(be[i])
	}
}

func (e *encoder) charlist(s Charlist) {
	switch {
	case len(s) == 0:
		e.u8(tagNil)
	case len(s) <= math.MaxUint16:
		e.u8(tagString)
		e.u16(uint16(len(s)))
		e.buf = append(e.buf, s...)
	default:
		e.u8(tagList)
		e.u32(uint32(len(s)))
		for i := 0; i < len(s); i++ {
			e.u8(tagSmallInteger)
			e.u8(s[i])
		}
		e.u8(tagNil)
	}
}
