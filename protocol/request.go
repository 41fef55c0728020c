package protocol

import (
	"fmt"

	"github.com/Tutortoise/inference-worker/etf"
	"github.com/Tutortoise/inference-worker/models"
	"github.com/Tutortoise/inference-worker/shm"
)

const CommandInfer etf.Atom = "infer"

var orientations = map[etf.Atom]models.Orientation{
	"upright":        models.OrientationUpright,
	"rotated_90_ccw": models.OrientationRotated90CCW,
	"rotated_180":    models.OrientationRotated180,
	"rotated_90_cw":  models.OrientationRotated90CW,
}

var formats = map[etf.Atom]models.Format{
	"RGB":  models.FormatRGB,
	"I420": models.FormatYUV420,
}

// Request is a decoded {call, Sender, Nonce, Command, Payload} envelope.
// The caller owns Image.Source and must release it.
type Request struct {
	Sender  etf.Pid
	Nonce   etf.Ref
	Command etf.Atom
	Image   models.Image
}

// Decoder turns message payloads into requests. Shared memory regions are
// looked up under SharedMemoryDir.
type Decoder struct {
	SharedMemoryDir string
}

func NewDecoder(shmDir string) *Decoder {
	return &Decoder{SharedMemoryDir: shmDir}
}

func (d *Decoder) Decode(payload []byte) (*Request, error) {
	term, _, err := etf.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	envelope, ok := term.(etf.Tuple)
	if !ok || len(envelope) != 5 || envelope[0] != etf.Atom("call") {
		return nil, fmt.Errorf("%w: not a call envelope", ErrProtocol)
	}

	req := &Request{}
	if req.Sender, ok = envelope[1].(etf.Pid); !ok {
		return nil, fmt.Errorf("%w: sender is not a pid", ErrProtocol)
	}
	if req.Nonce, ok = envelope[2].(etf.Ref); !ok {
		return nil, fmt.Errorf("%w: nonce is not a reference", ErrProtocol)
	}
	if req.Command, ok = envelope[3].(etf.Atom); !ok {
		return nil, fmt.Errorf("%w: command is not an atom", ErrProtocol)
	}

	switch req.Command {
	case CommandInfer:
		img, err := d.decodeInfer(envelope[4])
		if err != nil {
			return nil, err
		}
		req.Image = img
		return req, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)
	}
}

// decodeInfer reads {Width, Height, Orientation, Format, ImageTerm}.
func (d *Decoder) decodeInfer(term etf.Term) (models.Image, error) {
	payload, ok := term.(etf.Tuple)
	if !ok || len(payload) != 5 {
		return models.Image{}, fmt.Errorf("%w: infer payload is not a 5-tuple", ErrProtocol)
	}

	width, ok := dimension(payload[0])
	if !ok {
		return models.Image{}, fmt.Errorf("%w: invalid width %v", ErrProtocol, payload[0])
	}
	height, ok := dimension(payload[1])
	if !ok {
		return models.Image{}, fmt.Errorf("%w: invalid height %v", ErrProtocol, payload[1])
	}

	atom, _ := payload[2].(etf.Atom)
	orientation, ok := orientations[atom]
	if !ok {
		return models.Image{}, fmt.Errorf("%w: %v", ErrUnsupportedOrientation, payload[2])
	}
	atom, _ = payload[3].(etf.Atom)
	format, ok := formats[atom]
	if !ok {
		return models.Image{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, payload[3])
	}

	source, err := d.decodeSource(payload[4])
	if err != nil {
		return models.Image{}, err
	}
	return models.Image{
		Width:       width,
		Height:      height,
		Orientation: orientation,
		Format:      format,
		Source:      source,
	}, nil
}

// decodeSource accepts an inline binary or {shm, Size, Capacity, Name}.
func (d *Decoder) decodeSource(term etf.Term) (models.ImageSource, error) {
	switch v := term.(type) {
	case etf.Binary:
		return models.NewInlineSource(v), nil
	case etf.Tuple:
		if len(v) != 4 || v[0] != etf.Atom("shm") {
			break
		}
		size, ok := v[1].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: shared memory size %v", ErrProtocol, v[1])
		}
		capacity, ok := v[2].(int64)
		if !ok {
			return nil, fmt.Errorf("%w: shared memory capacity %v", ErrProtocol, v[2])
		}
		name, ok := v[3].(etf.Binary)
		if !ok {
			return nil, fmt.Errorf("%w: shared memory name %v", ErrProtocol, v[3])
		}
		region, err := shm.Open(d.SharedMemoryDir, string(name), int(size), int(capacity))
		if err != nil {
			return nil, err
		}
		return region, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedImageSource, term)
}

func dimension(t etf.Term) (int, bool) {
	v, ok := t.(int64)
	if !ok || v <= 0 || v > 1<<20 {
		return 0, false
	}
	return int(v), true
}
