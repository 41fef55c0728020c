package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Tutortoise/inference-worker/etf"
	"go.uber.org/zap"
)

const (
	passThrough = 112

	opSend         = 2
	opRegSend      = 6
	opSendTT       = 12
	opRegSendTT    = 16
	opSendSender   = 22
	opSendSenderTT = 23

	defaultDialTimeout = 10 * time.Second
)

var ErrFrame = errors.New("malformed distribution frame")

type Kind int

const (
	KindTick Kind = iota
	KindSend
	KindRegSend
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindSend:
		return "send"
	case KindRegSend:
		return "reg_send"
	}
	return "other"
}

// Message is one frame received from the peer. Payload holds the versioned
// message term and is owned by the caller.
type Message struct {
	Kind    Kind
	Control etf.Tuple
	From    etf.Pid
	To      etf.Term
	Payload []byte
}

type Options struct {
	// LocalHost overrides the host part of the generated node name.
	LocalHost   string
	EPMDPort    int
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Link is an established connection to the parent node. Receive must be
// called from a single goroutine; Send is safe for concurrent use.
type Link struct {
	conn   net.Conn
	reader *bufio.Reader
	self   etf.Pid
	peer   string
	flags  uint64
	logger *zap.Logger

	writeMu sync.Mutex
}

// Connect resolves nodeName through the port mapper, opens a connection and
// authenticates with cookie.
func Connect(ctx context.Context, nodeName, cookie string, opts Options) (*Link, error) {
	alive, host, err := splitNode(nodeName)
	if err != nil {
		return nil, err
	}
	local, err := LocalNodeName(host, opts.LocalHost)
	if err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	epmdPort := opts.EPMDPort
	if epmdPort == 0 {
		epmdPort = DefaultEPMDPort
	}
	port, err := lookupPort(dialCtx, host, epmdPort, alive)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, nodeName, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	l, err := Handshake(conn, local, cookie, opts.Logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return l, nil
}

// Handshake authenticates an already open connection as node local.
func Handshake(conn net.Conn, local, cookie string, logger *zap.Logger) (*Link, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	creation := uint32(time.Now().Unix())
	h := &handshake{conn: conn, local: local, cookie: cookie, creation: creation}
	res, err := h.run()
	if err != nil {
		return nil, err
	}

	l := &Link{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64*1024),
		self:   etf.Pid{Node: etf.Atom(local), ID: 1, Creation: creation},
		peer:   res.peer,
		flags:  res.flags,
		logger: logger.With(zap.String("node", local), zap.String("peer", res.peer)),
	}
	l.logger.Debug("distribution handshake complete", zap.Uint64("flags", res.flags))
	return l, nil
}

// Self is the pid the worker uses as its own identity on the link.
func (l *Link) Self() etf.Pid { return l.self }

func (l *Link) Peer() string { return l.peer }

func (l *Link) Close() error { return l.conn.Close() }

// Receive blocks for the next frame. Ticks are answered before returning.
func (l *Link) Receive() (Message, error) {
	var head [4]byte
	if _, err := io.ReadFull(l.reader, head[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size == 0 {
		if err := l.write(head[:]); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindTick}, nil
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(l.reader, frame); err != nil {
		return Message{}, err
	}
	if frame[0] != passThrough {
		return Message{}, fmt.Errorf("%w: frame type %d", ErrFrame, frame[0])
	}

	control, n, err := etf.Decode(frame[1:])
	if err != nil {
		return Message{}, fmt.Errorf("%w: control: %v", ErrFrame, err)
	}
	ctl, ok := control.(etf.Tuple)
	if !ok || len(ctl) == 0 {
		return Message{}, fmt.Errorf("%w: control is not a tuple", ErrFrame)
	}
	msg := classify(ctl)
	msg.Payload = frame[1+n:]
	return msg, nil
}

func classify(ctl etf.Tuple) Message {
	msg := Message{Kind: KindOther, Control: ctl}
	op, _ := ctl[0].(int64)
	switch op {
	case opSend, opSendTT:
		if len(ctl) >= 3 {
			msg.Kind, msg.To = KindSend, ctl[2]
		}
	case opSendSender, opSendSenderTT:
		if len(ctl) >= 3 {
			msg.Kind, msg.To = KindSend, ctl[2]
			msg.From, _ = ctl[1].(etf.Pid)
		}
	case opRegSend, opRegSendTT:
		if len(ctl) >= 4 {
			msg.Kind, msg.To = KindRegSend, ctl[3]
			msg.From, _ = ctl[1].(etf.Pid)
		}
	}
	return msg
}

// Send delivers msg to the process to.
func (l *Link) Send(to etf.Pid, msg etf.Term) error {
	return l.sendFrame(etf.Tuple{int64(opSend), etf.Atom(""), to}, msg)
}

// RegSend delivers msg to the process registered as name on the peer.
func (l *Link) RegSend(name etf.Atom, msg etf.Term) error {
	return l.sendFrame(etf.Tuple{int64(opRegSend), l.self, etf.Atom(""), name}, msg)
}

func (l *Link) sendFrame(control, msg etf.Term) error {
	buf := make([]byte, 5, 256)
	buf[4] = passThrough
	buf, err := etf.Append(buf, control)
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	buf, err = etf.Append(buf, msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)-4))
	return l.write(buf)
}

func (l *Link) write(buf []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.conn.Write(buf)
	return err
}
