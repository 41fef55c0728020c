package link

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// handshake is the initiating side of the distribution handshake.
type handshake struct {
	conn     net.Conn
	local    string
	cookie   string
	creation uint32
}

type handshakeResult struct {
	flags    uint64
	peer     string
	creation uint32
}

// run returns the flags both sides agreed on and the peer's node name.
func (h *handshake) run() (handshakeResult, error) {
	if err := h.sendName(); err != nil {
		return handshakeResult{}, err
	}
	if err := h.recvStatus(); err != nil {
		return handshakeResult{}, err
	}
	res, peerChallenge, err := h.recvChallenge()
	if err != nil {
		return handshakeResult{}, err
	}
	ourChallenge, err := newChallenge()
	if err != nil {
		return handshakeResult{}, err
	}
	if err := h.sendChallengeReply(ourChallenge, peerChallenge); err != nil {
		return handshakeResult{}, err
	}
	if err := h.recvChallengeAck(ourChallenge); err != nil {
		return handshakeResult{}, err
	}
	res.flags &= localFlags
	return res, nil
}

func (h *handshake) sendName() error {
	msg := make([]byte, 0, 15+len(h.local))
	msg = append(msg, 'N')
	msg = binary.BigEndian.AppendUint64(msg, localFlags)
	msg = binary.BigEndian.AppendUint32(msg, h.creation)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(h.local)))
	msg = append(msg, h.local...)
	return h.write(msg)
}

func (h *handshake) recvStatus() error {
	msg, err := h.read()
	if err != nil {
		return err
	}
	if len(msg) < 1 || msg[0] != 's' {
		return fmt.Errorf("%w: expected status, got %q", ErrConnect, msg)
	}
	switch status := string(msg[1:]); status {
	case "ok", "ok_simultaneous":
		return nil
	default:
		return fmt.Errorf("%w: peer refused connection: %s", ErrConnect, status)
	}
}

func (h *handshake) recvChallenge() (handshakeResult, uint32, error) {
	msg, err := h.read()
	if err != nil {
		return handshakeResult{}, 0, err
	}
	if len(msg) == 0 {
		return handshakeResult{}, 0, fmt.Errorf("%w: empty challenge", ErrConnect)
	}

	switch msg[0] {
	case 'N':
		// 'N' Flags:8 Challenge:4 Creation:4 NLen:2 Name
		if len(msg) < 19 {
			return handshakeResult{}, 0, fmt.Errorf("%w: short challenge", ErrConnect)
		}
		nlen := int(binary.BigEndian.Uint16(msg[17:19]))
		if len(msg) < 19+nlen {
			return handshakeResult{}, 0, fmt.Errorf("%w: short challenge name", ErrConnect)
		}
		return handshakeResult{
			flags:    binary.BigEndian.Uint64(msg[1:9]),
			creation: binary.BigEndian.Uint32(msg[13:17]),
			peer:     string(msg[19 : 19+nlen]),
		}, binary.BigEndian.Uint32(msg[9:13]), nil
	case 'n':
		// 'n' Version:2 Flags:4 Challenge:4 Name
		if len(msg) < 11 {
			return handshakeResult{}, 0, fmt.Errorf("%w: short challenge", ErrConnect)
		}
		return handshakeResult{
			flags: uint64(binary.BigEndian.Uint32(msg[3:7])),
			peer:  string(msg[11:]),
		}, binary.BigEndian.Uint32(msg[7:11]), nil
	default:
		return handshakeResult{}, 0, fmt.Errorf("%w: unexpected challenge tag %q", ErrConnect, msg[0])
	}
}

func (h *handshake) sendChallengeReply(ourChallenge, peerChallenge uint32) error {
	digest := challengeDigest(h.cookie, peerChallenge)
	msg := make([]byte, 0, 21)
	msg = append(msg, 'r')
	msg = binary.BigEndian.AppendUint32(msg, ourChallenge)
	msg = append(msg, digest[:]...)
	return h.write(msg)
}

func (h *handshake) recvChallengeAck(ourChallenge uint32) error {
	msg, err := h.read()
	if err != nil {
		return err
	}
	if len(msg) != 17 || msg[0] != 'a' {
		return fmt.Errorf("%w: malformed challenge ack", ErrConnect)
	}
	want := challengeDigest(h.cookie, ourChallenge)
	if string(msg[1:]) != string(want[:]) {
		return fmt.Errorf("%w: peer digest mismatch, cookies differ", ErrConnect)
	}
	return nil
}

func (h *handshake) write(msg []byte) error {
	buf := make([]byte, 0, 2+len(msg))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg)))
	buf = append(buf, msg...)
	if _, err := h.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: handshake write: %v", ErrConnect, err)
	}
	return nil
}

func (h *handshake) read() ([]byte, error) {
	var head [2]byte
	if _, err := io.ReadFull(h.conn, head[:]); err != nil {
		return nil, fmt.Errorf("%w: handshake read: %v", ErrConnect, err)
	}
	msg := make([]byte, binary.BigEndian.Uint16(head[:]))
	if _, err := io.ReadFull(h.conn, msg); err != nil {
		return nil, fmt.Errorf("%w: handshake read: %v", ErrConnect, err)
	}
	return msg, nil
}

func challengeDigest(cookie string, challenge uint32) [md5.Size]byte {
	return md5.Sum([]byte(cookie + strconv.FormatUint(uint64(challenge), 10)))
}

func newChallenge() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("%w: challenge: %v", ErrConnect, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
