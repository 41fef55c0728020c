package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

const (
	DefaultEPMDPort = 4369

	epmdPortPlease2Req = 122
	epmdPort2Resp      = 119
)

// lookupPort asks the port mapper on host for the distribution port of the
// node registered as alive.
func lookupPort(ctx context.Context, host string, epmdPort int, alive string) (int, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(epmdPort)))
	if err != nil {
		return 0, fmt.Errorf("%w: epmd on %s: %v", ErrConnect, host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := make([]byte, 0, 3+len(alive))
	req = binary.BigEndian.AppendUint16(req, uint16(1+len(alive)))
	req = append(req, epmdPortPlease2Req)
	req = append(req, alive...)
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("%w: epmd request: %v", ErrConnect, err)
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head[:2]); err != nil {
		return 0, fmt.Errorf("%w: epmd response: %v", ErrConnect, err)
	}
	if head[0] != epmdPort2Resp {
		return 0, fmt.Errorf("%w: epmd replied with tag %d", ErrConnect, head[0])
	}
	if head[1] != 0 {
		return 0, fmt.Errorf("%w: node %q is not registered on %s", ErrConnect, alive, host)
	}
	if _, err := io.ReadFull(conn, head[2:4]); err != nil {
		return 0, fmt.Errorf("%w: epmd port: %v", ErrConnect, err)
	}
	return int(binary.BigEndian.Uint16(head[2:4])), nil
}
