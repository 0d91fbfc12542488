package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
)

// BEP-15 wire constants
const (
	protocolMagic = 0x41727101980

	actionConnect = 0
	actionScrape  = 2
	actionError   = 3

	connectReqLen  = 16
	connectRespLen = 16
	scrapeRespLen  = 8 + 12 // header + one (seeders, completed, leechers) tuple
)

func newTransactionID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// trackerAddr extracts the host:port from a udp:// tracker URL.
func trackerAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid tracker url %q: %w", rawURL, err)
	}
	if u.Scheme != "udp" {
		return "", fmt.Errorf("tracker %q: only udp trackers can be scraped", rawURL)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("tracker %q: missing port", rawURL)
	}
	return u.Host, nil
}

// scrapeOnce performs one connect + scrape round trip against a single
// tracker. The deadline comes from ctx.
func scrapeOnce(ctx context.Context, addr string, infoHash [20]byte) (seeders, completed, leechers int32, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, 0, 0, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, 0, 0, err
		}
	}

	connID, err := connect(conn)
	if err != nil {
		return 0, 0, 0, err
	}
	return scrape(conn, connID, infoHash)
}

func connect(conn net.Conn) (uint64, error) {
	txID, err := newTransactionID()
	if err != nil {
		return 0, err
	}

	req := make([]byte, connectReqLen)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if _, err := conn.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < connectRespLen {
		return 0, fmt.Errorf("connect response too short: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != actionConnect {
		return 0, fmt.Errorf("connect response has action %d", action)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != txID {
		return 0, fmt.Errorf("connect response transaction mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func scrape(conn net.Conn, connID uint64, infoHash [20]byte) (seeders, completed, leechers int32, err error) {
	txID, err := newTransactionID()
	if err != nil {
		return 0, 0, 0, err
	}

	req := make([]byte, 16+20)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionScrape)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], infoHash[:])

	if _, err := conn.Write(req); err != nil {
		return 0, 0, 0, err
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, 0, 0, err
	}
	if n >= 8 && binary.BigEndian.Uint32(resp[0:4]) == actionError {
		return 0, 0, 0, fmt.Errorf("tracker error: %s", string(resp[8:n]))
	}
	if n < scrapeRespLen {
		return 0, 0, 0, fmt.Errorf("scrape response too short: %d bytes", n)
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != actionScrape {
		return 0, 0, 0, fmt.Errorf("scrape response has action %d", action)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != txID {
		return 0, 0, 0, fmt.Errorf("scrape response transaction mismatch")
	}

	seeders = int32(binary.BigEndian.Uint32(resp[8:12]))
	completed = int32(binary.BigEndian.Uint32(resp[12:16]))
	leechers = int32(binary.BigEndian.Uint32(resp[16:20]))
	return seeders, completed, leechers, nil
}
