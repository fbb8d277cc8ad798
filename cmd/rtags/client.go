package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/carpecarp/rtags/pkg/dispatcher"
)

func socketPath() string {
	if p := os.Getenv("RTAGS_SOCKET"); p != "" {
		return p
	}
	return "/tmp/rtagsd.sock"
}

// conn holds a dialed connection to the daemon plus its buffered reader
// and writer, closed by the caller once the round-trip is done.
type conn struct {
	c net.Conn
	w *bufio.Writer
	r *bufio.Reader
}

func dial() (*conn, error) {
	c, err := net.DialTimeout("unix", socketPath(), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to rtagsd at %s: %w (is the daemon running?)", socketPath(), err)
	}
	return &conn{c: c, w: bufio.NewWriter(c), r: bufio.NewReader(c)}, nil
}

func (cn *conn) close() { _ = cn.c.Close() }

// sendQuery writes q and streams every reply line to stdout until the
// daemon marks the response Finish.
func (cn *conn) sendQuery(q dispatcher.QueryMessage) error {
	if err := dispatcher.WriteQuery(cn.w, q); err != nil {
		return err
	}
	return cn.printReplies()
}

// sendProject writes a project registration and streams the reply.
func (cn *conn) sendProject(m dispatcher.ProjectMessage) error {
	if err := dispatcher.WriteProject(cn.w, m); err != nil {
		return err
	}
	return cn.printReplies()
}

// lines drains the reply stream into a slice instead of printing it, for
// commands that post-process the output (the status table).
func (cn *conn) lines() ([]string, error) {
	var out []string
	for {
		f, err := dispatcher.ReadFrame(cn.r)
		if err != nil {
			return out, err
		}
		if f.Resp == nil {
			continue
		}
		if f.Resp.Line != "" {
			out = append(out, f.Resp.Line)
		}
		if f.Resp.Finish {
			return out, nil
		}
	}
}

func (cn *conn) printReplies() error {
	lines, err := cn.lines()
	for _, l := range lines {
		fmt.Println(l)
	}
	return err
}
