package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// tlsRecordHandshake TLS 记录层握手类型（ClientHello 首字节）
const tlsRecordHandshake = 0x16

// redirectListener 在 HTTPS 端口上识别明文 HTTP 连接
//
// 终端固件配置错误时会以 http:// 访问 HTTPS 端口，
// 这类连接收到 301 后关闭，不会进入 TLS 层。
type redirectListener struct {
	net.Listener
	sniffTimeout time.Duration
}

func newRedirectListener(inner net.Listener) *redirectListener {
	return &redirectListener{Listener: inner, sniffTimeout: 5 * time.Second}
}

func (l *redirectListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		conn.SetReadDeadline(time.Now().Add(l.sniffTimeout))
		first := make([]byte, 1)
		_, err = io.ReadFull(conn, first)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			conn.Close()
			continue
		}

		if first[0] == tlsRecordHandshake {
			return &replayConn{Conn: conn, pending: first}, nil
		}
		go redirectPlainHTTP(conn, first)
	}
}

// replayConn 先返回嗅探时读走的字节，再读底层连接
type replayConn struct {
	net.Conn
	pending []byte
}

func (c *replayConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// redirectPlainHTTP 读取一条明文请求并回复指向 https:// 的 301
func redirectPlainHTTP(conn net.Conn, first []byte) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	req, err := http.ReadRequest(bufio.NewReader(&replayConn{Conn: conn, pending: first}))
	if err != nil {
		return
	}

	fmt.Fprintf(conn, "HTTP/1.1 301 Moved Permanently\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		httpsLocation(req, conn.LocalAddr().String()))
}

// httpsLocation 计算重定向目标，非 443 端口时保留实际监听端口
func httpsLocation(req *http.Request, localAddr string) string {
	host := req.Host
	if host == "" {
		host = localAddr
	}
	if _, port, err := net.SplitHostPort(localAddr); err == nil && port != "443" {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = net.JoinHostPort(host, port)
	}
	return "https://" + host + req.URL.RequestURI()
}

// handshakeFilter 丢弃 "TLS handshake error" 行，其余写入 out
//
// 扫描器和配置错误的终端会持续产生握手失败，逐条打印没有价值。
type handshakeFilter struct {
	out io.Writer
}

func (f handshakeFilter) Write(p []byte) (int, error) {
	if strings.Contains(string(p), "TLS handshake error") {
		return len(p), nil
	}
	return f.out.Write(p)
}

// newServerErrorLog http.Server.ErrorLog，过滤握手噪音
func newServerErrorLog(out io.Writer) *log.Logger {
	return log.New(handshakeFilter{out: out}, "[http] ", log.LstdFlags)
}
