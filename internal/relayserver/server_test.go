package relayserver

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaagnavanesyan/tunec/internal/frame"
)

func wsURL(s *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(nil)
	httpSrv := httptest.NewServer(srv.Handler("/"))
	defer httpSrv.Close()

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestChannelConnectAndDataRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	destHost, destPortStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	srv := New(nil)
	httpSrv := httptest.NewServer(srv.Handler("/"))
	defer httpSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()

	destPort, err := strconv.Atoi(destPortStr)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame.EncodeRequest(frame.NewConnect("c1", destHost, uint16(destPort)))))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := frame.DecodeResponse(msg)
	require.NoError(t, err)
	require.Equal(t, frame.RespConnected, resp.Type)
	require.Equal(t, "c1", resp.ID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame.EncodeRequest(frame.NewData("c1", []byte("ping")))))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	resp, err = frame.DecodeResponse(msg)
	require.NoError(t, err)
	require.Equal(t, frame.RespData, resp.Type)
	assert.Equal(t, []byte("ping"), resp.Payload)
}

func TestChannelMalformedFrameDoesNotCloseConnection(t *testing.T) {
	srv := New(nil)
	httpSrv := httptest.NewServer(srv.Handler("/"))
	defer httpSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, "/"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff}))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame.EncodeRequest(frame.NewConnect("c1", "127.0.0.1", 1))))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := frame.DecodeResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, frame.RespError, resp.Type)
}
