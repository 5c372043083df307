package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		require.True(t, ok, "channel closed")
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestMonitorFansOutLines(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	idB, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.Feed("# boot\n[]\n")
	assert.Equal(t, "# boot", recv(t, a))
	assert.Equal(t, "# boot", recv(t, b))
	assert.Equal(t, "[]", recv(t, a))
	assert.Equal(t, "[]", recv(t, b))

	mux.Unsubscribe(idB)
	_, ok := <-b
	assert.False(t, ok)

	st := mux.Stats()
	assert.EqualValues(t, 2, st.Lines)
	assert.Equal(t, 1, st.Subscribers)
	assert.EqualValues(t, 1, st.Kinds[LineComment])
	assert.EqualValues(t, 1, st.Kinds[LineBatch])
	assert.False(t, st.LastLine.IsZero())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, mux.Close())
	_, ok = <-a
	assert.False(t, ok)
}

func TestMonitorDropsForFullSubscribers(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	mux := NewSerialMux(port)
	mux.Subscribe()

	port.Feed(strings.Repeat("x\n", subscriberBuffer+5))
	port.Close()
	require.ErrorIs(t, mux.Monitor(context.Background()), errPortClosed)
	st := mux.Stats()
	assert.EqualValues(t, subscriberBuffer+5, st.Lines)
	assert.EqualValues(t, 5, st.Dropped)
	assert.EqualValues(t, subscriberBuffer+5, st.Kinds[LineUnknown])
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	mux := NewSerialMux(port)
	require.NoError(t, mux.SendCommand("STREAM on"))
	require.NoError(t, mux.SendCommand("STATUS\n"))
	assert.Equal(t, "STREAM on\nSTATUS\n", port.Written())

	port.WriteError = errors.New("unplugged")
	require.EqualError(t, mux.SendCommand("X"), "unplugged")

	port.ShortWrite = true
	require.ErrorIs(t, mux.SendCommand("X"), ErrWriteFailed)
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	require.NoError(t, NewSerialMux(port).Initialize())
	lines := strings.Split(strings.TrimSpace(port.Written()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "SYNC "))
	assert.Equal(t, []string{"FORMAT json", "STATUS 10", "STREAM on"}, lines[1:])
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	mux := NewSerialMux(NewTestablePort())
	require.NoError(t, mux.Close())
	_, ch := mux.Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()

	port := NewTestablePort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	form := url.Values{"command": {"STATUS"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STATUS\n", port.Written())

	req = httptest.NewRequest(http.MethodGet, "/debug/send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/debug/serial-stats", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lines":0`)
}

func TestDisabledSerialMux(t *testing.T) {
	t.Parallel()

	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()
	require.NoError(t, d.SendCommand("x"))
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	_, ok := <-ch
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	httpMux := http.NewServeMux()
	d.AttachAdminRoutes(httpMux)
	req := httptest.NewRequest(http.MethodGet, "/debug/serial-stats", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false,"subscribers":0}`, rec.Body.String())
}

func TestPortOptions(t *testing.T) {
	t.Parallel()

	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, Parity: "none"}, opts)

	mode, err := PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity}, mode)

	mode, err = PortOptions{BaudRate: 921600, Parity: " Even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 921600, mode.BaudRate)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	for _, bad := range []PortOptions{{BaudRate: 14400}, {Parity: "odd"}, {Parity: "mark"}} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
		_, err = bad.SerialMode()
		assert.Error(t, err, "%+v", bad)
	}
}

func TestClassifyLine(t *testing.T) {
	t.Parallel()

	cases := map[string]LineKind{
		`[{"sensor_id":"a"}]`:         LineBatch,
		`{"readings":[]}`:             LineBatch,
		`{"status":"ok","battery":3}`: LineStatus,
		"# reboot":                    LineComment,
		"":                            LineUnknown,
		"garbage":                     LineUnknown,
	}
	for line, want := range cases {
		assert.Equal(t, want, ClassifyLine(line), line)
	}
}
