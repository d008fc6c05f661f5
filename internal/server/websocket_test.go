package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/tenvad/internal/delivery"
	"github.com/skypro1111/tenvad/internal/protocol"
	"github.com/skypro1111/tenvad/internal/vad"
)

type wsEnvelope struct {
	Type string `json:"type"`
	raw  []byte
}

func (e *testEnv) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/sessions/" + id + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env wsEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	env.raw = data
	return env
}

// readUntil reads messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) wsEnvelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type == msgType {
			return env
		}
	}
}

func tone(n int, amplitude float64) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return s
}

func TestStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/sessions/missing/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestStreamFramesResults(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "").ID
	conn := env.dial(t, id)

	ready := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeReady, ready.Type)
	var readyMsg protocol.ReadyMessage
	require.NoError(t, json.Unmarshal(ready.raw, &readyMsg))
	assert.Equal(t, id, readyMsg.SessionID)
	assert.Equal(t, testHop, readyMsg.HopSize)

	// 100 + 100 samples yield one 160-sample frame after the second chunk.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(7, make([]int16, 100))))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(8, make([]int16, 100))))

	env1 := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeResult, env1.Type)
	var result protocol.ResultMessage
	require.NoError(t, json.Unmarshal(env1.raw, &result))
	assert.Equal(t, uint32(8), result.Sequence)
	assert.Equal(t, uint64(0), result.FrameIndex)
	assert.Equal(t, 0, result.Flag)

	// A skipped sequence number is reported and ignored.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(20, make([]int16, 160))))
	errEnv := readUntil(t, conn, protocol.TypeError)
	var errMsg protocol.ErrorMessage
	require.NoError(t, json.Unmarshal(errEnv.raw, &errMsg))
	assert.Equal(t, int(vad.CodeInvalidParam), errMsg.Code)
	assert.Contains(t, errMsg.Message, "sequence gap")

	session, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), session.Session.Stats().TotalFrames)
}

func TestStreamControlMessages(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "").ID
	conn := env.dial(t, id)
	readUntil(t, conn, protocol.TypeReady)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"threshold","threshold":0.9}`)))
	session, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return math.Abs(float64(session.Session.Threshold())-0.9) < 1e-6
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"threshold","threshold":3}`)))
	errEnv := readUntil(t, conn, protocol.TypeError)
	assert.Contains(t, string(errEnv.raw), `"code":-1`)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	readUntil(t, conn, protocol.TypeError)
}

func TestStreamEmitsSegments(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "").ID
	conn := env.dial(t, id)
	readUntil(t, conn, protocol.TypeReady)

	// 300 ms of tone followed by 400 ms of silence at 10 ms per frame.
	seq := uint32(0)
	for i := 0; i < 30; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(seq, tone(testHop, 8000))))
		seq++
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(seq, make([]int16, testHop))))
		seq++
	}

	segEnv := readUntil(t, conn, protocol.TypeSegment)
	var seg protocol.SegmentMessage
	require.NoError(t, json.Unmarshal(segEnv.raw, &seg))
	assert.Equal(t, uint64(0), seg.StartFrame)
	assert.GreaterOrEqual(t, seg.DurationMs, int64(250))
	assert.Greater(t, seg.Confidence, float32(0.5))
}

func TestStreamClosesWhenSessionDestroyed(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "").ID
	conn := env.dial(t, id)
	readUntil(t, conn, protocol.TypeReady)

	require.NoError(t, env.manager.Destroy(id))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(0, make([]int16, testHop))))

	errEnv := readUntil(t, conn, protocol.TypeError)
	assert.Contains(t, string(errEnv.raw), `"code":-3`)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStreamSecondAttachRejected(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t, "").ID
	first := env.dial(t, id)
	readUntil(t, first, protocol.TypeReady)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/sessions/" + id + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errMsg := decode[protocol.ErrorMessage](t, resp)
	resp.Body.Close()
	assert.Equal(t, int(vad.CodeInvalidState), errMsg.Code)

	// The first stream still owns the results.
	require.NoError(t, first.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(0, make([]int16, testHop))))
	result := readUntil(t, first, protocol.TypeResult)
	var msg protocol.ResultMessage
	require.NoError(t, json.Unmarshal(result.raw, &msg))
	assert.Equal(t, uint64(0), msg.FrameIndex)

	session, err := env.manager.Get(id)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return !session.StreamAttached() }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, session.Session.Stats().HasCallback)

	second := env.dial(t, id)
	readUntil(t, second, protocol.TypeReady)
	require.NoError(t, second.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(0, make([]int16, testHop))))
	readUntil(t, second, protocol.TypeResult)
}

type chanSink chan *delivery.Upload

func (s chanSink) Submit(u *delivery.Upload) error {
	s <- u
	return nil
}

func TestStreamDeliversSegmentAudio(t *testing.T) {
	sink := make(chanSink, 4)
	env := newTestEnvWithSink(t, sink)
	id := env.createSession(t, "").ID
	conn := env.dial(t, id)
	readUntil(t, conn, protocol.TypeReady)

	// Frames 0..29 carry tone; smoothing keeps frame 30 above threshold.
	seq := uint32(0)
	for i := 0; i < 30; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(seq, tone(testHop, 8000))))
		seq++
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrameMessage(seq, make([]int16, testHop))))
		seq++
	}
	readUntil(t, conn, protocol.TypeSegment)

	var upload *delivery.Upload
	select {
	case upload = <-sink:
	case <-time.After(5 * time.Second):
		t.Fatal("no segment upload")
	}

	assert.Equal(t, id, upload.SessionID)
	assert.NotEmpty(t, upload.ID)
	assert.Equal(t, 16000, upload.SampleRate)
	assert.Equal(t, uint64(0), upload.Segment.StartFrame)
	frames := int(upload.Segment.EndFrame-upload.Segment.StartFrame) + 1
	require.Len(t, upload.Samples, frames*testHop)
	assert.Equal(t, tone(testHop, 8000), upload.Samples[:testHop])
}
