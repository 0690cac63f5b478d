package bridge

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// childSim plays the backend-child role on the far end of the duplex pipe:
// it reads requests the Bridge writes and lets the test script canned
// responses back, without forking any process.
type childSim struct {
	reqR  *frameReader
	respW *frameWriter
}

func newChildSim(reqR io.Reader, respW io.Writer) *childSim {
	return &childSim{reqR: newFrameReader(reqR), respW: newFrameWriter(respW)}
}

func (c *childSim) next() (Request, bool) {
	var req Request
	ok, err := c.reqR.Read(&req)
	if err != nil || !ok {
		return Request{}, false
	}
	return req, true
}

func (c *childSim) reply(token int64, rsp string) {
	c.respW.Write(Response{Token: token, Rsp: []byte(rsp)})
}

func testBridge() (*Bridge, *childSim) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	log := logrus.NewEntry(logrus.StandardLogger())
	b := newBridge(reqW, respR, log)
	sim := newChildSim(reqR, respW)
	return b, sim
}

func TestSendMatchesResponseByToken(t *testing.T) {
	b, sim := testBridge()

	done := make(chan struct{})
	var got []byte
	var sendErr error
	go func() {
		got, sendErr = b.Send("start_vm", map[string]int{"cpus": 2})
		close(done)
	}()

	req, ok := sim.next()
	require.True(t, ok)
	assert.Equal(t, "start_vm", req.Cmd)
	assert.EqualValues(t, 1, req.Token)

	sim.reply(req.Token, `{"ok":true}`)

	<-done
	require.NoError(t, sendErr)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestSendAssignsMonotonicTokens(t *testing.T) {
	b, sim := testBridge()

	reqCh := make(chan Request, 2)
	go func() {
		for i := 0; i < 2; i++ {
			req, ok := sim.next()
			if !ok {
				return
			}
			reqCh <- req
			sim.reply(req.Token, `{}`)
		}
	}()

	_, err := b.Send("power", nil)
	require.NoError(t, err)
	_, err = b.Send("eject_cd", nil)
	require.NoError(t, err)

	first := <-reqCh
	second := <-reqCh
	assert.EqualValues(t, 1, first.Token)
	assert.EqualValues(t, 2, second.Token)
}

func TestSendReturnsErrorWhenResponsePipeCloses(t *testing.T) {
	b, sim := testBridge()

	done := make(chan struct{})
	var sendErr error
	go func() {
		_, sendErr = b.Send("stop_vm", nil)
		close(done)
	}()

	_, ok := sim.next()
	require.True(t, ok)

	// The child vanishes without responding: close its write end of the
	// response pipe, which should unblock Send with an error rather than
	// hang forever.
	closeRespWrite(sim)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after response pipe closed")
	}
	assert.Error(t, sendErr)
}

func closeRespWrite(sim *childSim) {
	if closer, ok := sim.respW.w.(io.Closer); ok {
		closer.Close()
	}
}

func TestUnmatchedResponseIsDroppedNotDelivered(t *testing.T) {
	b, sim := testBridge()

	// A response for a token nobody sent (e.g. a stale reply) should be
	// logged and discarded rather than panicking the reader goroutine.
	go sim.reply(999, `{"stray":true}`)

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	var got []byte
	go func() {
		got, _ = b.Send("cpu_stat", nil)
		close(done)
	}()

	req, ok := sim.next()
	require.True(t, ok)
	sim.reply(req.Token, `{"cpu":1.5}`)

	<-done
	assert.JSONEq(t, `{"cpu":1.5}`, string(got))
}
