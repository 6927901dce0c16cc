package call

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSDPWithDirectionReplaces(t *testing.T) {
	sdp := "v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 4000 RTP/AVP 0\r\na=sendrecv\r\n"
	out := sdpWithDirection(sdp, "sendonly")
	assert.Contains(t, out, "a=sendonly\r\n")
	assert.NotContains(t, out, "a=sendrecv")
	// Everything else is preserved verbatim.
	assert.Contains(t, out, "c=IN IP4 10.0.0.1\r\n")
	assert.Contains(t, out, "m=audio 4000 RTP/AVP 0\r\n")
}

func TestSDPWithDirectionAppendsWhenAbsent(t *testing.T) {
	sdp := "v=0\r\nc=IN IP4 10.0.0.1\r\nm=audio 4000 RTP/AVP 0\r\n"
	out := sdpWithDirection(sdp, "inactive")
	assert.True(t, strings.Contains(out, "a=inactive"))
}

func TestSDPWithDirectionCollapsesDuplicates(t *testing.T) {
	sdp := "v=0\r\na=sendrecv\r\nm=audio 4000 RTP/AVP 0\r\na=sendrecv\r\n"
	out := sdpWithDirection(sdp, "sendonly")
	assert.Equal(t, 1, strings.Count(out, "a=sendonly"))
	assert.NotContains(t, out, "a=sendrecv")
}

func TestStoreInsertRejectsDuplicates(t *testing.T) {
	st := NewStore()
	c1 := newCall("dup-1", AccountRef{Key: "a@ex"}, DirectionOutgoing)
	c2 := newCall("dup-1", AccountRef{Key: "a@ex"}, DirectionOutgoing)

	assert.True(t, st.Insert(c1))
	assert.False(t, st.Insert(c2), "one active call per Call-ID")

	got, ok := st.Get("dup-1")
	assert.True(t, ok)
	assert.Same(t, c1, got)
}

func TestCSeqMonotonicPerMethod(t *testing.T) {
	c := newCall("cseq-1", AccountRef{}, DirectionOutgoing)
	assert.EqualValues(t, 1, c.nextCSeq("INVITE"))
	assert.EqualValues(t, 1, c.nextCSeq("BYE"))
	assert.EqualValues(t, 2, c.nextCSeq("INVITE"))
	// ACK and CANCEL reuse the INVITE number.
	assert.EqualValues(t, 2, c.nextCSeq("ACK"))
	assert.EqualValues(t, 2, c.nextCSeq("CANCEL"))
	assert.EqualValues(t, 3, c.nextCSeq("INVITE"))
}
