package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"

	"parley/thread"
)

func TestDecodeEventMessageReceived(t *testing.T) {
	raw := []byte(`{"type":"message.received","data":{"threadIdentifier":"srv-1","conversations":[{"id":"m1","message":"hi"}]}}`)

	ev, err := DecodeEvent(raw)
	require.NoError(t, err)

	received, ok := ev.(MessageReceived)
	require.True(t, ok)
	require.Equal(t, "srv-1", received.ThreadIdentifier)
	require.Len(t, received.Conversations, 1)
	require.Equal(t, "hi", received.Conversations[0].Body)
}

func TestDecodeEventRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"unknown type", `{"type":"thread.archived","data":{}}`},
		{"created without identifier", `{"type":"thread.created","data":{"thread":{}}}`},
		{"updated without identifier", `{"type":"thread.updated","data":{"thread":{}}}`},
		{"received without identifier", `{"type":"message.received","data":{"conversations":[]}}`},
		{"malformed data", `{"type":"message.received","data":[1,2]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tc.raw))
			require.Error(t, err)
		})
	}
}

func TestEncodeEventRoundTrip(t *testing.T) {
	raw, err := EncodeEvent(ThreadCreated{Thread: thread.Thread{
		Identifier: "srv-1",
		Category:   thread.CategoryQueried,
	}})
	require.NoError(t, err)

	ev, err := DecodeEvent(raw)
	require.NoError(t, err)
	created, ok := ev.(ThreadCreated)
	require.True(t, ok)
	require.Equal(t, thread.CategoryQueried, created.Thread.Category)
}
