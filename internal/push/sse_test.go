package push

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrames(t *testing.T) {
	stream := ": keep-alive\r\n" +
		"event: sprint_data_updated\r\n" +
		"id: 7\r\n" +
		"data: {\"a\":1,\r\n" +
		"data: \"b\":2}\r\n" +
		"\r\n" +
		"event:heartbeat\n" +
		"\n" +
		"data: plain\n" +
		"\n"

	var frames []frame
	err := readFrames(strings.NewReader(stream), func(f frame) bool {
		frames = append(frames, f)
		return true
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, "sprint_data_updated", frames[0].event)
	assert.Equal(t, "7", frames[0].id)
	assert.Equal(t, "{\"a\":1,\n\"b\":2}", frames[0].data)
	assert.Equal(t, "heartbeat", frames[1].event)
	assert.Empty(t, frames[1].data)
	assert.Equal(t, "", frames[2].event)
	assert.Equal(t, "plain", frames[2].data)
}

func TestReadFramesStopsWhenEmitDeclines(t *testing.T) {
	stream := "data: 1\n\ndata: 2\n\n"
	count := 0
	err := readFrames(strings.NewReader(stream), func(frame) bool {
		count++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
