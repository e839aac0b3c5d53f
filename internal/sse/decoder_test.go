package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader hands out one chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func frame(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n\n"
}

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var got []string
	for {
		frag, err := d.Next()
		if errors.Is(err, io.EOF) {
			return got
		}
		require.NoError(t, err)
		got = append(got, frag)
	}
}

func TestDecoderYieldsFragmentsInOrder(t *testing.T) {
	body := ": keep-alive\n\n" +
		frame("Hel") +
		"event: message\n" +
		frame("lo") +
		`data: {"choices":[{"delta":{}}]}` + "\n\n" +
		frame(" there") +
		"data: [DONE]\n\n"

	got := collect(t, NewDecoder(strings.NewReader(body)))
	assert.Equal(t, []string{"Hel", "lo", " there"}, got)
}

func TestDecoderChunkingInvariance(t *testing.T) {
	body := frame("I") + frame(" hear") + "\r\n" +
		`data: {"choices":[{"delta":{"content":"നന്ദി 💜"}}]}` + "\r\n" +
		frame(" you") + "data: [DONE]\n"

	want := collect(t, NewDecoder(strings.NewReader(body)))
	require.Equal(t, []string{"I", " hear", "നന്ദി 💜", " you"}, want)

	t.Run("one byte reads", func(t *testing.T) {
		got := collect(t, NewDecoder(iotest.OneByteReader(strings.NewReader(body))))
		assert.Equal(t, want, got)
	})

	for split := 1; split < len(body); split++ {
		r := &chunkReader{chunks: []string{body[:split], body[split:]}}
		got := collect(t, NewDecoder(r))
		assert.Equal(t, want, got, "split at byte %d", split)
	}
}

func TestDecoderKeepsDrainingAfterDone(t *testing.T) {
	body := frame("a") + "data: [DONE]\n" + frame("b")

	got := collect(t, NewDecoder(&chunkReader{chunks: []string{body}}))
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDecoderFlushesFinalFrameWithoutNewline(t *testing.T) {
	body := frame("first") + `data: {"choices":[{"delta":{"content":"last"}}]}`

	got := collect(t, NewDecoder(strings.NewReader(body)))
	assert.Equal(t, []string{"first", "last"}, got)
}

func TestDecoderDiscardsMalformedTrailingFrame(t *testing.T) {
	body := frame("ok") + `data: {"choices":[{"delta":`

	d := NewDecoder(strings.NewReader(body))
	got := collect(t, d)
	assert.Equal(t, []string{"ok"}, got)
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoderBoundsPushBackOfBrokenLine(t *testing.T) {
	chunks := []string{
		frame("before") + "data: {not json}\n",
		frame("one"),
		frame("two"),
		frame("three"),
		frame("four"),
	}
	d := NewDecoder(&chunkReader{chunks: chunks}, WithMaxDeferrals(2))

	// The broken line blocks the lines behind it for two reads, then is
	// dropped and the rest is released in order.
	first, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "before", first)

	rest := collect(t, d)
	assert.Equal(t, []string{"one", "two", "three", "four"}, rest)
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoderIgnoresNonContentJSON(t *testing.T) {
	body := "data: 42\n" + `data: {"error":"nope"}` + "\n" + frame("x")

	d := NewDecoder(strings.NewReader(body))
	assert.Equal(t, []string{"x"}, collect(t, d))
	assert.Zero(t, d.Dropped())
}

func TestDecoderReturnsReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(frame("partial")), iotest.ErrReader(boom))

	d := NewDecoder(r)
	frag, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "partial", frag)

	_, err = d.Next()
	assert.ErrorIs(t, err, boom)
}
