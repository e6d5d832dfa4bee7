package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "TEXT", KindText.String())
	assert.Equal(t, "ROSTER", KindRoster.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestEncode(t *testing.T) {
	t.Run("text frame carries length, tag and payload", func(t *testing.T) {
		frame, err := Encode(Text("hi"))
		require.NoError(t, err)
		assert.Equal(t, []byte{3, 0, 0, 0, byte(KindText), 'h', 'i'}, frame)
	})

	t.Run("empty roster encodes a zero count", func(t *testing.T) {
		frame, err := Encode(Roster(nil))
		require.NoError(t, err)
		assert.Equal(t, []byte{3, 0, 0, 0, byte(KindRoster), 0, 0}, frame)
	})

	t.Run("unknown kind is rejected", func(t *testing.T) {
		_, err := Encode(Event{Kind: Kind(42)})
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("oversized text is rejected", func(t *testing.T) {
		_, err := Encode(Text(strings.Repeat("x", MaxFrameSize)))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("oversized roster name is rejected", func(t *testing.T) {
		_, err := Encode(Roster([]string{strings.Repeat("x", 1<<16)}))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestReadEvent(t *testing.T) {
	t.Run("reads consecutive events in order", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteEvent(&buf, Text(Approved)))
		require.NoError(t, WriteEvent(&buf, Roster([]string{"alice", "bob"})))
		require.NoError(t, WriteEvent(&buf, Text("alice: hi")))

		ev, err := ReadEvent(&buf)
		require.NoError(t, err)
		assert.True(t, IsApproved(ev))

		ev, err = ReadEvent(&buf)
		require.NoError(t, err)
		assert.Equal(t, KindRoster, ev.Kind)
		assert.Equal(t, []string{"alice", "bob"}, ev.Roster)

		ev, err = ReadEvent(&buf)
		require.NoError(t, err)
		assert.Equal(t, Text("alice: hi"), ev)

		_, err = ReadEvent(&buf)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("unknown tag is skipped and stream stays in sync", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write([]byte{3, 0, 0, 0, 0x7f, 'x', 'y'})
		require.NoError(t, WriteEvent(&buf, Text("after")))

		_, err := ReadEvent(&buf)
		require.Error(t, err)
		assert.True(t, IsRecoverable(err))

		ev, err := ReadEvent(&buf)
		require.NoError(t, err)
		assert.Equal(t, "after", ev.Text)
	})

	t.Run("empty frame is recoverable", func(t *testing.T) {
		_, err := ReadEvent(bytes.NewReader([]byte{0, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("truncated roster payload is recoverable", func(t *testing.T) {
		body := []byte{byte(KindRoster), 2, 0, 1, 0, 'a'}
		frame := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
		frame = append(frame, body...)

		_, err := ReadEvent(bytes.NewReader(frame))
		assert.ErrorIs(t, err, ErrMalformedPayload)
		assert.True(t, IsRecoverable(err))
	})

	t.Run("frame over the limit is fatal", func(t *testing.T) {
		header := binary.LittleEndian.AppendUint32(nil, MaxFrameSize+1)
		_, err := ReadEvent(bytes.NewReader(header))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.False(t, IsRecoverable(err))
	})

	t.Run("short body reports unexpected EOF", func(t *testing.T) {
		_, err := ReadEvent(bytes.NewReader([]byte{5, 0, 0, 0, byte(KindText), 'a'}))
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	})
}

func TestRoster_CopiesInput(t *testing.T) {
	names := []string{"alice"}
	ev := Roster(names)
	names[0] = "mallory"
	assert.Equal(t, []string{"alice"}, ev.Roster)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "bob", NormalizeName("  bob  "))
	assert.Equal(t, "a b", NormalizeName("a\nb"))
	assert.Equal(t, "a b", NormalizeName("a\r\nb\r\n"))
	assert.Empty(t, NormalizeName(" \n "))
}

func TestHandshakeTexts(t *testing.T) {
	t.Run("not approved carries the reason", func(t *testing.T) {
		ev := Text(NotApproved("alice"))
		assert.Equal(t, "alice NOT APPROVED", ev.Text)
		assert.False(t, IsApproved(ev))

		reason, ok := RejectionReason(ev)
		assert.True(t, ok)
		assert.Equal(t, "alice", reason)
	})

	t.Run("empty reason", func(t *testing.T) {
		reason, ok := RejectionReason(Text(NotApproved("")))
		assert.True(t, ok)
		assert.Empty(t, reason)
	})

	t.Run("ordinary text is neither approval nor rejection", func(t *testing.T) {
		ev := Text("bob: hello")
		assert.False(t, IsApproved(ev))
		_, ok := RejectionReason(ev)
		assert.False(t, ok)
	})

	t.Run("roster is never an approval", func(t *testing.T) {
		assert.False(t, IsApproved(Roster([]string{Approved})))
	})
}

func TestNotices(t *testing.T) {
	assert.Equal(t, "alice Has Joined The Room.", JoinNotice("alice"))
	assert.Equal(t, "alice Has Left The Room.", LeaveNotice("alice"))
	assert.Equal(t, "alice: hi", ChatLine("alice", "hi"))
}

func TestLines(t *testing.T) {
	t.Run("write folds embedded line breaks", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteLine(&buf, "a\nb\r\nc"))
		assert.Equal(t, "a b c\n", buf.String())
	})

	t.Run("scanner drops carriage returns", func(t *testing.T) {
		scanner := NewLineScanner(strings.NewReader("alice\r\nhi\n"))
		require.True(t, scanner.Scan())
		assert.Equal(t, "alice", scanner.Text())
		require.True(t, scanner.Scan())
		assert.Equal(t, "hi", scanner.Text())
		assert.False(t, scanner.Scan())
		assert.NoError(t, scanner.Err())
	})

	t.Run("scanner stops on overlong line", func(t *testing.T) {
		scanner := NewLineScanner(strings.NewReader(strings.Repeat("x", MaxLineSize+1) + "\n"))
		assert.False(t, scanner.Scan())
		assert.Error(t, scanner.Err())
	})
}
