package parse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPushSplitsRecords(t *testing.T) {
	s := NewSplitter(0)

	recs, err := s.Push([]byte("+CSQ: 17,2\r\n\r\nOK\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"+CSQ: 17,2", "OK"}, recs)
	assert.Equal(t, 0, s.Buffered())
}

func TestPushPartialRecord(t *testing.T) {
	s := NewSplitter(0)

	recs, err := s.Push([]byte("+CRE"))
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 4, s.Buffered())

	recs, err = s.Push([]byte("G: 0,1\r\nOK\r"))
	require.NoError(t, err)
	assert.Equal(t, []string{"+CREG: 0,1"}, recs)

	recs, err = s.Push([]byte("\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"OK"}, recs)
}

func TestPushBufferOverflow(t *testing.T) {
	s := NewSplitter(0)

	// Fill the buffer with newline-free garbage.
	junk := strings.Repeat("x", MinBufferSize)
	_, err := s.Push([]byte(junk))
	assert.ErrorIs(t, err, ErrBufferFull)
}

func TestPushByteAtATime(t *testing.T) {
	s := NewSplitter(0)
	input := "AT+CIMI\r\n404685505601234\r\nOK\r\n"

	var recs []string
	for i := 0; i < len(input); i++ {
		got, err := s.Push([]byte{input[i]})
		require.NoError(t, err)
		recs = append(recs, got...)
	}
	assert.Equal(t, []string{"AT+CIMI", "404685505601234", "OK"}, recs)
}

func TestFieldsCollapsesOverflow(t *testing.T) {
	rec := strings.TrimSpace(strings.Repeat("tok ", 40))
	fields := Fields(rec)
	require.Len(t, fields, MaxFields)
	assert.Equal(t, "...", fields[MaxFields-1])
	for _, f := range fields[:MaxFields-1] {
		assert.Equal(t, "tok", f)
	}
}

func TestFieldsMixedWhitespace(t *testing.T) {
	assert.Equal(t, []string{"CTRL-EVENT-BSS-ADDED", "4", "aa:bb:cc:dd:ee:ff"},
		Fields("CTRL-EVENT-BSS-ADDED  4\taa:bb:cc:dd:ee:ff"))
	assert.Empty(t, Fields("   \t "))
}

func TestColumnsKeepsEmptyCells(t *testing.T) {
	cols := Columns("aa:bb:cc:dd:ee:ff\t2412\t-55\t[WPA2-PSK-CCMP][ESS]\t")
	require.Len(t, cols, 5)
	assert.Equal(t, "", cols[4])
}

func TestLines(t *testing.T) {
	assert.Equal(t, []string{"bssid=aa:bb:cc:dd:ee:ff", "freq=2412"},
		Lines("bssid=aa:bb:cc:dd:ee:ff\nfreq=2412\n"))
	assert.Empty(t, Lines("\r\n\n"))
}

// Splitting any input at arbitrary chunk boundaries yields the same records
// as pushing it whole.
func TestPushChunkingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching(`[A-Za-z0-9 :,+]{0,40}`), 0, 12).Draw(t, "lines")
		input := ""
		for _, l := range lines {
			input += l + "\r\n"
		}

		whole := NewSplitter(0)
		want, err := whole.Push([]byte(input))
		if err != nil {
			t.Skip()
		}

		chunked := NewSplitter(0)
		var got []string
		rest := []byte(input)
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			recs, err := chunked.Push(rest[:n])
			if err != nil {
				t.Skip()
			}
			got = append(got, recs...)
			rest = rest[n:]
		}

		if len(want) != len(got) {
			t.Fatalf("chunked split diverged: %v vs %v", want, got)
		}
		for i := range want {
			if want[i] != got[i] {
				t.Fatalf("record %d: %q vs %q", i, want[i], got[i])
			}
		}
	})
}
