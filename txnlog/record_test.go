package txnlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordFormatRoundTrip(t *testing.T) {
	cases := []Record{
		NewAddRecord("0190abcd-1"),
		{Kind: Remove, RelPath: "0190abcd-2", UpdateTimeMillis: 123456, NumFiles: 3},
		NewCommitRecord(time.UnixMilli(1700000000000)),
		NewAbortRecord(time.UnixMilli(1700000000000)),
	}

	for _, want := range cases {
		prefix := want.format()
		got, err := parseRecordPrefix(prefix)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestRecordEqualityIgnoresTimeAndCount(t *testing.T) {
	a := Record{Kind: Remove, RelPath: "x", UpdateTimeMillis: 1, NumFiles: 1}
	b := Record{Kind: Remove, RelPath: "x", UpdateTimeMillis: 999, NumFiles: 99}
	require.Equal(t, a.key(), b.key())
}

func TestParseRecordPrefixRejectsUnknownKind(t *testing.T) {
	_, err := parseRecordPrefix("frobnicate:[a,0,0]")
	require.Error(t, err)
}

func TestParseRecordPrefixCaseInsensitiveKind(t *testing.T) {
	rec, err := parseRecordPrefix("ADD:[tbl,0,0]")
	require.NoError(t, err)
	require.Equal(t, Add, rec.Kind)
	require.Equal(t, "tbl", rec.RelPath)
}
