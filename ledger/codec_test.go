package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/image-cache/transform"
)

func TestEncodeRecord(t *testing.T) {
	r := &Record{
		Key:      "https://example.com/a.png",
		FileName: "123_abcd.cached",
		AddedAt:  42,
		Applied:  []transform.Kind{transform.KindCropSquare, transform.KindResize},
	}

	require.Equal(t, "https://example.com/a.png;123_abcd.cached;42;(1,2)", encodeRecord(r))
}

func TestEncodeRecordEmptySet(t *testing.T) {
	r := &Record{
		Key:      "k",
		FileName: "f.cached",
		AddedAt:  7,
	}

	require.Equal(t, "k;f.cached;7;()", encodeRecord(r))
}

func TestParseRecordRoundTrip(t *testing.T) {
	in := &Record{
		Key:      "https://example.com/b.jpg",
		FileName: "99_beef.cached",
		AddedAt:  1234567890,
		Applied:  []transform.Kind{transform.KindResize, transform.KindCircleMask},
	}

	out, err := parseRecord(encodeRecord(in))
	require.NoError(t, err)
	require.Equal(t, in.Key, out.Key)
	require.Equal(t, in.FileName, out.FileName)
	require.Equal(t, in.AddedAt, out.AddedAt)
	require.Equal(t, in.Applied, out.Applied)
}

func TestParseRecordAbsolutePathKeepsBaseName(t *testing.T) {
	out, err := parseRecord("k;/var/cache/img/55_cafe.cached;1;()")
	require.NoError(t, err)
	require.Equal(t, "55_cafe.cached", out.FileName)
}

func TestParseRecordInvalid(t *testing.T) {
	cases := map[string]string{
		"wrong arity":        "a;b;c",
		"extra field":        "a;b;1;();x",
		"empty key":          ";f.cached;1;()",
		"bad timestamp":      "k;f.cached;soon;()",
		"missing parens":     "k;f.cached;1;1,2",
		"bad transform id":   "k;f.cached;1;(1,nine)",
		"unknown transform":  "k;f.cached;1;(42)",
		"empty file field":   "k;;1;()",
	}

	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseRecord(line)
			require.Error(t, err)
		})
	}
}
