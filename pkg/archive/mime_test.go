package archive

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
)

func crlf(s string) string { return strings.ReplaceAll(s, "\n", "\r\n") }

const mimeMultipartFixture = `From: sender@example.com
Date: Mon, 02 Jan 2006 15:04:05 -0700
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="FIXTURE-BOUNDARY"

--FIXTURE-BOUNDARY
Content-Type: text/plain
Content-Disposition: attachment; filename="notes.txt"

hello mime
--FIXTURE-BOUNDARY
Content-Type: application/octet-stream
Content-Transfer-Encoding: base64
Content-Disposition: attachment; filename="blob.bin"

aGVsbG8gYmluYXJ5
--FIXTURE-BOUNDARY
Content-Type: text/html

<p>inline</p>
--FIXTURE-BOUNDARY--
`

func TestMimeReaderWalkAndOpen(t *testing.T) {
	data := []byte(crlf(mimeMultipartFixture))
	r, err := NewMimeReader(&memByteSource{data: data})
	require.NoError(t, err)

	entries := map[string]*common.Entry{}
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries[e.Path+"|"+e.Name] = e
		return nil
	}))

	notes := entries["/|notes.txt"]
	require.NotNil(t, notes)
	rs, err := r.Open(notes)
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "hello mime", string(got))

	blob := entries["/|blob.bin"]
	require.NotNil(t, blob)
	rs, err = r.Open(blob)
	require.NoError(t, err)
	got, err = io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "hello binary", string(got))

	// No filename anywhere: the content type names the part.
	inline := entries["/|text_html"]
	require.NotNil(t, inline)
	require.EqualValues(t, len("<p>inline</p>"), inline.Size)
}

func TestMimeReaderSinglePartMessage(t *testing.T) {
	data := []byte(crlf(`From: sender@example.com
MIME-Version: 1.0
Content-Type: text/plain

just a body
`))
	r, err := NewMimeReader(&memByteSource{data: data})
	require.NoError(t, err)

	var entries []*common.Entry
	require.NoError(t, r.Walk(func(e *common.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	require.Equal(t, "text_plain", entries[0].Name)

	rs, err := r.Open(entries[0])
	require.NoError(t, err)
	got, err := io.ReadAll(rs)
	require.NoError(t, err)
	require.Equal(t, "just a body\r\n", string(got))
}

func TestMimeReaderRejectsNonMime(t *testing.T) {
	_, err := NewMimeReader(&memByteSource{data: []byte("\x00\x01\x02 not a message")})
	require.Error(t, err)
}
