package parser

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-discourse/mbox"
)

const footer = "_______________________________________________"

func record(t *testing.T, lines ...string) mbox.Record {
	t.Helper()
	rec, err := mbox.ParseRecord([]byte(strings.Join(lines, "\r\n")))
	require.NoError(t, err)
	return rec
}

func TestParse_Root(t *testing.T) {
	rec := record(t,
		"From: Alice <alice@example.com>",
		"Subject: [List]   Hello\t  world",
		"Message-ID: <M1>",
		"Date: Mon, 4 Jan 2016 10:00:00 +0000",
		"",
		"body text",
		footer,
		"Zato-discuss mailing list",
	)

	msg, ok := Parse(rec, "Alice@Example.com", Options{FooterMarker: footer})
	require.True(t, ok)
	assert.Equal(t, "M1", msg.ID)
	assert.Equal(t, "alice@example.com", msg.AuthorEmail)
	assert.Equal(t, "(Migrated) Hello world", msg.Subject)
	assert.True(t, msg.IsRoot)
	assert.Equal(t, RootBanner+"body text", msg.Body)
	assert.Equal(t, 2016, msg.CreatedAt.Year())
}

func TestParse_Reply(t *testing.T) {
	rec := record(t,
		"Subject: Re: [List] Hello",
		"Message-ID: <M2>",
		"In-Reply-To: <M1>",
		"References: <M1>",
		"",
		"thanks",
	)

	msg, ok := Parse(rec, "bob@y.com", Options{})
	require.True(t, ok)
	assert.False(t, msg.IsRoot)
	assert.Equal(t, "thanks", msg.Body)
	assert.Equal(t, "(Migrated) Re: Hello", msg.Subject)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		opts  Options
	}{
		{
			name:  "missing subject",
			lines: []string{"Message-ID: <M1>", "", "body"},
		},
		{
			name:  "excluded subject",
			lines: []string{"Subject: [List] Weekly digest", "Message-ID: <M1>", "", "body"},
			opts:  Options{SkipSubject: "digest"},
		},
		{
			name:  "missing message id",
			lines: []string{"Subject: Hello", "", "body"},
		},
		{
			name:  "empty body after trimming",
			lines: []string{"Subject: Hello", "Message-ID: <M1>", "", "  ", "-- ", "sig"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Parse(record(t, tt.lines...), "a@x.com", tt.opts)
			assert.False(t, ok)
		})
	}
}

func TestParse_BlankSubject(t *testing.T) {
	_, ok := Parse(record(t, "Subject:   ", "Message-ID: <M1>", "", "body"), "a@x.com", Options{})
	assert.False(t, ok)
}

func TestParse_Idempotent(t *testing.T) {
	rec := record(t, "Subject: Hi", "Message-ID: <M1>", "Date: Mon, 4 Jan 2016 10:00:00 +0000", "", "body")
	first, ok1 := Parse(rec, "a@x.com", Options{})
	second, ok2 := Parse(rec, "a@x.com", Options{})
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)
}

func TestParse_Base64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("decoded body\n"))
	msg, ok := Parse(record(t,
		"Subject: Hi",
		"Message-ID: <M1>",
		"In-Reply-To: <M0>",
		"Content-Transfer-Encoding: base64",
		"",
		encoded,
	), "a@x.com", Options{})
	require.True(t, ok)
	assert.Equal(t, "decoded body", msg.Body)
}

func TestParse_Base64Invalid(t *testing.T) {
	msg, ok := Parse(record(t,
		"Subject: Hi",
		"Message-ID: <M1>",
		"In-Reply-To: <M0>",
		"Content-Transfer-Encoding: base64",
		"",
		"not base64 at all!",
	), "a@x.com", Options{})
	require.True(t, ok)
	assert.Equal(t, "not base64 at all!", msg.Body)
}

func TestParse_MultipartFirstPartOnly(t *testing.T) {
	msg, ok := Parse(record(t,
		"Subject: Hi",
		"Message-ID: <M1>",
		"In-Reply-To: <M0>",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>html part</p>",
		"--inner--",
		"--outer",
		"Content-Type: text/plain",
		"",
		"second part",
		"--outer--",
	), "a@x.com", Options{})
	require.True(t, ok)
	assert.Equal(t, "plain part", msg.Body)
}

func TestParse_HTMLPart(t *testing.T) {
	msg, ok := Parse(record(t,
		"Subject: Hi",
		"Message-ID: <M1>",
		"In-Reply-To: <M0>",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Hello <b>there</b></p>",
	), "a@x.com", Options{})
	require.True(t, ok)
	assert.Contains(t, msg.Body, "Hello")
	assert.NotContains(t, msg.Body, "<b>")
}

func TestParse_EncodedHeaders(t *testing.T) {
	rec := record(t,
		"From: =?utf-8?q?Zo=C3=AB?= <zoe@example.com>",
		"Subject: =?utf-8?q?Caf=C3=A9?=",
		"Message-ID: <M1>",
		"",
		"body",
	)
	name, email, ok := Sender(rec.Header)
	require.True(t, ok)
	assert.Equal(t, "Zoë", name)
	assert.Equal(t, "zoe@example.com", email)

	msg, ok := Parse(rec, email, Options{})
	require.True(t, ok)
	assert.Equal(t, "(Migrated) Café", msg.Subject)
}

func TestSender_Missing(t *testing.T) {
	_, _, ok := Sender(record(t, "Subject: x", "", "body").Header)
	assert.False(t, ok)
}

func TestReferences(t *testing.T) {
	rec := record(t,
		"Subject: Re: x",
		"References: <M1>",
		" <M2>",
		"\t<M3>",
		"",
		"body",
	)
	assert.Equal(t, []string{"M1", "M2", "M3"}, References(rec.Header))
	assert.Nil(t, References(record(t, "Subject: x", "", "body").Header))
}

func TestReferences_Duplicates(t *testing.T) {
	rec := record(t,
		"Subject: Re: x",
		"References: <R1> <R2> <R1>",
		"",
		"body",
	)
	assert.Equal(t, []string{"R1", "R2"}, References(rec.Header))

	withAt := record(t,
		"Subject: Re: x",
		"References: <a@x.com> <b@x.com> <a@x.com>",
		"",
		"body",
	)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, References(withAt.Header))
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		subject string
		tag     string
		want    string
	}{
		{"[List] Hello", "", "(Migrated) Hello"},
		{"[Zato-discuss] Hello  there", "[Zato-discuss]", "(Migrated) Hello there"},
		{"Re: [Zato-discuss] Hello", "[Zato-discuss]", "(Migrated) Re: Hello"},
		{"No tag\n here", "", "(Migrated) No tag here"},
		{"Re: [List] Hello", "", "(Migrated) Re: Hello"},
		{"RE: Fwd: [List] Hello", "", "(Migrated) RE: Fwd: Hello"},
		{"Question about [tag] syntax", "", "(Migrated) Question about [tag] syntax"},
		{"[List] [ANN] Release", "", "(Migrated) [ANN] Release"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.subject, tt.tag))
		})
	}
}

func TestTrimBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		footer string
		want   string
	}{
		{"signature separator", "body text\n-- \nsignature", "", "body text"},
		{"crlf signature separator", "body text\r\n-- \r\nsignature", "", "body text"},
		{"footer", "body text\n" + footer + "\nlist info", footer, "body text"},
		{"sign-off", "  body text\n\nCheers,\nAlice\n", "", "body text"},
		{"earliest cut wins", "text\ncheers,\nA\n-- \nsig\n" + footer, footer, "text"},
		{"inline dashes kept", "a -- b", "", "a -- b"},
		{"nothing to cut", "  plain  ", "", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TrimBody(tt.body, tt.footer, DefaultSignOffs))
		})
	}
}
