// Package parser turns one raw archive record into a model.Message ready
// for replay on the forum.
package parser

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"

	"github.com/dhcgn/mbox-to-discourse/mbox"
	"github.com/dhcgn/mbox-to-discourse/model"
)

const (
	SubjectPrefix = "(Migrated) "
	RootBanner    = "\n<b>(This message has been automatically imported from the retired mailing list)</b>\n\n"

	// maxPartDepth bounds the descent into nested multipart payloads.
	maxPartDepth = 16
)

// DefaultSignOffs are informal closings the body is cut at.
var DefaultSignOffs = []string{"cheers,"}

// listTagPattern matches a bracket tag at the start of a subject, after
// any reply or forward prefixes.
var listTagPattern = regexp.MustCompile(`^((?i:(?:re|fwd?|aw)\s*:\s*)*)\[[^\]]*\]\s*`)

type Options struct {
	// FooterMarker is the first line of the footer the list appended to
	// every post.
	FooterMarker string
	// SkipSubject drops any message whose subject contains it.
	SkipSubject string
	// ListTag is the bracket tag to strip from subjects, e.g. "[Zato-discuss]".
	// When empty the first bracket tag found is stripped.
	ListTag string
	// SignOffs overrides DefaultSignOffs when non-nil.
	SignOffs []string
}

func (o Options) signOffs() []string {
	if o.SignOffs != nil {
		return o.SignOffs
	}
	return DefaultSignOffs
}

// Parse extracts a message from rec. It reports false when the record has
// a missing or blank subject, an excluded subject, no Message-ID or an
// empty body.
func Parse(rec mbox.Record, senderEmail string, opts Options) (model.Message, bool) {
	h := rec.Header
	if !h.Has("Subject") {
		return model.Message{}, false
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	if strings.TrimSpace(subject) == "" {
		return model.Message{}, false
	}
	if opts.SkipSubject != "" && strings.Contains(subject, opts.SkipSubject) {
		return model.Message{}, false
	}

	id := MessageID(h)
	if id == "" {
		return model.Message{}, false
	}

	body := TrimBody(ExtractBody(h.Header, rec.Body), opts.FooterMarker, opts.signOffs())
	if body == "" {
		return model.Message{}, false
	}

	isRoot := !h.Has("In-Reply-To")
	if isRoot {
		body = RootBanner + body
	}

	createdAt, _ := h.Date()

	return model.Message{
		ID:          id,
		AuthorEmail: strings.ToLower(senderEmail),
		Subject:     NormalizeSubject(subject, opts.ListTag),
		Body:        body,
		IsRoot:      isRoot,
		CreatedAt:   createdAt,
	}, true
}

// Sender returns the display name and lower-cased address of the first
// From mailbox.
func Sender(h mail.Header) (name, email string, ok bool) {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return "", "", false
	}
	email = strings.ToLower(strings.TrimSpace(addrs[0].Address))
	if email == "" {
		return "", "", false
	}
	return addrs[0].Name, email, true
}

// MessageID returns the Message-ID without angle brackets, or "".
func MessageID(h mail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	return trimID(h.Get("Message-Id"))
}

// References returns the distinct ids listed in the References header, in
// header order.
func References(h mail.Header) []string {
	if !h.Has("References") {
		return nil
	}
	ids, err := h.MsgIDList("References")
	if err != nil || len(ids) == 0 {
		ids = ids[:0]
		for _, field := range strings.Fields(h.Get("References")) {
			if id := trimID(field); id != "" {
				ids = append(ids, id)
			}
		}
	}

	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func trimID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// NormalizeSubject strips the list tag, collapses whitespace and adds the
// migration prefix. Without listTag only a leading bracket tag is removed.
func NormalizeSubject(subject, listTag string) string {
	if listTag != "" {
		subject = strings.ReplaceAll(subject, listTag, "")
	} else {
		subject = listTagPattern.ReplaceAllString(strings.TrimSpace(subject), "$1")
	}
	return SubjectPrefix + strings.Join(strings.Fields(subject), " ")
}

// ExtractBody returns the text of the primary payload. Multipart payloads
// are followed through their first part only. Undecodable payloads are
// returned as raw text.
func ExtractBody(h message.Header, raw []byte) string {
	for depth := 0; depth < maxPartDepth; depth++ {
		mediaType, params, err := h.ContentType()
		if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
			break
		}

		part, err := textproto.NewMultipartReader(bytes.NewReader(raw), params["boundary"]).NextPart()
		if err != nil {
			return string(raw)
		}
		partRaw, err := io.ReadAll(part)
		if err != nil {
			return string(raw)
		}
		h = message.Header{Header: part.Header}
		raw = partRaw
	}

	entity, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return string(raw)
	}
	decoded, err := io.ReadAll(entity.Body)
	if err != nil {
		return string(raw)
	}

	text := string(decoded)
	if mediaType, _, _ := h.ContentType(); mediaType == "text/html" {
		text = html2text.HTML2Text(text)
	}
	return text
}

// TrimBody cuts body at the earliest of the footer marker, a "-- "
// signature separator line or a sign-off line, then trims whitespace.
func TrimBody(body, footerMarker string, signOffs []string) string {
	cut := len(body)
	if footerMarker != "" {
		if idx := strings.Index(body, footerMarker); idx >= 0 {
			cut = idx
		}
	}

	offset := 0
	for _, line := range strings.SplitAfter(body, "\n") {
		if offset >= cut {
			break
		}
		text := strings.TrimRight(line, "\r\n")
		if text == "-- " || isSignOff(text, signOffs) {
			cut = offset
			break
		}
		offset += len(line)
	}

	return strings.TrimSpace(body[:cut])
}

func isSignOff(line string, signOffs []string) bool {
	line = strings.ToLower(strings.TrimSpace(line))
	for _, s := range signOffs {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && strings.HasPrefix(line, s) {
			return true
		}
	}
	return false
}
