package mail

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/htmlindex"
)

// MaxPartDepth bounds how deep the decoder descends into nested multiparts
const MaxPartDepth = 32

// Decoder turns RawMessages into DecodedEmails. The zero value is usable
type Decoder struct {
	Logger   logrus.FieldLogger
	Now      func() time.Time
	MaxDepth int
}

// NewDecoder creates a decoder that logs part failures to logger
func NewDecoder(logger logrus.FieldLogger) *Decoder {
	return &Decoder{Logger: logger}
}

var defaultDecoder = &Decoder{}

// Decode normalizes raw using the default decoder
func Decode(accountID string, raw *RawMessage) (*DecodedEmail, error) {
	return defaultDecoder.Decode(accountID, raw)
}

type partFrame struct {
	part  *MessagePart
	depth int
}

// Decode normalizes raw. Malformed parts contribute empty content instead of
// failing; an error is only returned when the message cannot be identified
func (d *Decoder) Decode(accountID string, raw *RawMessage) (*DecodedEmail, error) {
	if raw == nil {
		return nil, errors.New("decode: nil message")
	}
	if raw.ID == "" {
		return nil, errors.New("decode: message has no id")
	}

	log := d.logger().WithFields(logrus.Fields{
		"account_id": accountID,
		"message_id": raw.ID,
	})

	headers := raw.Headers
	if len(headers) == 0 {
		headers = raw.Payload.Headers
	}

	out := &DecodedEmail{
		AccountID:         accountID,
		ProviderMessageID: raw.ID,
		ThreadID:          raw.ThreadID,
		Subject:           decodeHeaderWords(headerValue(headers, "Subject")),
		From:              headerValue(headers, "From"),
		To:                headerValue(headers, "To"),
		Attachments:       []AttachmentDescriptor{},
		Labels:            append([]string{}, raw.LabelIDs...),
		ReceivedAt:        d.parseDate(headerValue(headers, "Date")),
		Size:              raw.SizeEstimate,
		Headers:           headerMap(headers),
	}

	maxDepth := d.MaxDepth
	if maxDepth <= 0 {
		maxDepth = MaxPartDepth
	}

	// A flat payload carries its content inline on the root and always
	// becomes the plain body, whatever its declared type
	root := &raw.Payload
	if len(root.Parts) == 0 && root.Data != "" && root.Kind() != PartAttachment {
		out.Body = d.partText(root, log)
		return out, nil
	}

	stack := []partFrame{{part: root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p := f.part

		switch p.Kind() {
		case PartAttachment:
			out.Attachments = append(out.Attachments, AttachmentDescriptor{
				PartID:       p.PartID,
				Filename:     p.Filename,
				MimeType:     p.MimeType,
				Size:         p.Size,
				AttachmentID: p.AttachmentID,
			})
		case PartText:
			if out.Body == "" && p.Data != "" {
				out.Body = d.partText(p, log)
			}
		case PartHTML:
			if out.HTMLBody == "" && p.Data != "" {
				out.HTMLBody = d.partText(p, log)
			}
		case PartMultipart:
			if f.depth >= maxDepth {
				log.WithField("part_id", p.PartID).Warn("mime tree exceeds max depth, skipping subtree")
				continue
			}
			// reverse push keeps provider order
			for i := len(p.Parts) - 1; i >= 0; i-- {
				stack = append(stack, partFrame{part: &p.Parts[i], depth: f.depth + 1})
			}
		}
	}

	return out, nil
}

func (d *Decoder) logger() logrus.FieldLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

func (d *Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// partText decodes inline data and converts it to UTF-8. Failures yield ""
func (d *Decoder) partText(p *MessagePart, log logrus.FieldLogger) string {
	b, err := DecodeBase64URL(p.Data)
	if err != nil {
		log.WithError(err).WithField("part_id", p.PartID).Warn("failed to decode part body")
		return ""
	}
	if cs := partCharset(p); cs != "" {
		converted, err := toUTF8(cs, b)
		if err != nil {
			log.WithError(err).WithField("charset", cs).Debug("charset conversion failed, keeping raw bytes")
		} else {
			b = converted
		}
	}
	return string(b)
}

// parseDate honours the zone offset stated in the header and falls back to
// the decoder clock when the value is missing or unparsable
func (d *Decoder) parseDate(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return d.now()
	}
	t, err := netmail.ParseDate(v)
	if err != nil {
		return d.now()
	}
	return t
}

// DecodeBase64URL decodes URL-alphabet base64 whose trailing padding may be missing
func DecodeBase64URL(data string) ([]byte, error) {
	data = strings.TrimRight(data, "=")
	padding := (4 - len(data)%4) % 4
	data += strings.Repeat("=", padding)
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("base64url: %w", err)
	}
	return b, nil
}

func headerValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func headerMap(headers []Header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		if _, ok := m[h.Name]; !ok {
			m[h.Name] = h.Value
		}
	}
	return m
}

func partCharset(p *MessagePart) string {
	ct := headerValue(p.Headers, "Content-Type")
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	switch cs {
	case "", "utf-8", "utf8", "us-ascii":
		return ""
	}
	return cs
}

func toUTF8(charset string, b []byte) ([]byte, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(out) {
		return nil, fmt.Errorf("charset %s produced invalid utf-8", charset)
	}
	return out, nil
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// decodeHeaderWords expands RFC 2047 encoded words, keeping the raw value on failure
func decodeHeaderWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
