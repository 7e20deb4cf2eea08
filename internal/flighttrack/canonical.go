package flighttrack

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"mscolab/api/internal/apperr"
)

// Canonicalize rewrites content into the byte form used for hashing:
// whitespace-only text, comments, processing instructions and directives are
// dropped, empty elements are expanded, attributes are sorted and all text is
// NFC normalized.
func Canonicalize(content string) ([]byte, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var buf bytes.Buffer
	depth := 0
	roots := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidInput, err, "malformed xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return nil, apperr.Invalid("malformed xml: multiple root elements")
				}
			}
			depth++
			buf.WriteByte('<')
			buf.WriteString(qualified(t.Name))
			attrs := append([]xml.Attr(nil), t.Attr...)
			sort.Slice(attrs, func(i, j int) bool {
				return qualified(attrs[i].Name) < qualified(attrs[j].Name)
			})
			for _, a := range attrs {
				buf.WriteByte(' ')
				buf.WriteString(qualified(a.Name))
				buf.WriteString(`="`)
				escape(&buf, a.Value)
				buf.WriteByte('"')
			}
			buf.WriteByte('>')
		case xml.EndElement:
			depth--
			buf.WriteString("</")
			buf.WriteString(qualified(t.Name))
			buf.WriteByte('>')
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			if depth == 0 {
				return nil, apperr.Invalid("malformed xml: text outside root element")
			}
			escape(&buf, string(t))
		case xml.Comment, xml.ProcInst, xml.Directive:
		}
	}
	if roots == 0 {
		return nil, apperr.Invalid("malformed xml: no root element")
	}
	return buf.Bytes(), nil
}

// Hash is the hex SHA-256 of the canonical form of content.
func Hash(content string) (string, error) {
	canonical, err := Canonicalize(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func qualified(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + ":" + name.Local
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(norm.NFC.String(s)))
}
