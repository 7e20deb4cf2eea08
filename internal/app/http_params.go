package app

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mscolab/api/internal/apperr"
)

// params reads request fields from a JSON object body, a form body or the
// query string, in that order. Legacy clients post forms; newer ones JSON.
type params struct {
	body  map[string]json.RawMessage
	form  url.Values
	query url.Values
}

const maxFormMemory = 1 << 20

func readParams(r *http.Request) (params, error) {
	p := params{query: r.URL.Query()}
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return p, nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&p.body); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return p, apperr.Invalid("request body too large")
			}
			return p, apperr.Invalid("invalid JSON body")
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return p, apperr.Invalid("request body too large")
			}
			return p, apperr.Invalid("invalid multipart body")
		}
		p.form = r.MultipartForm.Value
	default:
		if err := r.ParseForm(); err != nil {
			return p, apperr.Invalid("invalid form body")
		}
		p.form = r.PostForm
	}
	return p, nil
}

func (p params) raw(key string) (json.RawMessage, string, bool) {
	if v, ok := p.body[key]; ok && string(v) != "null" {
		return v, "", true
	}
	if vs, ok := p.form[key]; ok && len(vs) > 0 {
		return nil, vs[0], true
	}
	if vs, ok := p.query[key]; ok && len(vs) > 0 {
		return nil, vs[0], true
	}
	return nil, "", false
}

// String returns the field as text; JSON numbers and booleans are returned
// in their literal form.
func (p params) String(key string) string {
	js, text, ok := p.raw(key)
	if !ok {
		return ""
	}
	if js == nil {
		return text
	}
	var s string
	if err := json.Unmarshal(js, &s); err == nil {
		return s
	}
	return string(js)
}

func (p params) Has(key string) bool {
	_, _, ok := p.raw(key)
	return ok
}

func (p params) Int64(key string) (int64, error) {
	raw := strings.TrimSpace(p.String(key))
	if raw == "" {
		return 0, apperr.Invalid("%s is required", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Invalid("%s must be an integer", key)
	}
	return v, nil
}

// Bool treats a missing field as def.
func (p params) Bool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(p.String(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Invalid("%s must be true or false", key)
	}
	return v, nil
}

// IDs accepts a JSON array of ids, either as a JSON body field or as a form
// field holding the encoded array.
func (p params) IDs(key string) ([]int64, error) {
	js, text, ok := p.raw(key)
	if !ok {
		return nil, apperr.Invalid("%s is required", key)
	}
	if js == nil {
		js = json.RawMessage(text)
	}
	var ids []int64
	if err := json.Unmarshal(js, &ids); err != nil {
		return nil, apperr.Invalid("%s must be a list of user ids", key)
	}
	return ids, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02, 15:04:05",
	"2006-01-02 15:04:05",
}

// Time parses an optional timestamp. Zone-less values are UTC.
func (p params) Time(key string) (*time.Time, error) {
	raw := strings.TrimSpace(p.String(key))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, apperr.Invalid("%s is not a timestamp", key)
}
