// Package contact parses, validates and archives contact form submissions.
//
// Accepted submissions are written to S3 as one JSON object each. Nothing is
// emailed from the server.
package contact

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/keystone-comms/keystone-web/internal/services"
)

// Field limits, in characters.
const (
	maxNameLen    = 100
	maxEmailLen   = 254
	maxPhoneLen   = 32
	maxCompanyLen = 200
	minMessageLen = 10
	maxMessageLen = 5000
)

var (
	ErrUnsupportedMediaType = errors.New("contact: unsupported content type")
	ErrMalformed            = errors.New("contact: malformed body")
	ErrTooLarge             = errors.New("contact: body too large")
)

// Submission is one contact form post.
type Submission struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Phone      string    `json:"phone,omitempty"`
	Company    string    `json:"company,omitempty"`
	Service    string    `json:"service,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
	ClientID   string    `json:"client_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`

	// Website is a honeypot input hidden from humans. Never archived.
	Website string `json:"-"`
}

// form mirrors the posted fields.
type form struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Company string `json:"company"`
	Service string `json:"service"`
	Message string `json:"message"`
	Website string `json:"website"`
}

// Parse reads a JSON or form-encoded submission from r. Fields are trimmed; ID and
// ReceivedAt are assigned, the caller fills ClientID and RequestID.
func Parse(r *http.Request, now time.Time) (Submission, error) {
	ct := r.Header.Get("Content-Type")
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil && ct != "" {
		return Submission{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, ct)
	}

	var f form
	switch mt {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return Submission{}, classifyReadErr(err)
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 10); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return Submission{}, classifyReadErr(err)
		}
		f = form{
			Name:    r.PostFormValue("name"),
			Email:   r.PostFormValue("email"),
			Phone:   r.PostFormValue("phone"),
			Company: r.PostFormValue("company"),
			Service: r.PostFormValue("service"),
			Message: r.PostFormValue("message"),
			Website: r.PostFormValue("website"),
		}
	default:
		return Submission{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, ct)
	}

	return Submission{
		ID:         NewID(now),
		Name:       strings.TrimSpace(f.Name),
		Email:      strings.TrimSpace(f.Email),
		Phone:      strings.TrimSpace(f.Phone),
		Company:    strings.TrimSpace(f.Company),
		Service:    strings.TrimSpace(f.Service),
		Message:    strings.TrimSpace(f.Message),
		Website:    strings.TrimSpace(f.Website),
		ReceivedAt: now.UTC(),
	}, nil
}

func classifyReadErr(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: limit %d bytes", ErrTooLarge, mbe.Limit)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// NewID returns a sortable, unique submission ID.
func NewID(now time.Time) string {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return now.UTC().Format("20060102T150405Z") + "-" + hex.EncodeToString(b[:])
}

// IsSpam reports whether the honeypot field was filled in.
func (s Submission) IsSpam() bool { return s.Website != "" }

// ValidationError carries one message per invalid field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("contact: invalid submission")
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		fmt.Fprintf(&b, "; %s: %s", k, e.Fields[k])
	}
	return b.String()
}

// Validate checks every field and returns a *ValidationError listing all problems.
func (s Submission) Validate() error {
	fields := map[string]string{}

	switch n := utf8.RuneCountInString(s.Name); {
	case n == 0:
		fields["name"] = "required"
	case n > maxNameLen:
		fields["name"] = fmt.Sprintf("must be at most %d characters", maxNameLen)
	}

	switch {
	case s.Email == "":
		fields["email"] = "required"
	case len(s.Email) > maxEmailLen:
		fields["email"] = fmt.Sprintf("must be at most %d characters", maxEmailLen)
	default:
		// reject display-name forms like "Bob <bob@example.com>"
		addr, err := mail.ParseAddress(s.Email)
		if err != nil || addr.Address != s.Email {
			fields["email"] = "must be a valid email address"
		}
	}

	if s.Phone != "" {
		if len(s.Phone) > maxPhoneLen {
			fields["phone"] = fmt.Sprintf("must be at most %d characters", maxPhoneLen)
		} else if !validPhone(s.Phone) {
			fields["phone"] = "may contain only digits, spaces and + ( ) - ."
		}
	}

	if utf8.RuneCountInString(s.Company) > maxCompanyLen {
		fields["company"] = fmt.Sprintf("must be at most %d characters", maxCompanyLen)
	}

	if s.Service != "" {
		if _, ok := services.Lookup(s.Service); !ok {
			fields["service"] = "unknown service"
		}
	}

	switch n := utf8.RuneCountInString(s.Message); {
	case n < minMessageLen:
		fields["message"] = fmt.Sprintf("must be at least %d characters", minMessageLen)
	case n > maxMessageLen:
		fields["message"] = fmt.Sprintf("must be at most %d characters", maxMessageLen)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validPhone(s string) bool {
	digits := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case strings.ContainsRune(" +()-.", c):
		default:
			return false
		}
	}
	return digits > 0
}
