// This file holds request decoding: JSON bodies, list filters and path
// parameters.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"fintrack/internal/core"
	"fintrack/internal/services"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// decodeJSON reads exactly one JSON value into dst. Unknown fields are
// rejected so typos in optional fields do not pass silently.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return badRequest(fmt.Errorf("unsupported content type %q", ct))
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return badRequest(errors.New("request body is empty"))
		case errors.As(err, &maxErr):
			return badRequest(fmt.Errorf("request body exceeds %d bytes", maxErr.Limit))
		case core.IsValidation(err):
			// Money and Date report their own validation errors
			return err
		default:
			return badRequest(fmt.Errorf("invalid JSON: %w", err))
		}
	}
	if dec.More() {
		return badRequest(errors.New("request body must contain a single JSON object"))
	}
	return nil
}

// ParseListFilter reads the list query parameters:
// kind, created_by, tag, start, end and range.
func ParseListFilter(q url.Values) (services.ListFilter, error) {
	f := services.ListFilter{
		Kind:      core.Kind(strings.ToLower(strings.TrimSpace(q.Get("kind")))),
		CreatedBy: strings.TrimSpace(q.Get("created_by")),
		Tag:       strings.TrimSpace(q.Get("tag")),
		Range:     strings.ToLower(strings.TrimSpace(q.Get("range"))),
	}
	if v := strings.TrimSpace(q.Get("start")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return f, core.Invalid("start", err)
		}
		f.Start = d
	}
	if v := strings.TrimSpace(q.Get("end")); v != "" {
		d, err := core.ParseDate(v)
		if err != nil {
			return f, core.Invalid("end", err)
		}
		f.End = d
	}
	return f, nil
}

// parseYear reads a required four-digit year parameter.
func parseYear(q url.Values) (int, error) {
	v := strings.TrimSpace(q.Get("year"))
	if v == "" {
		return 0, badRequest(errors.New("year is required"))
	}
	y, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid year %q", v))
	}
	return y, nil
}

// pathID returns the {id} path value, rejecting blanks.
func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return "", badRequest(errors.New("missing transaction id"))
	}
	return id, nil
}
