// Package internal holds HTTP plumbing shared by billing providers: strict
// body reading and per-IP rate limiting for webhook endpoints.
package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrPayloadTooLarge is returned when the request body exceeds the size limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// ReadBodyStrict reads the raw request body and validates it is not empty.
// The body must stay unparsed at this point: signature verification runs over
// the exact bytes received, before any JSON decoding. A size limit guards
// against memory exhaustion.
func ReadBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}

// WriteJSON writes a JSON response with proper headers.
func WriteJSON(w http.ResponseWriter, code int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(data)
}
