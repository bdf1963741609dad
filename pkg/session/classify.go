package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Classification statuses recorded in the request lineage log.
const (
	StatusSuccess           = "Success"
	StatusTimeout           = "Timeout"
	StatusErrorTransport    = "Error:(Transport)"
	StatusErrorUnidentified = "Error:(Unidentified)"
)

// errorEnvelope is the minimal shape of a service-level error response.
// Feature services return HTTP 200 with an error object for most failures,
// so the body has to be sniffed regardless of status code.
type errorEnvelope struct {
	Error *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

// Classify maps one Execute outcome to a lineage status and results message.
// The returned size is the payload length in bytes (zero when the request
// never produced a response).
func Classify(resp *Response, err error) (status string, results []string, size int) {
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Class == ErrorClassTimeout {
			return StatusTimeout, []string{err.Error()}, 0
		}
		return StatusErrorTransport, []string{err.Error()}, 0
	}

	size = len(resp.Body)

	var envelope errorEnvelope
	if jsonErr := json.Unmarshal(resp.Body, &envelope); jsonErr != nil {
		return StatusErrorUnidentified, []string{"ResponseText:" + string(resp.Body)}, size
	}
	if envelope.Error != nil {
		code := StatusErrorUnidentified
		if envelope.Error.Code != 0 {
			code = fmt.Sprintf("Error:(%d)", envelope.Error.Code)
		}
		return code, []string{"ResponseText:" + string(resp.Body)}, size
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("Error:(%d)", resp.StatusCode), []string{"ResponseText:" + string(resp.Body)}, size
	}

	results = []string{fmt.Sprintf("Size: %d(B), Time :%f(s)", size, resp.Elapsed.Seconds())}
	return StatusSuccess, results, size
}
