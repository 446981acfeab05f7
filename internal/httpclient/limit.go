package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// ResponseTooLargeError reports that the response body exceeded the limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsResponseTooLarge reports whether the error indicates a response limit violation.
func IsResponseTooLarge(err error) bool {
	var limitErr ResponseTooLargeError
	return errors.As(err, &limitErr)
}

// ReadAllWithLimit reads r up to limit bytes. A longer body is cut at limit
// when truncate is set and is a ResponseTooLargeError otherwise. A limit <= 0
// reads everything.
func ReadAllWithLimit(r io.Reader, limit int64, truncate bool) (data []byte, truncated bool, err error) {
	if limit <= 0 {
		data, err = io.ReadAll(r)
		return data, false, err
	}
	data, err = io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) <= limit {
		return data, false, nil
	}
	if !truncate {
		return nil, false, ResponseTooLargeError{Limit: limit}
	}
	return data[:limit], true, nil
}
