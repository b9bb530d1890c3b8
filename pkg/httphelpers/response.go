// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httphelpers

import (
	"errors"
	"io"
	"net/http"
)

// maxDrainBytes bounds how much of an unread body is consumed before closing. Larger
// remainders are cheaper to discard with the connection than to read.
const maxDrainBytes = 64 << 10

// ErrBodyTooLarge is returned by ReadBody when the body exceeds the limit.
var ErrBodyTooLarge = errors.New("response body too large")

// DrainAndClose consumes the remaining response body and closes it to allow connection reuse.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	resp.Body.Close()
}

// ReadBody reads at most limit bytes of the body and closes it. A body longer than limit
// yields the first limit bytes and ErrBodyTooLarge.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer DrainAndClose(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return data, err
	}
	if int64(len(data)) > limit {
		return data[:limit], ErrBodyTooLarge
	}
	return data, nil
}
