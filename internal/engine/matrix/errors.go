// ABOUTME: Maps Matrix client errors to engine close reasons
// ABOUTME: Distinguishes revoked tokens, soft logouts, missing resources and network failures

package matrix

import (
	"context"
	"errors"
	"net"
	"strings"

	"maunium.net/go/mautrix"

	"github.com/2389/hive-gateway/internal/engine"
)

// respDetails extracts the Matrix error code, HTTP status and soft-logout
// flag from err.
func respDetails(err error) (code string, status int, soft bool) {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Response != nil {
			status = httpErr.Response.StatusCode
		}
		if re := httpErr.RespError; re != nil {
			code = re.ErrCode
			soft, _ = re.ExtraData["soft_logout"].(bool)
			if status == 0 {
				status = re.StatusCode
			}
		}
	}
	return code, status, soft
}

// classify maps an error from the Matrix client to a close reason.
func classify(err error) engine.CloseReason {
	if err == nil {
		return engine.ReasonUnknown
	}
	var ce *engine.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.ReasonTimedOut
	}
	if isDeviceIDMismatch(err) {
		return engine.ReasonMultideviceMismatch
	}

	code, status, soft := respDetails(err)
	switch {
	case code == "M_UNKNOWN_TOKEN" && soft:
		return engine.ReasonBadSession
	case code == "M_UNKNOWN_TOKEN", code == "M_MISSING_TOKEN":
		return engine.ReasonLoggedOut
	case code == "M_USER_DEACTIVATED", code == "M_FORBIDDEN" && status == 403:
		return engine.ReasonBadSession
	case code == "M_LIMIT_EXCEEDED", status == 429, status >= 500:
		return engine.ReasonConnectionLost
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return engine.ReasonTimedOut
		}
		return engine.ReasonConnectionLost
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return engine.ReasonConnectionLost
	}
	return engine.ReasonUnknown
}

func isNotFound(err error) bool {
	code, status, _ := respDetails(err)
	return code == "M_NOT_FOUND" || status == 404
}

// isDeviceIDMismatch checks if the error is due to a device ID mismatch in
// the crypto store.
func isDeviceIDMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "mismatching device ID")
}
