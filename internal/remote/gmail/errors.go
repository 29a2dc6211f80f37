package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/nhle/mailcache/internal/remote"
)

// mapError translates API failures into the remote error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if remote.IsAuthError(err) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
		case apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden && !isRateLimited(apiErr):
			return &remote.AuthError{Service: serviceName, Message: fmt.Sprintf("%s: %s", op, apiErr.Message)}
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &remote.AuthError{Service: serviceName, Message: fmt.Sprintf("%s: %s", op, retrieveErr.Error())}
	}

	if remote.IsNetworkError(err) {
		return &remote.NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// isRateLimited reports a 403 that signals quota exhaustion rather than
// missing permission.
func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimitexceeded") {
			return true
		}
	}
	return false
}
