// tgimport - Telegram session import core.
// Copyright (C) 2026 The tgimport Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package humanise

import (
	"errors"

	"github.com/gotd/td/tgerr"

	"go.mau.fi/tgimport/pkg/importer"
)

// Error returns a user-facing message for an import or Telegram error.
func Error(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, importer.ErrInvalidSession):
		return "invalid session string"
	case errors.Is(err, importer.ErrNoFreeSlot):
		return "too many accounts"
	}
	if msg := rpcError(err); msg != "" {
		return msg
	}
	switch {
	case errors.Is(err, importer.ErrTimeout), errors.Is(err, importer.ErrConnection):
		return "import failed, check session validity"
	}
	return err.Error()
}

func rpcError(err error) string {
	switch {
	case tgerr.Is(err, "API_ID_INVALID"):
		return "The api_id/api_hash combination is invalid"
	case tgerr.Is(err, "API_ID_PUBLISHED_FLOOD"):
		return "This API id was published somewhere, you can't use it now"
	case tgerr.Is(err, "APPLICATION_VERSION_TOO_OLD"), tgerr.Is(err, "UPDATE_APP_TO_LOGIN"):
		return "This app version is too old, please update"
	case tgerr.Is(err, "AUTH_KEY_DUPLICATED"):
		return "The authorization key (session file) was used under two different IP addresses simultaneously, and can no longer be used. Use the same session exclusively, or use different sessions"
	case tgerr.Is(err, "AUTH_KEY_INVALID"):
		return "The key is invalid"
	case tgerr.Is(err, "AUTH_KEY_PERM_EMPTY"):
		return "The method is unavailable for temporary authorization key, not bound to permanent"
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED"):
		return "The key is not registered in the system"
	case tgerr.Is(err, "CONNECTION_API_ID_INVALID"):
		return "The provided API id is invalid"
	case tgerr.Is(err, "CONNECTION_DEVICE_MODEL_EMPTY"):
		return "Device model empty"
	case tgerr.Is(err, "CONNECTION_NOT_INITED"):
		return "Connection not initialized"
	case tgerr.Is(err, "FLOOD_WAIT"):
		return "Too many requests, please wait before trying again"
	case tgerr.Is(err, "PHONE_NUMBER_BANNED"):
		return "The used phone number has been banned from Telegram and cannot be used anymore. Maybe check https://www.telegram.org/faq_spam"
	case tgerr.Is(err, "RPC_CALL_FAIL"):
		return "Telegram is having internal issues, please try again later."
	case tgerr.Is(err, "SESSION_EXPIRED"):
		return "The authorization has expired"
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"):
		return "Two-steps verification is enabled and a password is required"
	case tgerr.Is(err, "SESSION_REVOKED"):
		return "The authorization has been invalidated, because of the user terminating all sessions"
	case tgerr.Is(err, "USER_DEACTIVATED"), tgerr.Is(err, "USER_DEACTIVATED_BAN"):
		return "The user has been deleted/deactivated"
	case tgerr.Is(err, "WORKER_BUSY_TOO_LONG_RETRY"):
		return "Telegram workers are too busy to respond immediately"
	}
	return ""
}
