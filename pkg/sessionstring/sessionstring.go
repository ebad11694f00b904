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

// Package sessionstring decodes Telethon-style session strings into the data
// center and authorization key needed to resume an MTProto session.
//
// The format is an optional "1" version marker followed by URL-safe base64.
// The decoded body starts with a one byte data center ID and ends with the
// 256 byte authorization key. Anything in between (server address and port in
// Telethon's case) is ignored.
package sessionstring

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/crypto"
)

const (
	// VersionMarker is the format version prefix of session strings.
	VersionMarker = "1"

	// KeySize is the size of an MTProto authorization key.
	KeySize = len(crypto.Key{})

	// MinSize is the minimum decoded length: header byte plus key.
	MinSize = 1 + KeySize
)

var (
	// ErrInvalidSession is wrapped by every decoding error.
	ErrInvalidSession = errors.New("invalid session string")

	ErrEmpty             = fmt.Errorf("%w: empty", ErrInvalidSession)
	ErrMalformed         = fmt.Errorf("%w: malformed base64", ErrInvalidSession)
	ErrTooShort          = fmt.Errorf("%w: too short", ErrInvalidSession)
	ErrInvalidDataCenter = fmt.Errorf("%w: data center ID is zero", ErrInvalidSession)
)

// Record is a decoded session. The zero value is not valid, use Decode or
// NewRecord to make one.
type Record struct {
	DC      int
	AuthKey crypto.Key
}

// NewRecord validates the given data center ID and key and returns a Record.
func NewRecord(dc int, authKey []byte) (Record, error) {
	if dc <= 0 || dc > 0xff {
		return Record{}, ErrInvalidDataCenter
	} else if len(authKey) != KeySize {
		return Record{}, fmt.Errorf("%w: auth key must be %d bytes, got %d", ErrInvalidSession, KeySize, len(authKey))
	}
	return Record{DC: dc, AuthKey: crypto.Key(authKey)}, nil
}

// AuthKeyID returns the MTProto key ID of the authorization key.
func (r Record) AuthKeyID() [8]byte {
	return r.AuthKey.ID()
}

// Decode parses a session string. The returned error always wraps
// ErrInvalidSession and is one of ErrEmpty, ErrMalformed, ErrTooShort or
// ErrInvalidDataCenter.
func Decode(sessionString string) (rec Record, err error) {
	defer func() {
		if recover() != nil {
			rec, err = Record{}, ErrMalformed
		}
	}()

	sessionString = strings.TrimSpace(sessionString)
	if sessionString == "" {
		return Record{}, ErrEmpty
	}
	sessionString = strings.TrimPrefix(sessionString, VersionMarker)

	data, err := decodeBase64(sessionString)
	if err != nil {
		return Record{}, ErrMalformed
	} else if len(data) < MinSize {
		return Record{}, ErrTooShort
	}

	dc := int(data[0])
	if dc == 0 {
		return Record{}, ErrInvalidDataCenter
	}
	return Record{DC: dc, AuthKey: crypto.Key(data[len(data)-KeySize:])}, nil
}

// decodeBase64 decodes URL-safe base64 with or without padding. If padding
// is present it must be exactly what the encoded length requires.
func decodeBase64(s string) ([]byte, error) {
	unpadded := strings.TrimRight(s, "=")
	if padding := len(s) - len(unpadded); padding != 0 && padding != (4-len(unpadded)%4)%4 {
		return nil, base64.CorruptInputError(len(unpadded))
	}
	return base64.RawURLEncoding.DecodeString(unpadded)
}

// Encode serializes the record in the minimal layout (header byte followed
// by the key) with the version marker prepended.
func Encode(rec Record) string {
	buf := make([]byte, 0, MinSize)
	buf = append(buf, byte(rec.DC))
	buf = append(buf, rec.AuthKey[:]...)
	return VersionMarker + base64.URLEncoding.EncodeToString(buf)
}
