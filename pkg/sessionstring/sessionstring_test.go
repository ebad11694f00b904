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

package sessionstring_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/tgimport/pkg/sessionstring"
)

func makeBody(dc byte, middle int, fill func(i int) byte) []byte {
	body := make([]byte, 1+middle+sessionstring.KeySize)
	body[0] = dc
	for i := 1; i < 1+middle; i++ {
		body[i] = 0xEE
	}
	for i := 0; i < sessionstring.KeySize; i++ {
		body[1+middle+i] = fill(i)
	}
	return body
}

func TestDecode(t *testing.T) {
	repeating := func(i int) byte { return byte(i + 1) }
	scenarioD := makeBody(0x02, 0, repeating)

	tests := []struct {
		name  string
		input string
		err   error
		dc    int
		key   []byte
	}{
		{name: "empty", input: "", err: sessionstring.ErrEmpty},
		{name: "whitespace", input: "  \n", err: sessionstring.ErrEmpty},
		{name: "too short", input: "1QQ==", err: sessionstring.ErrTooShort},
		{name: "malformed", input: "1!!!not base64!!!", err: sessionstring.ErrMalformed},
		{name: "standard alphabet", input: "1" + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xfb, 0xff}, 200)), err: sessionstring.ErrMalformed},
		{name: "extra padding", input: "1" + base64.URLEncoding.EncodeToString(scenarioD) + "=", err: sessionstring.ErrMalformed},
		{name: "triple padding", input: "1" + base64.URLEncoding.EncodeToString(scenarioD) + "===", err: sessionstring.ErrMalformed},
		{name: "padding on aligned input", input: "1" + base64.RawURLEncoding.EncodeToString(makeBody(1, 4, repeating)) + "=", err: sessionstring.ErrMalformed},
		{name: "short padding", input: "1" + base64.RawURLEncoding.EncodeToString(makeBody(1, 2, repeating)) + "=", err: sessionstring.ErrMalformed},
		{
			name:  "zero data center",
			input: "1" + base64.URLEncoding.EncodeToString(makeBody(0, 0, repeating)),
			err:   sessionstring.ErrInvalidDataCenter,
		},
		{
			name:  "minimal",
			input: "1" + base64.URLEncoding.EncodeToString(scenarioD),
			dc:    2,
			key:   scenarioD[1:],
		},
		{
			name:  "no version marker",
			input: base64.URLEncoding.EncodeToString(makeBody(4, 0, repeating)),
			dc:    4,
			key:   makeBody(4, 0, repeating)[1:],
		},
		{
			name:  "unpadded",
			input: "1" + base64.RawURLEncoding.EncodeToString(makeBody(1, 5, repeating)),
			dc:    1,
			key:   makeBody(1, 5, repeating)[6:],
		},
		{
			name:  "telethon ipv4 layout",
			input: "1" + base64.URLEncoding.EncodeToString(makeBody(5, 4+2, func(i int) byte { return byte(255 - i) })),
			dc:    5,
			key:   makeBody(5, 4+2, func(i int) byte { return byte(255 - i) })[7:],
		},
		{
			name:  "telethon ipv6 layout",
			input: "1" + base64.URLEncoding.EncodeToString(makeBody(3, 16+2, repeating)),
			dc:    3,
			key:   makeBody(3, 16+2, repeating)[19:],
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec, err := sessionstring.Decode(test.input)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				assert.ErrorIs(t, err, sessionstring.ErrInvalidSession)
				assert.Equal(t, sessionstring.Record{}, rec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.dc, rec.DC)
			assert.Equal(t, test.key, rec.AuthKey[:])
		})
	}
}

func TestDecodeScenarioDKeyPattern(t *testing.T) {
	body := makeBody(0x02, 0, func(i int) byte { return byte(i + 1) })
	rec, err := sessionstring.Decode("1" + base64.URLEncoding.EncodeToString(body))
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), rec.AuthKey[0])
	assert.Equal(t, byte(0x02), rec.AuthKey[1])
	assert.Equal(t, byte(0x00), rec.AuthKey[255])
}

func TestRoundTrip(t *testing.T) {
	rec, err := sessionstring.NewRecord(5, bytes.Repeat([]byte{0xAB}, sessionstring.KeySize))
	require.NoError(t, err)

	encoded := sessionstring.Encode(rec)
	assert.Equal(t, byte('1'), encoded[0])
	decoded, err := sessionstring.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
	assert.Equal(t, rec.AuthKeyID(), decoded.AuthKeyID())
}

func TestNewRecord(t *testing.T) {
	_, err := sessionstring.NewRecord(0, make([]byte, sessionstring.KeySize))
	assert.ErrorIs(t, err, sessionstring.ErrInvalidDataCenter)
	_, err = sessionstring.NewRecord(2, make([]byte, 255))
	assert.ErrorIs(t, err, sessionstring.ErrInvalidSession)
	_, err = sessionstring.NewRecord(256, make([]byte, sessionstring.KeySize))
	assert.ErrorIs(t, err, sessionstring.ErrInvalidDataCenter)
}

func FuzzDecode(f *testing.F) {
	f.Add("")
	f.Add("1QQ==")
	f.Add(sessionstring.Encode(sessionstring.Record{DC: 2}))

	f.Fuzz(func(t *testing.T, input string) {
		rec1, err1 := sessionstring.Decode(input)
		rec2, err2 := sessionstring.Decode(input)
		assert.Equal(t, err1, err2)
		assert.Equal(t, rec1, rec2)
		if err1 == nil {
			assert.NotZero(t, rec1.DC)
		} else {
			assert.ErrorIs(t, err1, sessionstring.ErrInvalidSession)
		}
	})
}
