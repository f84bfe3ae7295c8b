// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tls13

import (
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// expandLabel implements HKDF-Expand-Label from RFC 8446, Section 7.1.
func (c *cipherSuiteTLS13) expandLabel(secret []byte, label string, context []byte, length int) []byte {
	var hkdfLabel cryptobyte.Builder
	hkdfLabel.AddUint16(uint16(length))
	hkdfLabel.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	hkdfLabel.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	out := make([]byte, length)
	n, err := hkdf.Expand(c.hash.New, secret, hkdfLabel.BytesOrPanic()).Read(out)
	if err != nil || n != length {
		panic("tls: HKDF-Expand-Label invocation failed unexpectedly")
	}
	return out
}

// extract implements HKDF-Extract from RFC 8446, Section 7.1. A nil
// newSecret is treated as a string of zeroes of the hash length, as used
// when deriving the early and master secrets from nothing.
func (c *cipherSuiteTLS13) extract(newSecret, currentSecret []byte) []byte {
	if newSecret == nil {
		newSecret = make([]byte, c.hash.Size())
	}
	return hkdf.Extract(c.hash.New, newSecret, currentSecret)
}

// DeriveSecret derives a secret with the given label and no transcript
// context, as used to derive the QUIC Initial secrets from the packet
// protection secret, https://www.rfc-editor.org/rfc/rfc9001.html#section-5.2
func (c *cipherSuiteTLS13) DeriveSecret(secret []byte, label string) []byte {
	return c.expandLabel(secret, label, nil, c.hash.Size())
}

// QUICTrafficKey derives the packet protection key, IV and header
// protection key from a traffic secret,
// https://www.rfc-editor.org/rfc/rfc9001.html#section-5.1
func (c *cipherSuiteTLS13) QUICTrafficKey(secret []byte) (key, iv, hp []byte) {
	const quicIVLength = 12
	key = c.expandLabel(secret, "quic key", nil, c.keyLen)
	iv = c.expandLabel(secret, "quic iv", nil, quicIVLength)
	hp = c.expandLabel(secret, "quic hp", nil, c.keyLen)
	return key, iv, hp
}
