// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// MinSecretBytes is the shortest accepted HMAC key.
const MinSecretBytes = 32

// ErrSecretTooShort is returned by NewSecret for keys under MinSecretBytes.
var ErrSecretTooShort = errors.New("token: signing secret too short")

// ErrSecretDestroyed is returned when signing with a destroyed Secret.
var ErrSecretDestroyed = errors.New("token: signing secret destroyed")

// Secret is the process-wide HMAC key.
//
// # Description
//
// The key lives in a memguard LockedBuffer: mlocked, guarded by canary and
// guard pages, and frozen read-only immediately after creation. The caller's
// slice is wiped by NewSecret. Nothing can change the key afterwards; a new
// key means a new process.
//
// # Thread Safety
//
// Reads are safe for concurrent use. Destroy must only be called once every
// Issuer and Verifier built on the Secret is finished.
type Secret struct {
	buf  *memguard.LockedBuffer
	once sync.Once
}

// NewSecret moves key into locked memory and wipes the caller's copy.
//
// # Inputs
//
//   - key: raw key bytes, at least MinSecretBytes. Zeroed on return, even on
//     error.
//
// # Outputs
//
//   - *Secret: frozen key holder.
//   - error: ErrSecretTooShort.
func NewSecret(key []byte) (*Secret, error) {
	if len(key) < MinSecretBytes {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrSecretTooShort, len(key), MinSecretBytes)
	}
	buf := memguard.NewBufferFromBytes(key)
	buf.Freeze()
	return &Secret{buf: buf}, nil
}

// key returns the locked key bytes. The slice is read-only memory and must
// not be retained.
func (s *Secret) key() ([]byte, error) {
	if s == nil || s.buf == nil || !s.buf.IsAlive() {
		return nil, ErrSecretDestroyed
	}
	return s.buf.Bytes(), nil
}

// Destroy wipes and unmaps the key. Safe to call more than once.
func (s *Secret) Destroy() {
	if s == nil || s.buf == nil {
		return
	}
	s.once.Do(s.buf.Destroy)
}
