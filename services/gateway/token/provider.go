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
	"context"
	"fmt"

	"github.com/AleutianAI/embedchat/pkg/extensions"
)

// Caller converts a verified assertion to the extension-facing caller.
func (a *Assertion) Caller() *extensions.Caller {
	return &extensions.Caller{
		Subject:     a.Subject,
		DisplayName: a.DisplayName,
		TrustMode:   a.IssuedVia.TrustMode().String(),
		AssertionID: a.ID,
	}
}

// Validate implements extensions.AuthProvider. Errors wrap both
// extensions.ErrUnauthorized and the specific token error.
func (v *Verifier) Validate(_ context.Context, raw string) (*extensions.Caller, error) {
	a, err := v.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extensions.ErrUnauthorized, err)
	}
	return a.Caller(), nil
}

var _ extensions.AuthProvider = (*Verifier)(nil)
